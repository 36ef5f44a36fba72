// Package wire implements the message codec: the pure, stateless mapping
// between a frame's payload bytes and the typed protocol messages the role
// state machines exchange. The opcode table is a stable external contract
// and must never be renumbered.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode is the one-byte discriminator at payload[0] of any non-ping frame.
type Opcode uint8

const (
	OpAuthenticate     Opcode = 0x01
	OpAuthOk           Opcode = 0x02
	OpAuthFailed       Opcode = 0x03
	OpPartnerJoined    Opcode = 0x04
	OpPartnerLeft      Opcode = 0x05
	OpOpenSession      Opcode = 0x06
	OpOpenConnection   Opcode = 0x10
	OpConnectionOpened Opcode = 0x11
	OpCloseConnection  Opcode = 0x12
	OpData             Opcode = 0x13
	OpWindowUpdate     Opcode = 0x14
	OpGoAway           Opcode = 0x1F
)

// Role identifies which slot of a session a peer is authenticating into.
type Role uint8

const (
	RoleClient Role = 0
	RoleServer Role = 1
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// CloseReason annotates why a CloseConnection was sent.
type CloseReason uint8

const (
	ReasonOK          CloseReason = 0
	ReasonAbort       CloseReason = 1
	ReasonUnreachable CloseReason = 2
	ReasonForbidden   CloseReason = 3
	ReasonOverflow    CloseReason = 4
	ReasonGatewayClose CloseReason = 5
)

// ErrMalformed is returned (optionally wrapped with more context via
// fmt.Errorf("%w: ...")) whenever a payload does not conform to its
// opcode's expected layout, including declared interior lengths that
// would read past the end of the frame.
var ErrMalformed = errors.New("wire: malformed message")

// Message is the tagged-union interface implemented by every typed
// protocol message.
type Message interface {
	Opcode() Opcode
}

type Authenticate struct {
	SessionID int32
	Role      Role
	Password  []byte
}

func (Authenticate) Opcode() Opcode { return OpAuthenticate }

type AuthOk struct{}

func (AuthOk) Opcode() Opcode { return OpAuthOk }

type AuthFailed struct{}

func (AuthFailed) Opcode() Opcode { return OpAuthFailed }

type PartnerJoined struct{}

func (PartnerJoined) Opcode() Opcode { return OpPartnerJoined }

type PartnerLeft struct{}

func (PartnerLeft) Opcode() Opcode { return OpPartnerLeft }

// Binding is one (target_host, target_port) pair inside an OpenSession
// message. It mirrors the target side of a Listener Binding; the listen
// address itself is local proxy-server configuration, never sent on the
// wire.
type Binding struct {
	TargetHost string
	TargetPort uint16
}

type OpenSession struct {
	Bindings []Binding
}

func (OpenSession) Opcode() Opcode { return OpOpenSession }

type OpenConnection struct {
	ID   uint64
	Host string
	Port uint16
}

func (OpenConnection) Opcode() Opcode { return OpOpenConnection }

type ConnectionOpened struct {
	ID uint64
}

func (ConnectionOpened) Opcode() Opcode { return OpConnectionOpened }

type CloseConnection struct {
	ID     uint64
	Reason CloseReason
}

func (CloseConnection) Opcode() Opcode { return OpCloseConnection }

type Data struct {
	ID      uint64
	Payload []byte
}

func (Data) Opcode() Opcode { return OpData }

type WindowUpdate struct {
	ID     uint64
	Credit uint32
}

func (WindowUpdate) Opcode() Opcode { return OpWindowUpdate }

type GoAway struct {
	Code uint8
}

func (GoAway) Opcode() Opcode { return OpGoAway }

// GoAway codes. The wire protocol has no dedicated ClosedByGateway
// opcode, so gateway eviction and shutdown notices both ride GoAway,
// distinguished by code.
const (
	GoAwayNormal   uint8 = 0
	GoAwayEvicted  uint8 = 1
	GoAwayShutdown uint8 = 2
)

// Unknown wraps any opcode this build does not recognize. The state
// machines silently drop it, preserving forward compatibility.
type Unknown struct {
	Op  Opcode
	Raw []byte
}

func (u Unknown) Opcode() Opcode { return u.Op }

// Encode serializes msg to a frame payload (opcode byte followed by the
// message's fields, all multi-byte integers big-endian).
func Encode(msg Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(msg.Opcode()))

	switch m := msg.(type) {
	case Authenticate:
		writeU32(buf, uint32(m.SessionID))
		buf.WriteByte(byte(m.Role))
		writeBytes(buf, m.Password)
	case AuthOk, AuthFailed, PartnerJoined, PartnerLeft:
		// empty payloads
	case OpenSession:
		writeU32(buf, uint32(len(m.Bindings)))
		for _, b := range m.Bindings {
			writeString(buf, b.TargetHost)
			writeU16(buf, b.TargetPort)
		}
	case OpenConnection:
		writeU64(buf, m.ID)
		writeString(buf, m.Host)
		writeU16(buf, m.Port)
	case ConnectionOpened:
		writeU64(buf, m.ID)
	case CloseConnection:
		writeU64(buf, m.ID)
		buf.WriteByte(byte(m.Reason))
	case Data:
		writeU64(buf, m.ID)
		buf.Write(m.Payload)
	case WindowUpdate:
		writeU64(buf, m.ID)
		writeU32(buf, m.Credit)
	case GoAway:
		buf.WriteByte(m.Code)
	case Unknown:
		return nil, fmt.Errorf("wire: cannot encode Unknown(0x%02x)", byte(m.Op))
	default:
		return nil, fmt.Errorf("wire: unencodable message type %T", msg)
	}

	return buf.Bytes(), nil
}

// Decode parses a frame payload into a typed Message. An unrecognized
// opcode decodes to Unknown rather than failing, so newer peers can add
// opcodes without breaking older ones.
func Decode(payload []byte) (Message, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	op := Opcode(payload[0])
	body := payload[1:]
	r := &reader{buf: body}

	var msg Message
	switch op {
	case OpAuthenticate:
		sessionID, err := r.u32()
		if err != nil {
			return nil, err
		}
		roleByte, err := r.u8()
		if err != nil {
			return nil, err
		}
		password, err := r.bytes()
		if err != nil {
			return nil, err
		}
		msg = Authenticate{SessionID: int32(sessionID), Role: Role(roleByte), Password: password}
	case OpAuthOk:
		msg = AuthOk{}
	case OpAuthFailed:
		msg = AuthFailed{}
	case OpPartnerJoined:
		msg = PartnerJoined{}
	case OpPartnerLeft:
		msg = PartnerLeft{}
	case OpOpenSession:
		count, err := r.u32()
		if err != nil {
			return nil, err
		}
		if count > maxReasonableCount {
			return nil, fmt.Errorf("%w: OpenSession declares %d bindings", ErrMalformed, count)
		}
		bindings := make([]Binding, 0, count)
		for i := uint32(0); i < count; i++ {
			host, err := r.str()
			if err != nil {
				return nil, err
			}
			port, err := r.u16()
			if err != nil {
				return nil, err
			}
			bindings = append(bindings, Binding{TargetHost: host, TargetPort: port})
		}
		msg = OpenSession{Bindings: bindings}
	case OpOpenConnection:
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		host, err := r.str()
		if err != nil {
			return nil, err
		}
		port, err := r.u16()
		if err != nil {
			return nil, err
		}
		msg = OpenConnection{ID: id, Host: host, Port: port}
	case OpConnectionOpened:
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		msg = ConnectionOpened{ID: id}
	case OpCloseConnection:
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		reason, err := r.u8()
		if err != nil {
			return nil, err
		}
		msg = CloseConnection{ID: id, Reason: CloseReason(reason)}
	case OpData:
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		msg = Data{ID: id, Payload: append([]byte(nil), r.rest()...)}
	case OpWindowUpdate:
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		credit, err := r.u32()
		if err != nil {
			return nil, err
		}
		msg = WindowUpdate{ID: id, Credit: credit}
	case OpGoAway:
		code, err := r.u8()
		if err != nil {
			return nil, err
		}
		msg = GoAway{Code: code}
	default:
		return Unknown{Op: op, Raw: append([]byte(nil), body...)}, nil
	}

	return msg, nil
}

// maxReasonableCount bounds repeated-field counts decoded from a frame
// that is itself capped at MaxFrameSize; it exists purely to fail fast on
// a corrupt count instead of allocating a huge slice.
const maxReasonableCount = 1 << 20

// reader is a cursor over a message body that returns ErrMalformed
// instead of panicking when a read would run past the end of the slice.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if len(r.buf)-r.pos < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, len(r.buf)-r.pos)
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return append([]byte(nil), v...), nil
}

func (r *reader) str() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) rest() []byte {
	return r.buf[r.pos:]
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, v []byte) {
	writeU32(buf, uint32(len(v)))
	buf.Write(v)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}
