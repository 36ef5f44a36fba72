// Package tunnelerr defines the error kinds shared across the protocol
// core, so callers can errors.Is/errors.As against a kind instead of the
// structured logger parsing message text.
package tunnelerr

import "errors"

// Kind classifies an error for logging and supervisor decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration marks invalid or missing configuration. Fatal at
	// start; the supervisor never retries it.
	KindConfiguration
	// KindIO marks a socket or stream failure. Closes the owning
	// connection abortively and reconnects.
	KindIO
	// KindProtocol marks a frame oversize, malformed message, or invalid
	// state transition. Abortive close, reconnect.
	KindProtocol
	// KindTimeout marks an idle, auth, or dial timeout. Treated as IO.
	KindTimeout
	// KindAuthFailed is terminal: the supervisor stops instead of
	// reconnecting.
	KindAuthFailed
	// KindEvicted marks the normal termination of a connection displaced
	// by a newer authenticated join for the same slot. Not an error on
	// the evicted side's exit code, but still surfaced so logs and
	// callers can tell it apart from a network failure.
	KindEvicted
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindAuthFailed:
		return "auth_failed"
	case KindEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind, so structured logging and
// supervisor retry decisions can dispatch on Kind while errors.Is/As
// still reach through to the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error tagging err with kind, for logging or a supervisor
// decision. op names the operation that failed (e.g. "dial", "handshake").
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, otherwise KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Sentinel error values for conditions that do not carry an underlying
// cause worth wrapping.
var (
	ErrAuthTimeout    = New(KindTimeout, "auth", errors.New("timed out waiting for Authenticate"))
	ErrAuthFailed     = New(KindAuthFailed, "auth", errors.New("authentication rejected"))
	ErrDialTimeout    = New(KindTimeout, "dial", errors.New("timed out dialing target"))
	ErrPeerOverflow   = New(KindProtocol, "gateway", errors.New("peer buffer overflow"))
	ErrEvictedByPeer  = New(KindEvicted, "gateway", errors.New("evicted by a newer authenticated peer"))
	ErrGatewayClosing = New(KindIO, "gateway", errors.New("gateway is shutting down"))
)
