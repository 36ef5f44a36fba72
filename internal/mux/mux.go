// Package mux implements the Session Multiplexer and Proxied-Flow Pump: a
// connection_id-keyed table of proxied TCP flows sharing one Framed
// Connection, with per-direction sliding-window flow control and a single
// dispatcher that interleaves outbound data from all flows. The order in
// which flows are served is not scheduled round-robin.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flipadmin/TcpTunnel/internal/telemetry"
	"github.com/flipadmin/TcpTunnel/internal/wire"
)

const (
	// InitialWindow is the per-direction, per-flow byte credit granted
	// at flow creation.
	InitialWindow = 384 * 1024
	// MaxChunk bounds any single outbound Data payload regardless of
	// available window, so one flow cannot monopolize the tunnel.
	MaxChunk = 16 * 1024
	// CoalesceThreshold is the minimum number of consumed bytes before
	// a WindowUpdate is emitted, to avoid credit-update chatter.
	CoalesceThreshold = InitialWindow / 2
)

// Config holds the window-control parameters for a Mux. DefaultConfig
// matches the protocol's fixed defaults; tests shrink InitialWindow to
// exercise starvation and window-update behavior on a human timescale.
type Config struct {
	InitialWindow     int32
	MaxChunk          int
	CoalesceThreshold int32
}

// DefaultConfig returns InitialWindow=384KiB, MaxChunk=16KiB,
// CoalesceThreshold=InitialWindow/2.
func DefaultConfig() Config {
	return Config{
		InitialWindow:     InitialWindow,
		MaxChunk:          MaxChunk,
		CoalesceThreshold: CoalesceThreshold,
	}
}

func (c Config) inboxCapacity() int {
	n := int(c.InitialWindow)/c.MaxChunk + 2
	if n < 2 {
		n = 2
	}
	return n
}

// ErrClosed is returned by Mux operations issued after Close.
var ErrClosed = errors.New("mux: closed")

// ErrForbidden is returned by a Dialer to reject a target by local
// policy (e.g. an allowlist), distinct from a target that was permitted
// but unreachable.
var ErrForbidden = errors.New("mux: target forbidden by policy")

// Socket is the capability set a proxied flow needs from its local TCP
// connection: read, write, and independent half-close of each direction.
type Socket interface {
	io.Reader
	io.Writer
	CloseRead() error
	CloseWrite() error
	Close() error
}

// Dialer opens the local side of a flow the peer asked us to open.
type Dialer interface {
	DialContext(ctx context.Context, host string, port uint16) (Socket, error)
}

// DialerFunc adapts a plain function to Dialer.
type DialerFunc func(ctx context.Context, host string, port uint16) (Socket, error)

func (f DialerFunc) DialContext(ctx context.Context, host string, port uint16) (Socket, error) {
	return f(ctx, host, port)
}

// NetDialer dials with net.Dialer and wraps the result with WrapConn, so
// its halves can be closed independently (*net.TCPConn supports this;
// for other net.Conn types each half-close is a no-op).
func NetDialer(d *net.Dialer) Dialer {
	return DialerFunc(func(ctx context.Context, host string, port uint16) (Socket, error) {
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			return nil, err
		}
		return WrapConn(conn), nil
	})
}

// WrapConn adapts any io.ReadWriteCloser to Socket, degrading each half
// of CloseRead/CloseWrite to a no-op unless the concrete value also
// implements halfCloser (true of *net.TCPConn; *tls.Conn has no CloseRead
// and so does not qualify). This lets
// it wrap both a raw net.Conn and a frame.Stream returned by a
// transport.Listener.
func WrapConn(conn io.ReadWriteCloser) Socket {
	return &connSocket{conn: conn}
}

type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

type connSocket struct {
	conn io.ReadWriteCloser
}

func (s *connSocket) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *connSocket) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *connSocket) Close() error                { return s.conn.Close() }

func (s *connSocket) CloseRead() error {
	if hc, ok := s.conn.(halfCloser); ok {
		return hc.CloseRead()
	}
	return nil
}

func (s *connSocket) CloseWrite() error {
	if hc, ok := s.conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// Sender delivers an encoded wire.Message to the peer. The role state
// machine supplies this by closing over its frame.Conn's Send method
// composed with wire.Encode; the mux never touches the transport
// directly.
type Sender func(msg wire.Message) error

// Mux holds the connection_id -> flow table for one tunnel.
type Mux struct {
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	session string
	send    Sender
	dialer  Dialer
	cfg     Config

	mu      sync.Mutex
	flows   map[uint64]*Flow
	nextID  uint64
	closed  bool
	closeCh chan struct{}

	emitCh chan emitRequest
	wg     sync.WaitGroup
}

type emitRequest struct {
	id      uint64
	payload []byte
	done    chan error
}

// New creates a Mux using DefaultConfig. dialer may be nil on a peer that
// never dials (the proxy-server); with a nil dialer, OpenFlow answers
// every OpenConnection with CloseConnection(forbidden). The proxy-client
// passes the dialer that opens its targets.
func New(log *telemetry.Logger, metrics *telemetry.Metrics, session string, send Sender, dialer Dialer) *Mux {
	return NewWithConfig(log, metrics, session, send, dialer, DefaultConfig())
}

// NewWithConfig is New with an explicit window Config.
func NewWithConfig(log *telemetry.Logger, metrics *telemetry.Metrics, session string, send Sender, dialer Dialer, cfg Config) *Mux {
	m := &Mux{
		log:     log,
		metrics: metrics,
		session: session,
		send:    send,
		dialer:  dialer,
		cfg:     cfg,
		flows:   make(map[uint64]*Flow),
		closeCh: make(chan struct{}),
		emitCh:  make(chan emitRequest),
	}
	m.wg.Add(1)
	go m.dispatchLoop()
	return m
}

// dispatchLoop is the single writer that serializes outbound Data frames
// across every flow. emitCh is unbuffered and a flow's socket-reader
// blocks on its own emit call until that chunk is actually sent before
// reading its next one, so each flow has at most one chunk waiting at a
// time. Which waiting flow is served next is left to the runtime's
// channel and goroutine scheduling; there is no round-robin order, and
// the cumulative number of bytes served per flow is not bounded relative
// to the others.
func (m *Mux) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case req := <-m.emitCh:
			err := m.send(wire.Data{ID: req.id, Payload: req.payload})
			if err == nil {
				m.metrics.BytesTotal.WithLabelValues(m.session, "up").Add(float64(len(req.payload)))
			}
			req.done <- err
		case <-m.closeCh:
			return
		}
	}
}

func (m *Mux) emit(id uint64, payload []byte) error {
	done := make(chan error, 1)
	select {
	case m.emitCh <- emitRequest{id: id, payload: payload, done: done}:
	case <-m.closeCh:
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-m.closeCh:
		return ErrClosed
	}
}

// AcceptFlow registers a flow for a locally-accepted socket, allocates
// its connection_id, and tells the peer to open the far end. It returns
// once ConnectionOpened arrives (via NotifyOpened) or the context expires.
func (m *Mux) AcceptFlow(ctx context.Context, local Socket, targetHost string, targetPort uint16) (*Flow, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.nextID++
	id := m.nextID
	f := newFlow(id, local, m, stateOpening)
	m.flows[id] = f
	m.mu.Unlock()

	if err := m.send(wire.OpenConnection{ID: id, Host: targetHost, Port: targetPort}); err != nil {
		m.removeFlow(id)
		return nil, err
	}

	select {
	case <-f.openedCh:
		m.metrics.FlowsOpened.WithLabelValues(m.session).Inc()
		m.metrics.FlowsActive.WithLabelValues(m.session).Inc()
		f.start(ctx)
		return f, nil
	case <-f.closedCh:
		return nil, fmt.Errorf("mux: flow %d closed before opening", id)
	case <-ctx.Done():
		m.removeFlow(id)
		return nil, ctx.Err()
	}
}

// OpenFlow handles a peer's OpenConnection: it dials the target and
// reports success or failure back to the peer.
func (m *Mux) OpenFlow(ctx context.Context, id uint64, host string, port uint16) {
	if m.dialer == nil {
		m.sendCloseOnce(id, wire.ReasonForbidden)
		return
	}
	local, err := m.dialer.DialContext(ctx, host, port)
	if err != nil {
		m.log.Debugf("OpenFlow(%d): dial %s:%d failed: %v", id, host, port, err)
		reason := wire.ReasonUnreachable
		if errors.Is(err, ErrForbidden) {
			reason = wire.ReasonForbidden
		}
		m.sendCloseOnce(id, reason)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		local.Close()
		return
	}
	f := newFlow(id, local, m, stateOpen)
	m.flows[id] = f
	m.mu.Unlock()

	if err := m.send(wire.ConnectionOpened{ID: id}); err != nil {
		m.removeFlow(id)
		local.Close()
		return
	}
	m.metrics.FlowsOpened.WithLabelValues(m.session).Inc()
	m.metrics.FlowsActive.WithLabelValues(m.session).Inc()
	f.start(ctx)
}

// NotifyOpened resolves a pending AcceptFlow once the peer confirms.
func (m *Mux) NotifyOpened(id uint64) {
	if f := m.lookup(id); f != nil {
		f.markOpened()
	}
}

// Deliver hands inbound Data bytes to the named flow's socket-writer. It
// never blocks the caller on socket I/O.
func (m *Mux) Deliver(id uint64, payload []byte) {
	f := m.lookup(id)
	if f == nil {
		return
	}
	f.deliver(payload)
}

// HandleWindowUpdate credits a flow's send window.
func (m *Mux) HandleWindowUpdate(id uint64, credit uint32) {
	if f := m.lookup(id); f != nil {
		f.addSendWindow(int32(credit))
	}
}

// HandleClose processes a peer-initiated CloseConnection.
func (m *Mux) HandleClose(id uint64, reason wire.CloseReason) {
	f := m.lookup(id)
	if f == nil {
		return
	}
	f.remoteClosed(reason)
}

func (m *Mux) lookup(id uint64) *Flow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flows[id]
}

func (m *Mux) removeFlow(id uint64) {
	m.mu.Lock()
	f, ok := m.flows[id]
	if ok {
		delete(m.flows, id)
	}
	m.mu.Unlock()
	if ok {
		m.metrics.FlowsActive.WithLabelValues(m.session).Dec()
		f.abort()
	}
}

func (m *Mux) sendCloseOnce(id uint64, reason wire.CloseReason) {
	if err := m.send(wire.CloseConnection{ID: id, Reason: reason}); err != nil {
		m.log.Debugf("sendCloseOnce(%d): %v", id, err)
	}
	m.metrics.FlowsClosed.WithLabelValues(m.session, reasonLabel(reason)).Inc()
}

// AbortAll tears down every currently registered flow abortively without
// stopping the dispatcher or marking the Mux closed, for use when a
// partner temporarily leaves (PartnerLeft) but the tunnel connection
// itself, and the Mux sitting on top of it, remain alive awaiting a new
// partner.
func (m *Mux) AbortAll() {
	m.mu.Lock()
	flows := make([]*Flow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	m.flows = make(map[uint64]*Flow)
	m.mu.Unlock()

	for _, f := range flows {
		f.abort()
	}
}

// Close tears down every flow abortively and stops the dispatcher. It is
// used when the tunnel itself is going away.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	flows := make([]*Flow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	m.flows = make(map[uint64]*Flow)
	m.mu.Unlock()

	close(m.closeCh)
	m.wg.Wait()

	for _, f := range flows {
		f.abort()
	}
}

func reasonLabel(r wire.CloseReason) string {
	switch r {
	case wire.ReasonOK:
		return "ok"
	case wire.ReasonAbort:
		return "abort"
	case wire.ReasonUnreachable:
		return "unreachable"
	case wire.ReasonForbidden:
		return "forbidden"
	case wire.ReasonOverflow:
		return "overflow"
	case wire.ReasonGatewayClose:
		return "gateway_close"
	default:
		return "unknown"
	}
}
