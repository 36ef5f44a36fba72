package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flipadmin/TcpTunnel/internal/frame"
)

// wsSubprotocol is negotiated during the WebSocket handshake so a plain
// HTTP reverse proxy in front of the gateway never mistakes this traffic
// for an unrelated websocket application.
const wsSubprotocol = "tcptunnel.v1"

// wsStream adapts a *websocket.Conn, whose native API exchanges whole
// messages, to the io.Reader/io.Writer a Framed Connection expects: reads
// drain one message at a time into an internal buffer, and CloseWrite
// sends a WebSocket close frame rather than tearing down the socket.
type wsStream struct {
	conn *websocket.Conn

	readMu  sync.Mutex
	readBuf []byte

	writeMu sync.Mutex
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for len(s.readBuf) == 0 {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return 0, mapWSErr(err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		s.readBuf = data
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

// CloseWrite sends a WebSocket close control frame and lets the peer
// finish draining and close its side; it does not tear down the
// underlying TCP socket, matching net.Conn's half-close semantics as
// closely as the WebSocket protocol allows.
func (s *wsStream) CloseWrite() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
}

func (s *wsStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// mapWSErr turns a clean WebSocket close into io.EOF, so the Framed
// Connection's reader loop (which compares read errors against io.EOF
// directly) treats it the same as a TCP peer half-close.
func mapWSErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}

// WebSocketDialer dials a WebSocket handshake against a gateway's
// endpoint and returns the connection as a frame.Stream. header carries
// any additional headers the deployment needs (Host override, bearer
// token, and so on).
func WebSocketDialer(header http.Header) Dialer {
	dialer := websocket.Dialer{
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{wsSubprotocol},
	}
	return DialerFunc(func(ctx context.Context, addr string) (frame.Stream, error) {
		conn, resp, err := dialer.DialContext(ctx, addr, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("transport: websocket dial %s: %w (status %s)", addr, err, resp.Status)
			}
			return nil, fmt.Errorf("transport: websocket dial %s: %w", addr, err)
		}
		return newWSStream(conn), nil
	})
}

// Upgrader upgrades incoming HTTP requests carrying the tunnel's
// subprotocol to WebSocket connections, for use from the gateway's HTTP
// handler.
type Upgrader struct {
	upgrader websocket.Upgrader
}

// NewUpgrader builds an Upgrader with generous buffers and no origin
// restriction, matching a reverse-tunneling gateway that expects to be
// reached from arbitrary proxy-server deployments rather than browsers.
func NewUpgrader() *Upgrader {
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
			Subprotocols:    []string{wsSubprotocol},
		},
	}
}

// IsUpgradeRequest reports whether r is asking to switch to this
// tunnel's WebSocket subprotocol, so the gateway's HTTP handler can fall
// through to a health/version/status endpoint otherwise.
func (u *Upgrader) IsUpgradeRequest(r *http.Request) bool {
	if !isWebsocketUpgrade(r) {
		return false
	}
	for _, p := range websocket.Subprotocols(r) {
		if p == wsSubprotocol {
			return true
		}
	}
	return false
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.ToLower(r.Header.Get("Upgrade")) == "websocket"
}

// Upgrade switches an inbound HTTP request to a WebSocket connection and
// returns it as a frame.Stream.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (frame.Stream, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket upgrade: %w", err)
	}
	return newWSStream(conn), nil
}

// wsListener adapts an http.Server accepting only tunnel-upgrade requests
// to the Listener interface, relaying each successfully upgraded
// connection through a channel the way net.Listener relays accepted
// sockets.
type wsListener struct {
	upgrader  *Upgrader
	server    *http.Server
	ln        net.Listener
	conns     chan acceptResult
	closeOnce sync.Once
}

type acceptResult struct {
	stream frame.Stream
	err    error
}

// ListenWS binds addr and serves HTTP, upgrading every request that
// carries the tunnel's WebSocket subprotocol and rejecting everything
// else with 400 Bad Request.
func ListenWS(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen ws %s: %w", addr, err)
	}
	l := &wsListener{
		upgrader: NewUpgrader(),
		ln:       ln,
		conns:    make(chan acceptResult, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handle)
	l.server = &http.Server{Handler: mux}
	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.conns <- acceptResult{err: err}
		}
	}()
	return l, nil
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	if !l.upgrader.IsUpgradeRequest(r) {
		http.Error(w, "expected a tunnel websocket upgrade", http.StatusBadRequest)
		return
	}
	stream, err := l.upgrader.Upgrade(w, r)
	if err != nil {
		// Upgrade has already answered the request with an HTTP error.
		return
	}
	l.conns <- acceptResult{stream: stream}
}

func (l *wsListener) Accept() (frame.Stream, error) {
	res := <-l.conns
	return res.stream, res.err
}

func (l *wsListener) Close() error {
	err := l.server.Close()
	l.closeOnce.Do(func() {
		l.conns <- acceptResult{err: fmt.Errorf("transport: ws listener closed")}
	})
	return err
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }
