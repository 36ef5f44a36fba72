package role

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/flipadmin/TcpTunnel/internal/frame"
	"github.com/flipadmin/TcpTunnel/internal/store"
	"github.com/flipadmin/TcpTunnel/internal/telemetry"
	"github.com/flipadmin/TcpTunnel/internal/transport"
	"github.com/flipadmin/TcpTunnel/internal/tunnelerr"
	"github.com/flipadmin/TcpTunnel/internal/wire"
)

// PeerBuffer bounds how many bytes of forwarded frames the gateway will
// queue for a session slot whose partner has not yet joined.
const PeerBuffer = 1 << 20 // 1 MiB

// Gateway accepts connections from both a session's proxy-client and
// proxy-server, authenticates each into a slot, and once both are
// present, transparently pumps frames between them.
type Gateway struct {
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	table   *store.Table
	mirror  *store.RedisMirror

	mu       sync.Mutex
	sessions map[int32]*gatewaySession
}

// NewGateway builds a Gateway backed by table for authentication and
// slot state, and mirror (optional, may be nil) for read-only Redis
// occupancy publication.
func NewGateway(log *telemetry.Logger, metrics *telemetry.Metrics, table *store.Table, mirror *store.RedisMirror) *Gateway {
	return &Gateway{
		log:      log,
		metrics:  metrics,
		table:    table,
		mirror:   mirror,
		sessions: make(map[int32]*gatewaySession),
	}
}

// Serve accepts connections from ln until ctx is cancelled or Accept
// fails.
func (g *Gateway) Serve(ctx context.Context, ln transport.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		stream, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go g.handleConn(ctx, stream)
	}
}

func (g *Gateway) handleConn(ctx context.Context, stream frame.Stream) {
	corrID := uuid.NewString()
	clog := g.log.Fork("conn=%s", corrID)
	fc := frame.New(stream, clog, frame.DefaultOptions())
	fc.ShutdownOnContext(ctx)
	defer fc.Close(frame.CloseAbortive)

	msg, err := recvTimeout(fc, AuthTimeout)
	if err != nil {
		clog.Debugf("waiting for Authenticate: %v", err)
		return
	}
	auth, ok := msg.(wire.Authenticate)
	if !ok {
		clog.Warnf("expected Authenticate, got %T", msg)
		return
	}

	isServer := auth.Role == wire.RoleServer
	if !g.table.CheckPassword(auth.SessionID, isServer, string(auth.Password)) {
		g.metrics.AuthAttempts.WithLabelValues(auth.Role.String(), "failed").Inc()
		send(fc, wire.AuthFailed{})
		clog.Infof("auth failed for session %d role %s", auth.SessionID, auth.Role)
		// Drain the send queue so AuthFailed reaches the peer before the
		// socket goes away; the deferred abortive Close is then a no-op.
		fc.Close(frame.CloseGraceful)
		return
	}
	g.metrics.AuthAttempts.WithLabelValues(auth.Role.String(), "ok").Inc()
	if err := send(fc, wire.AuthOk{}); err != nil {
		return
	}
	clog.Infof("joined session %d as %s", auth.SessionID, auth.Role)

	peer := &gatewayPeer{fc: fc, corrID: corrID}
	sess := g.sessionFor(auth.SessionID)
	sess.join(g, auth.Role, peer)
	g.mirrorOccupancy(ctx, auth.SessionID, auth.Role, true)

	if err := g.pump(sess, auth.Role, peer); err != nil {
		clog.Warnf("session %d: %s: %v", auth.SessionID, auth.Role, err)
	}

	sess.leave(g, auth.Role, peer)
	g.mirrorOccupancy(ctx, auth.SessionID, auth.Role, false)
}

func (g *Gateway) mirrorOccupancy(ctx context.Context, sessionID int32, r wire.Role, occupied bool) {
	if g.mirror == nil {
		return
	}
	if err := g.mirror.SetOccupied(ctx, sessionID, r.String(), occupied); err != nil {
		g.log.Debugf("redis mirror: %v", err)
	}
}

// pump forwards every frame received on peer's connection to its session
// partner (or queues it) until the connection ends, returning nil for an
// ordinary disconnect or tunnelerr.ErrPeerOverflow if peer's queued
// backlog outgrew PeerBuffer while its partner was absent.
func (g *Gateway) pump(sess *gatewaySession, role wire.Role, peer *gatewayPeer) error {
	for {
		payload, err := peer.fc.Receive()
		if err != nil {
			return nil
		}
		if !sess.forward(g, role, payload) {
			peer.fc.Close(frame.CloseAbortive)
			return tunnelerr.ErrPeerOverflow
		}
	}
}

func (g *Gateway) sessionFor(id int32) *gatewaySession {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		s = &gatewaySession{
			id:               id,
			pendingForClient: newPendingQueue(PeerBuffer),
			pendingForServer: newPendingQueue(PeerBuffer),
		}
		g.sessions[id] = s
	}
	return s
}

// SlotStatus reports whether each side of session id currently has an
// authenticated peer, for the HTTP status endpoint.
func (g *Gateway) SlotStatus(id int32) (clientJoined, serverJoined bool) {
	g.mu.Lock()
	s, ok := g.sessions[id]
	g.mu.Unlock()
	if !ok {
		return false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil, s.server != nil
}

type gatewayPeer struct {
	fc     *frame.Conn
	corrID string
}

type gatewaySession struct {
	id int32

	mu     sync.Mutex
	client *gatewayPeer
	server *gatewayPeer

	pendingForClient *pendingQueue // frames from the server, waiting for a client to join
	pendingForServer *pendingQueue // frames from the client, waiting for a server to join
}

func (s *gatewaySession) partnerOf(role wire.Role) *gatewayPeer {
	if role == wire.RoleClient {
		return s.server
	}
	return s.client
}

// join places peer into its session slot, evicting any incumbent, and
// notifies both sides of a resulting partnership.
func (s *gatewaySession) join(g *Gateway, role wire.Role, peer *gatewayPeer) {
	s.mu.Lock()
	var slot **gatewayPeer
	var incoming *pendingQueue
	if role == wire.RoleClient {
		slot = &s.client
		incoming = s.pendingForClient
	} else {
		slot = &s.server
		incoming = s.pendingForServer
	}
	incumbent := *slot
	*slot = peer
	partner := s.partnerOf(role)
	queued := incoming.drain()
	s.mu.Unlock()

	if incumbent != nil {
		g.metrics.Evictions.Inc()
		send(incumbent.fc, wire.GoAway{Code: wire.GoAwayEvicted})
		go incumbent.fc.Close(frame.CloseGraceful)
	}
	for _, payload := range queued {
		if err := peer.fc.Send(payload); err != nil {
			g.log.Debugf("session %d: flush queued frame: %v", s.id, err)
			break
		}
	}
	if partner != nil {
		send(peer.fc, wire.PartnerJoined{})
		send(partner.fc, wire.PartnerJoined{})
	}
}

// leave clears peer from its slot, provided it has not already been
// replaced by a newer join (eviction), and tells the partner it left.
func (s *gatewaySession) leave(g *Gateway, role wire.Role, peer *gatewayPeer) {
	s.mu.Lock()
	var slot **gatewayPeer
	if role == wire.RoleClient {
		slot = &s.client
	} else {
		slot = &s.server
	}
	wasActive := *slot == peer
	if wasActive {
		*slot = nil
	}
	partner := s.partnerOf(role)
	s.mu.Unlock()

	if wasActive && partner != nil {
		send(partner.fc, wire.PartnerLeft{})
	}
}

// forward delivers payload to role's partner, or queues it if the
// partner slot is empty. Returns false if the queue overflowed, in
// which case the caller must close the sending connection.
func (s *gatewaySession) forward(g *Gateway, role wire.Role, payload []byte) bool {
	s.mu.Lock()
	partner := s.partnerOf(role)
	queue := s.pendingForServer
	if role == wire.RoleServer {
		queue = s.pendingForClient
	}
	s.mu.Unlock()

	if partner != nil {
		if err := partner.fc.Send(payload); err != nil {
			g.log.Debugf("session %d: forward: %v", s.id, err)
		}
		return true
	}
	return queue.push(payload)
}

// pendingQueue is a byte-limited FIFO of frame payloads queued while a
// session's opposite slot is empty.
type pendingQueue struct {
	mu    sync.Mutex
	items [][]byte
	size  int
	limit int
}

func newPendingQueue(limit int) *pendingQueue {
	return &pendingQueue{limit: limit}
}

func (q *pendingQueue) push(payload []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size+len(payload) > q.limit {
		return false
	}
	q.items = append(q.items, payload)
	q.size += len(payload)
	return true
}

func (q *pendingQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.size = 0
	return items
}
