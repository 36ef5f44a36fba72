package role

import (
	"context"
	"fmt"

	"github.com/flipadmin/TcpTunnel/internal/config"
	"github.com/flipadmin/TcpTunnel/internal/frame"
	"github.com/flipadmin/TcpTunnel/internal/mux"
	"github.com/flipadmin/TcpTunnel/internal/telemetry"
	"github.com/flipadmin/TcpTunnel/internal/transport"
	"github.com/flipadmin/TcpTunnel/internal/tunnelerr"
	"github.com/flipadmin/TcpTunnel/internal/wire"
)

// ProxyServer binds local listeners for each configured Binding and, once
// a partner proxy-client has joined the session, forwards every accepted
// local connection through the tunnel to that partner's target.
type ProxyServer struct {
	log         *telemetry.Logger
	metrics     *telemetry.Metrics
	dialer      transport.Dialer
	gatewayAddr string
	sessionID   int32
	password    string
	bindings    []config.Binding
}

// NewProxyServer builds a ProxyServer that dials gatewayAddr through
// dialer for a single connection attempt; the supervisor is responsible
// for retrying Run.
func NewProxyServer(log *telemetry.Logger, metrics *telemetry.Metrics, dialer transport.Dialer, gatewayAddr string, sessionID int32, password string, bindings []config.Binding) *ProxyServer {
	return &ProxyServer{
		log:         log,
		metrics:     metrics,
		dialer:      dialer,
		gatewayAddr: gatewayAddr,
		sessionID:   sessionID,
		password:    password,
		bindings:    bindings,
	}
}

// Run performs one Connecting->Authenticating->WaitingForPartner->Active
// session against the gateway. It returns once the tunnel connection
// ends, with an error classified via tunnelerr so the supervisor can
// decide whether to reconnect.
func (p *ProxyServer) Run(ctx context.Context) error {
	stream, err := p.dialer.DialContext(ctx, p.gatewayAddr)
	if err != nil {
		return tunnelerr.New(tunnelerr.KindIO, "dial gateway", err)
	}
	fc := frame.New(stream, p.log, frame.DefaultOptions())
	shutdownGracefullyOnContext(ctx, fc)
	defer fc.Close(frame.CloseAbortive)

	if err := send(fc, wire.Authenticate{SessionID: p.sessionID, Role: wire.RoleServer, Password: []byte(p.password)}); err != nil {
		return tunnelerr.New(tunnelerr.KindIO, "authenticate", err)
	}
	msg, err := recv(fc)
	if err != nil {
		return tunnelerr.New(tunnelerr.KindIO, "auth reply", err)
	}
	switch msg.(type) {
	case wire.AuthOk:
	case wire.AuthFailed:
		return tunnelerr.ErrAuthFailed
	default:
		return tunnelerr.New(tunnelerr.KindProtocol, "auth reply", fmt.Errorf("unexpected message %T", msg))
	}

	bindings := make([]wire.Binding, len(p.bindings))
	for i, b := range p.bindings {
		bindings[i] = wire.Binding{TargetHost: b.Target.Host, TargetPort: b.Target.Port}
	}
	if err := send(fc, wire.OpenSession{Bindings: bindings}); err != nil {
		return tunnelerr.New(tunnelerr.KindIO, "open session", err)
	}
	p.log.Infof("session %d: authenticated, awaiting partner", p.sessionID)

	m := mux.New(p.log, p.metrics, fmt.Sprintf("%d", p.sessionID), func(msg wire.Message) error { return send(fc, msg) }, nil)
	defer m.Close()

	var listeners []transport.Listener
	closeListeners := func() {
		for _, l := range listeners {
			l.Close()
		}
		listeners = nil
	}
	defer closeListeners()

	active := false
	for {
		msg, err := recv(fc)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return tunnelerr.New(tunnelerr.KindIO, "receive", err)
		}
		switch v := msg.(type) {
		case wire.PartnerJoined:
			if active {
				continue
			}
			ls, err := p.openListeners(ctx, m)
			if err != nil {
				return tunnelerr.New(tunnelerr.KindConfiguration, "listen", err)
			}
			listeners = ls
			active = true
			p.log.Infof("session %d: partner joined, %d listener(s) active", p.sessionID, len(listeners))
		case wire.PartnerLeft:
			if !active {
				continue
			}
			closeListeners()
			m.AbortAll()
			active = false
			p.log.Infof("session %d: partner left, listeners closed", p.sessionID)
		case wire.OpenConnection:
			m.OpenFlow(ctx, v.ID, v.Host, v.Port)
		case wire.ConnectionOpened:
			m.NotifyOpened(v.ID)
		case wire.Data:
			m.Deliver(v.ID, v.Payload)
		case wire.WindowUpdate:
			m.HandleWindowUpdate(v.ID, v.Credit)
		case wire.CloseConnection:
			m.HandleClose(v.ID, v.Reason)
		case wire.GoAway:
			if v.Code == wire.GoAwayShutdown {
				return tunnelerr.ErrGatewayClosing
			}
			return tunnelerr.ErrEvictedByPeer
		}
	}
}

// openListeners binds every configured Binding and, for each accepted
// local connection, registers a flow via accept_flow so the tunnel opens
// the corresponding target on the partner's side.
func (p *ProxyServer) openListeners(ctx context.Context, m *mux.Mux) ([]transport.Listener, error) {
	listeners := make([]transport.Listener, 0, len(p.bindings))
	for _, b := range p.bindings {
		ln, err := transport.ListenTCP(b.ListenAddr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, err
		}
		listeners = append(listeners, ln)
		go p.acceptLoop(ctx, ln, m, b)
	}
	return listeners, nil
}

func (p *ProxyServer) acceptLoop(ctx context.Context, ln transport.Listener, m *mux.Mux, b config.Binding) {
	for {
		stream, err := ln.Accept()
		if err != nil {
			return
		}
		socket := mux.WrapConn(stream)
		go func() {
			if _, err := m.AcceptFlow(ctx, socket, b.Target.Host, b.Target.Port); err != nil {
				p.log.Debugf("accept_flow %s -> %s:%d: %v", b.ListenAddr, b.Target.Host, b.Target.Port, err)
				stream.Close()
			}
		}()
	}
}
