package role

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/flipadmin/TcpTunnel/internal/config"
	"github.com/flipadmin/TcpTunnel/internal/frame"
	"github.com/flipadmin/TcpTunnel/internal/mux"
	"github.com/flipadmin/TcpTunnel/internal/telemetry"
	"github.com/flipadmin/TcpTunnel/internal/transport"
	"github.com/flipadmin/TcpTunnel/internal/tunnelerr"
	"github.com/flipadmin/TcpTunnel/internal/wire"
)

// DialTimeout bounds how long a proxy-client waits to dial a requested
// target before replying CloseConnection(unreachable).
const DialTimeout = 10 * time.Second

// ProxyClient authenticates into a session's client slot and, once its
// partner proxy-server has joined, dials whatever targets it requests
// via OpenConnection, subject to an optional allowlist.
type ProxyClient struct {
	log         *telemetry.Logger
	metrics     *telemetry.Metrics
	dialer      transport.Dialer
	gatewayAddr string
	sessionID   int32
	password    string
	allowlist   map[config.HostPort]struct{} // nil: any target permitted
}

// NewProxyClient builds a ProxyClient. allowlist may be nil to permit
// any (host, port) target.
func NewProxyClient(log *telemetry.Logger, metrics *telemetry.Metrics, dialer transport.Dialer, gatewayAddr string, sessionID int32, password string, allowlist []config.HostPort) *ProxyClient {
	var set map[config.HostPort]struct{}
	if allowlist != nil {
		set = make(map[config.HostPort]struct{}, len(allowlist))
		for _, hp := range allowlist {
			set[hp] = struct{}{}
		}
	}
	return &ProxyClient{
		log:         log,
		metrics:     metrics,
		dialer:      dialer,
		gatewayAddr: gatewayAddr,
		sessionID:   sessionID,
		password:    password,
		allowlist:   set,
	}
}

// Run performs one session against the gateway, returning once the
// tunnel connection ends.
func (p *ProxyClient) Run(ctx context.Context) error {
	stream, err := p.dialer.DialContext(ctx, p.gatewayAddr)
	if err != nil {
		return tunnelerr.New(tunnelerr.KindIO, "dial gateway", err)
	}
	fc := frame.New(stream, p.log, frame.DefaultOptions())
	shutdownGracefullyOnContext(ctx, fc)
	defer fc.Close(frame.CloseAbortive)

	if err := send(fc, wire.Authenticate{SessionID: p.sessionID, Role: wire.RoleClient, Password: []byte(p.password)}); err != nil {
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
	p.log.Infof("session %d: authenticated, awaiting partner", p.sessionID)

	dialer := mux.DialerFunc(p.dialTarget)
	m := mux.New(p.log, p.metrics, fmt.Sprintf("%d", p.sessionID), func(msg wire.Message) error { return send(fc, msg) }, dialer)
	defer m.Close()

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
			p.log.Infof("session %d: partner joined", p.sessionID)
		case wire.PartnerLeft:
			p.log.Infof("session %d: partner left, aborting flows", p.sessionID)
			m.AbortAll()
		case wire.OpenConnection:
			go m.OpenFlow(ctx, v.ID, v.Host, v.Port)
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

// dialTarget implements mux.Dialer for this ProxyClient: it enforces the
// allowlist, if configured, before dialing.
func (p *ProxyClient) dialTarget(ctx context.Context, host string, port uint16) (mux.Socket, error) {
	if p.allowlist != nil {
		if _, ok := p.allowlist[config.HostPort{Host: host, Port: port}]; !ok {
			return nil, fmt.Errorf("%w: %s:%d not in allowlist", mux.ErrForbidden, host, port)
		}
	}
	dctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return nil, tunnelerr.ErrDialTimeout
		}
		return nil, err
	}
	return mux.WrapConn(conn), nil
}
