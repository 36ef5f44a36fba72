// Command proxy-client dials outbound targets on behalf of a tunnel
// session: it authenticates into the session's client slot and, for each
// OpenConnection its partner proxy-server requests, dials the named
// (host, port), subject to an optional allowlist.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flipadmin/TcpTunnel/internal/config"
	"github.com/flipadmin/TcpTunnel/internal/role"
	"github.com/flipadmin/TcpTunnel/internal/supervisor"
	"github.com/flipadmin/TcpTunnel/internal/telemetry"
	"github.com/flipadmin/TcpTunnel/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := config.LoadDotEnv(".env"); err != nil {
		os.Stderr.WriteString("proxy-client: " + err.Error() + "\n")
		return 2
	}
	cfg, err := config.LoadProxyClient()
	if err != nil {
		os.Stderr.WriteString("proxy-client: " + err.Error() + "\n")
		return 2
	}
	allowlist, err := cfg.AllowlistPairs()
	if err != nil {
		os.Stderr.WriteString("proxy-client: " + err.Error() + "\n")
		return 2
	}

	log := telemetry.New("proxy-client", telemetry.LevelFromString(cfg.LogLevel))
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	dialer, gatewayAddr := buildDialer(cfg)
	pc := role.NewProxyClient(log.Fork("session"), metrics, dialer, gatewayAddr, cfg.SessionID, cfg.Password, allowlist)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("connecting to gateway %s for session %d", gatewayAddr, cfg.SessionID)
	if err := supervisor.Supervise(ctx, log.Fork("supervisor"), supervisor.DefaultOptions(), pc.Run); err != nil {
		log.Errorf("exiting: %v", err)
		return 1
	}
	return 0
}

// buildDialer selects the outer transport per cfg and returns both the
// Dialer and the addr string that Dialer expects: host:port for TCP/TLS,
// a full ws(s):// URL for WebSocket.
func buildDialer(cfg config.ProxyClient) (transport.Dialer, string) {
	if cfg.UseWS {
		scheme := "ws"
		if cfg.UseTLS {
			scheme = "wss"
		}
		addr := fmt.Sprintf("%s://%s:%d/tunnel", scheme, cfg.GatewayHost, cfg.GatewayPort)
		return transport.WebSocketDialer(nil), addr
	}
	addr := fmt.Sprintf("%s:%d", cfg.GatewayHost, cfg.GatewayPort)
	if cfg.UseTLS {
		tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, ServerName: cfg.GatewayHost}
		return transport.TLSDialer(transport.TCPConfig{}, tlsConfig), addr
	}
	return transport.TCPDialer(transport.TCPConfig{}), addr
}
