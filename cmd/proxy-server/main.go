// Command proxy-server binds local listeners and forwards accepted
// connections through the tunnel to whatever target its partner
// proxy-client resolves them against.
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
		os.Stderr.WriteString("proxy-server: " + err.Error() + "\n")
		return 2
	}
	cfg, err := config.LoadProxyServer()
	if err != nil {
		os.Stderr.WriteString("proxy-server: " + err.Error() + "\n")
		return 2
	}
	bindings, err := cfg.ParseBindings()
	if err != nil {
		os.Stderr.WriteString("proxy-server: " + err.Error() + "\n")
		return 2
	}

	log := telemetry.New("proxy-server", telemetry.LevelFromString(cfg.LogLevel))
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	dialer, gatewayAddr := buildDialer(cfg)
	ps := role.NewProxyServer(log.Fork("session"), metrics, dialer, gatewayAddr, cfg.SessionID, cfg.Password, bindings)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("connecting to gateway %s for session %d, %d binding(s)", gatewayAddr, cfg.SessionID, len(bindings))
	if err := supervisor.Supervise(ctx, log.Fork("supervisor"), supervisor.DefaultOptions(), ps.Run); err != nil {
		log.Errorf("exiting: %v", err)
		return 1
	}
	return 0
}

func buildDialer(cfg config.ProxyServer) (transport.Dialer, string) {
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
