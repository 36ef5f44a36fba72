// Command gatewayd runs the tunnel gateway: it accepts connections from
// paired proxy-clients and proxy-servers, authenticates them against a
// session table, and pumps frames between the two once both have joined.
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flipadmin/TcpTunnel/internal/config"
	"github.com/flipadmin/TcpTunnel/internal/role"
	"github.com/flipadmin/TcpTunnel/internal/store"
	"github.com/flipadmin/TcpTunnel/internal/telemetry"
	"github.com/flipadmin/TcpTunnel/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := config.LoadDotEnv(".env"); err != nil {
		os.Stderr.WriteString("gatewayd: " + err.Error() + "\n")
		return 2
	}
	cfg, err := config.LoadGateway()
	if err != nil {
		os.Stderr.WriteString("gatewayd: " + err.Error() + "\n")
		return 2
	}

	log := telemetry.New("gatewayd", telemetry.LevelFromString(cfg.LogLevel))
	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	table, err := store.LoadTable(cfg.SessionFile, log.Fork("store"))
	if err != nil {
		log.Errorf("load session table: %v", err)
		return 2
	}
	defer table.Close()

	var mirror *store.RedisMirror
	if cfg.RedisURL != "" {
		mirror, err = store.NewRedisMirror(cfg.RedisURL)
		if err != nil {
			log.Errorf("redis mirror: %v", err)
			return 2
		}
		defer mirror.Close()
	}

	gw := role.NewGateway(log.Fork("gateway"), metrics, table, mirror)

	var ln transport.Listener
	switch {
	case cfg.UseWS:
		ln, err = transport.ListenWS(cfg.ListenAddr)
	case cfg.UseTLS:
		var tlsConfig *tls.Config
		if tlsConfig, err = cfg.TLSConfig(); err == nil {
			ln, err = transport.ListenTLS(cfg.ListenAddr, tlsConfig)
		}
	default:
		ln, err = transport.ListenTCP(cfg.ListenAddr)
	}
	if err != nil {
		log.Errorf("listen %s: %v", cfg.ListenAddr, err)
		return 2
	}
	defer ln.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StatusAddr != "" {
		statusSrv := &http.Server{
			Addr:    cfg.StatusAddr,
			Handler: role.StatusHandler(gw, registry, log.Fork("status")),
		}
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warnf("status server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			statusSrv.Close()
		}()
	}

	log.Infof("listening on %s", cfg.ListenAddr)
	if err := gw.Serve(ctx, ln); err != nil {
		select {
		case <-ctx.Done():
			log.Infof("shutting down")
			return 0
		default:
			log.Errorf("serve: %v", err)
			return 1
		}
	}
	return 0
}
