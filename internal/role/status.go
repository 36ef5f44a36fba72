package role

import (
	"net/http"

	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tomasen/realip"

	"github.com/flipadmin/TcpTunnel/internal/telemetry"
)

// StatusHandler builds the gateway's operator-facing HTTP surface:
// /healthz for liveness, /metrics for Prometheus scraping, wrapped with
// access logging and real-client-IP resolution for operators running the
// gateway behind a reverse proxy.
func StatusHandler(g *Gateway, reg prometheus.Gatherer, log *telemetry.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK\n"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	wrapped := requestlog.Wrap(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := realip.FromRequest(r)
		log.Debugf("%s %s %s", clientIP, r.Method, r.URL.Path)
		wrapped.ServeHTTP(w, r)
	})
}
