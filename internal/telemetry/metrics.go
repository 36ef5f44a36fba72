package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments exported by a role instance.
// It is a read-only observer of protocol state transitions: nothing in the
// framed connection, multiplexer, or role state machines consults these
// values to make a decision.
type Metrics struct {
	FlowsOpened  *prometheus.CounterVec
	FlowsClosed  *prometheus.CounterVec
	FlowsActive  *prometheus.GaugeVec
	BytesTotal   *prometheus.CounterVec
	AuthAttempts *prometheus.CounterVec
	Evictions    prometheus.Counter
}

// NewMetrics registers the tunnelgw_* instruments against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default
// registry across parallel test binaries.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FlowsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnelgw_flows_opened_total",
			Help: "Total number of proxied flows opened.",
		}, []string{"session"}),
		FlowsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnelgw_flows_closed_total",
			Help: "Total number of proxied flows closed, by reason.",
		}, []string{"session", "reason"}),
		FlowsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tunnelgw_flows_active",
			Help: "Number of proxied flows currently open.",
		}, []string{"session"}),
		BytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnelgw_bytes_total",
			Help: "Total bytes moved through proxied flows, by direction.",
		}, []string{"session", "direction"}),
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnelgw_auth_attempts_total",
			Help: "Total gateway authentication attempts, by outcome.",
		}, []string{"role", "outcome"}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "tunnelgw_evictions_total",
			Help: "Total number of peers evicted by a newer authenticated join.",
		}),
	}
}
