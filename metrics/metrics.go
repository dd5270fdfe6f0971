package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the coordinator's prometheus collectors on a private
// registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests  *prometheus.CounterVec
	Settlements   *prometheus.CounterVec
	Refunds       prometheus.Counter
	EscrowRetries prometheus.Counter
	QueueDepth    prometheus.Gauge
}

// New builds a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmarket_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmarket_settlements_total",
			Help: "Settlement attempts by outcome.",
		}, []string{"outcome"}),
		Refunds: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentmarket_refunds_total",
			Help: "Processed escrow refunds.",
		}),
		EscrowRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentmarket_escrow_retries_total",
			Help: "Escrow backend retries after transient failures.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentmarket_dispatch_queue_depth",
			Help: "Dispatch jobs queued or in flight.",
		}),
	}
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
