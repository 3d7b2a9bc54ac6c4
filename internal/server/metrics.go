package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scantrack/internal/allocator"
)

const metricsNamespace = "scantrack"

// Metrics holds the Prometheus instruments for the HTTP service.
// Each Metrics value carries its own registry so independent server
// instances never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	allocations *prometheus.CounterVec
	heals       *prometheus.CounterVec
	divergence  *prometheus.GaugeVec
	requests    *prometheus.HistogramVec
}

// NewMetrics creates and registers the service metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		allocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "allocations_total",
				Help:      "Scan number allocations by instrument and outcome",
			},
			[]string{"instrument", "outcome"},
		),

		heals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tracker_heals_total",
				Help:      "Allocations that healed a diverged legacy tracker",
			},
			[]string{"instrument"},
		),

		divergence: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "counter_divergence",
				Help:      "Legacy tracker number minus stored number, last observed",
			},
			[]string{"instrument"},
		),

		requests: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by method, route and status",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
}

// ObserveAllocation records the outcome of a scan number allocation.
func (m *Metrics) ObserveAllocation(a *allocator.Allocation) {
	outcome := "ok"
	if a.TrackerUsed && !a.TrackerOK {
		outcome = "tracker_failed"
	}
	m.allocations.WithLabelValues(a.Instrument, outcome).Inc()
	if a.Healed {
		m.heals.WithLabelValues(a.Instrument).Inc()
	}
	if a.TrackerUsed {
		m.divergence.WithLabelValues(a.Instrument).Set(float64(a.LegacyBefore - a.StoredBefore))
	}
}

// ObserveDivergence records the gap between the two counters as last read.
func (m *Metrics) ObserveDivergence(instrument string, stored, legacy int64) {
	m.divergence.WithLabelValues(instrument).Set(float64(legacy - stored))
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(method, path, status string, elapsed time.Duration) {
	m.requests.WithLabelValues(method, path, status).Observe(elapsed.Seconds())
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
