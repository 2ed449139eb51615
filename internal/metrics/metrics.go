// Package metrics exposes the agent's operational counters over a Prometheus
// registry. The registry is instance-scoped, not the global default, so tests
// can build as many as they like without collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's instruments.
type Metrics struct {
	registry *prometheus.Registry

	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram
	LiveProcesses prometheus.Gauge
	TrackedNames  prometheus.Gauge
	Scanned       prometheus.Counter
	Evaluations   *prometheus.CounterVec
	Actions       *prometheus.CounterVec
	Resurrections prometheus.Counter
	Errors        *prometheus.CounterVec
}

// New creates and registers the agent's instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procwolf_cycles_total",
			Help: "Completed monitoring cycles.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procwolf_cycle_duration_seconds",
			Help:    "Wall time of one monitoring cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		LiveProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procwolf_live_processes",
			Help: "Processes seen in the most recent snapshot.",
		}),
		TrackedNames: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procwolf_tracked_names",
			Help: "Process names with live escalation state.",
		}),
		Scanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procwolf_processes_scanned_total",
			Help: "Processes fully observed and evaluated.",
		}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procwolf_evaluations_total",
			Help: "Threat evaluations by resulting level.",
		}, []string{"level"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procwolf_actions_total",
			Help: "Executed response actions by tier and outcome.",
		}, []string{"action", "outcome"}),
		Resurrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procwolf_resurrections_total",
			Help: "Reappearances of identities with a kill history.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procwolf_errors_total",
			Help: "Recoverable errors by pipeline stage.",
		}, []string{"stage"}),
	}

	m.registry.MustRegister(
		m.Cycles,
		m.CycleDuration,
		m.LiveProcesses,
		m.TrackedNames,
		m.Scanned,
		m.Evaluations,
		m.Actions,
		m.Resurrections,
		m.Errors,
	)
	return m
}

// Handler returns the exposition endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
