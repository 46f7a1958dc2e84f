package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the session manager.
type Metrics struct {
	Active         prometheus.Gauge
	Created        prometheus.Counter
	CreateFailures prometheus.Counter
	Destroyed      prometheus.Counter
	Reaped         prometheus.Counter
	CreateDuration prometheus.Histogram
}

// NewMetrics creates and registers session metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runbox",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of live sessions.",
		}),
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Total sessions created.",
		}),
		CreateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "sessions",
			Name:      "create_failures_total",
			Help:      "Total session creations that failed to provision a sandbox.",
		}),
		Destroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "sessions",
			Name:      "destroyed_total",
			Help:      "Total sessions destroyed.",
		}),
		Reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "sessions",
			Name:      "reaped_total",
			Help:      "Total sessions destroyed by the idle reaper.",
		}),
		CreateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "sessions",
			Name:      "create_duration_seconds",
			Help:      "Time to provision a session sandbox.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Active,
		m.Created,
		m.CreateFailures,
		m.Destroyed,
		m.Reaped,
		m.CreateDuration,
	)

	return m
}
