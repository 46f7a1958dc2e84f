package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Job run outcomes, used as the outcome label.
const (
	outcomeFired     = "fired"
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// Metrics holds Prometheus metrics for the housekeeping scheduler.
type Metrics struct {
	Runs         *prometheus.CounterVec // job, outcome
	LastSuccess  *prometheus.GaugeVec   // job
	TickDuration prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Housekeeping job runs by job name and outcome.",
		}, []string{"job", "outcome"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runbox",
			Subsystem: "scheduler",
			Name:      "job_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run of each job.",
		}, []string{"job"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduler tick.",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}

	reg.MustRegister(m.Runs, m.LastSuccess, m.TickDuration)
	return m
}

func (m *Metrics) record(job, outcome string, at time.Time) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(job, outcome).Inc()
	if outcome == outcomeSucceeded {
		m.LastSuccess.WithLabelValues(job).Set(float64(at.Unix()))
	}
}

func (m *Metrics) observeTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
}
