package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/runbox/internal/config"
)

const (
	defaultAnomalyWindow = 300 // seconds
	minAnomalySamples    = 5
)

// AnomalyDetector watches the failure ratio of sandbox operations over a
// sliding window and logs when an operation starts or stops failing above
// the configured threshold.
type AnomalyDetector struct {
	mu       sync.Mutex
	windows  map[string]*outcomeWindow
	alerting map[string]bool
	cfg      *config.AnomalyConfig
	logger   *slog.Logger
	now      func() time.Time
}

type outcome struct {
	at     time.Time
	failed bool
}

// outcomeWindow holds the outcomes of one operation in arrival order and the
// running failure count.
type outcomeWindow struct {
	span     time.Duration
	outcomes []outcome
	failures int
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		windows:  make(map[string]*outcomeWindow),
		alerting: make(map[string]bool),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	a.record(operation, true)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.record(operation, false)
}

func (a *AnomalyDetector) record(operation string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	w := a.window(operation)
	w.push(outcome{at: now, failed: failed})
	a.evaluate(operation, w, now)
}

// ErrorRate returns the failure ratio of operation within the window and the
// number of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (rate float64, samples int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.windows[operation]
	if !ok {
		return 0, 0
	}
	w.expire(a.now())
	return w.rate()
}

// Alerting reports whether operation is currently above its error threshold.
func (a *AnomalyDetector) Alerting(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alerting[operation]
}

// evaluate flips the alert state of operation when its rate crosses the
// threshold in either direction. Caller holds a.mu.
func (a *AnomalyDetector) evaluate(operation string, w *outcomeWindow, now time.Time) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}
	w.expire(now)
	rate, samples := w.rate()
	if samples < minAnomalySamples {
		return
	}

	firing := a.alerting[operation]
	switch {
	case rate > threshold && !firing:
		a.alerting[operation] = true
		a.log(slog.LevelWarn, "sandbox operation failing above threshold", operation, rate, samples)
	case rate <= threshold && firing:
		a.alerting[operation] = false
		a.log(slog.LevelInfo, "sandbox operation recovered", operation, rate, samples)
	}
}

func (a *AnomalyDetector) log(level slog.Level, msg, operation string, rate float64, samples int) {
	if a.logger == nil {
		return
	}
	a.logger.Log(context.Background(), level, msg,
		slog.String("operation", operation),
		slog.Float64("error_rate", rate),
		slog.Float64("threshold", a.cfg.ErrorRateThreshold),
		slog.Int("samples", samples),
	)
}

func (a *AnomalyDetector) window(operation string) *outcomeWindow {
	w, ok := a.windows[operation]
	if !ok {
		secs := a.cfg.WindowSeconds
		if secs <= 0 {
			secs = defaultAnomalyWindow
		}
		w = &outcomeWindow{span: time.Duration(secs) * time.Second}
		a.windows[operation] = w
	}
	return w
}

func (w *outcomeWindow) push(o outcome) {
	w.outcomes = append(w.outcomes, o)
	if o.failed {
		w.failures++
	}
}

// expire drops outcomes older than the window.
func (w *outcomeWindow) expire(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for ; i < len(w.outcomes) && w.outcomes[i].at.Before(cutoff); i++ {
		if w.outcomes[i].failed {
			w.failures--
		}
	}
	if i > 0 {
		w.outcomes = append(w.outcomes[:0], w.outcomes[i:]...)
	}
}

func (w *outcomeWindow) rate() (float64, int) {
	n := len(w.outcomes)
	if n == 0 {
		return 0, 0
	}
	return float64(w.failures) / float64(n), n
}
