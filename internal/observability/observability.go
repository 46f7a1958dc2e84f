// Package observability instruments runbox: sandbox calls and execution
// records feed Prometheus and OpenTelemetry, sandbox failures feed the
// anomaly detector, and the sandbox and history store back the readiness
// probe. Every part is optional; a nil *Observability instruments nothing.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/runbox/internal/command"
	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/sandbox"
)

// Observability bundles the enabled instruments. Nil fields are disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the instruments enabled in cfg. A nil cfg disables all of them
// and yields a nil *Observability.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	var tracer *TracerSetup
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		tracer = ts
	}

	o := &Observability{
		Tracer: tracer,
		Health: NewHealthChecker(logger),
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		o.Metrics = NewMetricsCollector()
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		o.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	return o, nil
}

// Sandbox wraps the backend client so every sandbox call is measured,
// traced and fed to the anomaly detector.
func (o *Observability) Sandbox(backend sandbox.Client, name string) sandbox.Client {
	return NewInstrumentedClient(backend, name, o.MetricsOrNil(), o.TracerOrNil(), o.AnomalyOrNil())
}

// Recorder wraps the history recorder with execution metrics. inner may be
// nil. The result is nil when there is neither a store nor metrics.
func (o *Observability) Recorder(inner command.Recorder) command.Recorder {
	metrics := o.MetricsOrNil()
	if inner == nil && metrics == nil {
		return nil
	}
	return NewInstrumentedRecorder(inner, metrics)
}

// ReadinessCheck adds a dependency to the readiness probe. A nil
// *Observability ignores it.
func (o *Observability) ReadinessCheck(name string, check func(ctx context.Context) error) {
	if o == nil || o.Health == nil {
		return
	}
	o.Health.AddCheck(name, check)
}

// Registry returns the Prometheus registry, or nil when metrics are off.
// Session and scheduler metrics register here.
func (o *Observability) Registry() *prometheus.Registry {
	return o.MetricsOrNil().RegistryOrNil()
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	var errs []error
	if err := o.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	return errors.Join(errs...)
}

// TracerOrNil returns the tracer setup, nil when tracing is off.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the metrics collector, nil when metrics are off.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// AnomalyOrNil returns the anomaly detector, nil when detection is off.
func (o *Observability) AnomalyOrNil() *AnomalyDetector {
	if o == nil {
		return nil
	}
	return o.Anomaly
}
