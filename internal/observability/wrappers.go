package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/runbox/internal/command"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/storage"
)

// Operation outcomes used as metric labels.
const (
	statusSuccess     = "success"
	statusError       = "error"
	statusNonzeroExit = "nonzero_exit"
	statusTimeout     = "timeout"
	statusUnavailable = "unavailable"
	statusNotFound    = "not_found"
)

// --- InstrumentedClient ---

// InstrumentedClient wraps a sandbox.Client with metrics, tracing, and anomaly detection.
type InstrumentedClient struct {
	inner   sandbox.Client
	backend string // "process" or "docker"
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedClient wraps a sandbox client with observability.
func NewInstrumentedClient(inner sandbox.Client, backend string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedClient {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedClient{
		inner:   inner,
		backend: backend,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (c *InstrumentedClient) Create(ctx context.Context, sessionID string) (*sandbox.Handle, error) {
	ctx, finish := c.begin(ctx, "create", attribute.String("session.id", sessionID))
	h, err := c.inner.Create(ctx, sessionID)
	finish(classify(err), err)
	return h, err
}

func (c *InstrumentedClient) Exec(ctx context.Context, h *sandbox.Handle, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	var program string
	if len(req.Command) > 0 {
		program = req.Command[0]
	}
	ctx, finish := c.begin(ctx, "exec",
		attribute.String("session.id", h.SessionID),
		attribute.String("sandbox.program", program),
	)
	res, err := c.inner.Exec(ctx, h, req)

	status := classify(err)
	if err == nil && res != nil && res.ExitCode != 0 {
		status = statusNonzeroExit
		if c.tracer != nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int("sandbox.exit_code", res.ExitCode))
		}
	}
	finish(status, err)
	return res, err
}

func (c *InstrumentedClient) PutFile(ctx context.Context, h *sandbox.Handle, destPath string, content []byte) error {
	ctx, finish := c.begin(ctx, "put_file",
		attribute.String("session.id", h.SessionID),
		attribute.Int("file.size", len(content)),
	)
	err := c.inner.PutFile(ctx, h, destPath, content)
	finish(classify(err), err)
	return err
}

func (c *InstrumentedClient) GetFile(ctx context.Context, h *sandbox.Handle, path string) ([]byte, error) {
	ctx, finish := c.begin(ctx, "get_file", attribute.String("session.id", h.SessionID))
	data, err := c.inner.GetFile(ctx, h, path)
	finish(classify(err), err)
	return data, err
}

func (c *InstrumentedClient) Destroy(ctx context.Context, h *sandbox.Handle) error {
	ctx, finish := c.begin(ctx, "destroy", attribute.String("session.id", h.SessionID))
	err := c.inner.Destroy(ctx, h)
	finish(classify(err), err)
	return err
}

func (c *InstrumentedClient) Ping(ctx context.Context) error {
	// Readiness probes call Ping; keep it out of traces and anomaly windows.
	start := time.Now()
	err := c.inner.Ping(ctx)
	if c.metrics != nil {
		c.metrics.SandboxOpsTotal.WithLabelValues(c.backend, "ping", classify(err)).Inc()
		c.metrics.SandboxOpDuration.WithLabelValues(c.backend, "ping").Observe(time.Since(start).Seconds())
	}
	return err
}

// begin starts a span for op and returns a func that records the outcome.
func (c *InstrumentedClient) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(status string, err error)) {
	var span trace.Span
	if c.tracer != nil {
		attrs = append(attrs, attribute.String("sandbox.backend", c.backend))
		ctx, span = c.tracer.Start(ctx, "sandbox."+op, trace.WithAttributes(attrs...))
	}
	start := time.Now()

	return ctx, func(status string, err error) {
		duration := time.Since(start).Seconds()

		if span != nil {
			if err != nil && status != statusNotFound {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}

		if c.metrics != nil {
			c.metrics.SandboxOpsTotal.WithLabelValues(c.backend, op, status).Inc()
			c.metrics.SandboxOpDuration.WithLabelValues(c.backend, op).Observe(duration)
		}

		if c.anomaly != nil {
			// A missing file or a user program timing out is not a backend fault.
			switch status {
			case statusError, statusUnavailable:
				c.anomaly.RecordError("sandbox_" + op)
			default:
				c.anomaly.RecordSuccess("sandbox_" + op)
			}
		}
	}
}

// classify maps a sandbox error to a metric status label.
func classify(err error) string {
	switch {
	case err == nil:
		return statusSuccess
	case errors.Is(err, sandbox.ErrTimeout):
		return statusTimeout
	case errors.Is(err, sandbox.ErrUnavailable):
		return statusUnavailable
	case errors.Is(err, sandbox.ErrNotFound):
		return statusNotFound
	default:
		return statusError
	}
}

// --- InstrumentedRecorder ---

// InstrumentedRecorder counts every execution the dispatchers record and
// forwards it to an optional history store.
type InstrumentedRecorder struct {
	inner   command.Recorder // nil = metrics only
	metrics *MetricsCollector
}

// NewInstrumentedRecorder wraps a recorder with execution metrics. inner may
// be nil when history is disabled.
func NewInstrumentedRecorder(inner command.Recorder, metrics *MetricsCollector) *InstrumentedRecorder {
	return &InstrumentedRecorder{inner: inner, metrics: metrics}
}

func (r *InstrumentedRecorder) Save(ctx context.Context, e *storage.Execution) error {
	if r.metrics != nil {
		outcome := statusSuccess
		switch {
		case e.TimedOut:
			outcome = statusTimeout
		case e.ExitCode != 0:
			outcome = statusNonzeroExit
		}
		r.metrics.ExecutionsTotal.WithLabelValues(e.Kind, outcome).Inc()
		r.metrics.ExecutionDuration.WithLabelValues(e.Kind).Observe(float64(e.DurationMs) / 1000)
	}
	if r.inner == nil {
		return nil
	}
	return r.inner.Save(ctx, e)
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Client   = (*InstrumentedClient)(nil)
	_ command.Recorder = (*InstrumentedRecorder)(nil)
)
