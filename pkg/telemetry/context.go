package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, cfg.ResourceAttributes)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns a telemetry instance that discards everything. It is used by
// tests and by components constructed without telemetry.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	return &Telemetry{
		Logger:  &Logger{zlog: zerolog.Nop(), config: cfg.Logging},
		Tracer:  &Tracer{tracer: noop.NewTracerProvider().Tracer("polman"), config: cfg.Tracing},
		Metrics: &Metrics{config: cfg.Metrics},
		Events:  &EventPublisher{config: cfg.Events},
		Config:  cfg,
	}
}

// Shutdown gracefully shuts down the events publisher and the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// Operation is an instrumented lifecycle operation: one span, one timer and
// one metrics sample.
type Operation struct {
	Ctx  context.Context
	Span trace.Span

	name    string
	metrics *Metrics
	timer   *Timer
}

// StartOperation begins an instrumented operation on a policy.
func (t *Telemetry) StartOperation(ctx context.Context, operation, policyID string, attrs ...attribute.KeyValue) *Operation {
	spanCtx, span := t.Tracer.StartPolicySpan(ctx, operation, policyID)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return &Operation{
		Ctx:     spanCtx,
		Span:    span,
		name:    operation,
		metrics: t.Metrics,
		timer:   NewTimer(),
	}
}

// End finishes the operation, recording success or failure.
func (o *Operation) End(err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
		RecordError(o.Span, err)
	} else {
		RecordSuccess(o.Span)
	}
	o.Span.End()
	o.metrics.RecordOperation(o.name, outcome, o.timer.Duration())
}
