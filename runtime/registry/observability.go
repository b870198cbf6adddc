package registry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/ashep/runtime/telemetry"
)

// OperationType identifies the type of registry operation for observability.
type OperationType string

const (
	OpLoadAgents        OperationType = "load_agents"
	OpGetAgent          OperationType = "get_agent"
	OpFindByCapabilities OperationType = "find_by_capabilities"
	OpSelectAgent        OperationType = "select_agent"
	OpSync               OperationType = "sync"
)

// OperationOutcome represents the result of an operation.
type OperationOutcome string

const (
	OutcomeSuccess  OperationOutcome = "success"
	OutcomeError    OperationOutcome = "error"
	OutcomeFallback OperationOutcome = "fallback"
)

// OperationEvent is a structured log/metric event for one registry operation.
type OperationEvent struct {
	Operation   OperationType
	Duration    time.Duration
	Outcome     OperationOutcome
	Error       string
	ResultCount int
}

// Observability provides structured logging, metrics, and tracing for
// registry operations.
type Observability struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// NewObservability creates an Observability instance with the given
// telemetry components.
func NewObservability(logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Observability {
	return &Observability{logger: logger, metrics: metrics, tracer: tracer}
}

// LogOperation emits a structured log event for a registry operation.
func (o *Observability) LogOperation(ctx context.Context, event OperationEvent) {
	keyvals := []any{
		"operation", string(event.Operation),
		"outcome", string(event.Outcome),
		"duration_ms", event.Duration.Milliseconds(),
	}
	if event.ResultCount > 0 {
		keyvals = append(keyvals, "result_count", event.ResultCount)
	}
	if event.Error != "" {
		keyvals = append(keyvals, "error", event.Error)
	}

	msg := "registry operation completed"
	switch event.Outcome {
	case OutcomeError:
		o.logger.Error(ctx, msg, keyvals...)
	case OutcomeFallback:
		o.logger.Warn(ctx, msg, keyvals...)
	default:
		o.logger.Info(ctx, msg, keyvals...)
	}
}

// RecordOperationMetrics records metrics for a registry operation.
func (o *Observability) RecordOperationMetrics(event OperationEvent) {
	tags := []string{"operation", string(event.Operation), "outcome", string(event.Outcome)}

	o.metrics.RecordTimer("registry.operation.duration", event.Duration, tags...)
	switch event.Outcome {
	case OutcomeSuccess:
		o.metrics.IncCounter("registry.operation.success", 1, tags...)
	case OutcomeError:
		o.metrics.IncCounter("registry.operation.error", 1, tags...)
	case OutcomeFallback:
		o.metrics.IncCounter("registry.operation.fallback", 1, tags...)
		o.metrics.IncCounter("registry.operation.success", 1, tags...)
	}
	if event.ResultCount > 0 {
		o.metrics.RecordGauge("registry.operation.result_count", float64(event.ResultCount), tags...)
	}
}

// StartSpan starts a new trace span for a registry operation.
func (o *Observability) StartSpan(ctx context.Context, operation OperationType, attrs ...attribute.KeyValue) (context.Context, telemetry.Span) {
	spanName := "registry." + string(operation)
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	}
	return o.tracer.Start(ctx, spanName, opts...)
}

// EndSpan ends a trace span with the operation outcome.
func (o *Observability) EndSpan(span telemetry.Span, outcome OperationOutcome, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, string(outcome))
	}
	span.End()
}
