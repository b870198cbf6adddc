// Package telemetry defines the logging, metrics, and tracing abstractions
// shared by every engine in the orchestrator. Implementations typically
// delegate to goa.design/clue and OpenTelemetry; the interfaces stay small so
// tests can supply lightweight stubs instead.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engines. WARN is
// reserved for soft blocks and retries, ERROR for the fatal error classes of
// the taxonomy, per the orchestrator's error handling design.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Set bundles the three observability ports so components can be constructed
// with a single argument instead of three.
type Set struct {
	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// Noop returns a Set whose members discard everything. Useful in unit tests
// that don't care about observability.
func Noop() Set {
	return Set{Logger: NewNoopLogger(), Metrics: NewNoopMetrics(), Tracer: NewNoopTracer()}
}
