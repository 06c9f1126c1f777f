package telemetry

import "context"

type (
	noopLogger  struct{}
	noopTracer  struct{}
	noopSpan    struct{}
	noopMetrics struct{}
)

// NewNoopLogger returns a Logger that discards every call.
func NewNoopLogger() Logger { return noopLogger{} }

// NewNoopTracer returns a Tracer that produces spans which record nothing.
func NewNoopTracer() Tracer { return noopTracer{} }

// NewNoopMetrics returns a Metrics that discards every call.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) SetError(error)        {}
func (noopSpan) SetAttr(string, string) {}
func (noopSpan) End()                   {}

func (noopMetrics) IncrCounter(context.Context, string, ...string)             {}
func (noopMetrics) ObserveDuration(context.Context, string, float64, ...string) {}
