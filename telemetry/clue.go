package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	// clueLogger delegates to goa.design/clue/log. Formatting and debug level
	// are read from the context, set via log.Context/log.WithFormat/log.WithDebug
	// by the caller during process startup.
	clueLogger struct{}

	// otelMetrics records counters and histograms through the global OTEL
	// MeterProvider. Configure the provider (e.g. via clue.ConfigureOpenTelemetry)
	// before issuing calls.
	otelMetrics struct {
		meter metric.Meter
	}

	// otelTracer starts spans through the global OTEL TracerProvider.
	otelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewClueLogger returns a Logger backed by goa.design/clue/log.
func NewClueLogger() Logger { return clueLogger{} }

// NewOTelMetrics returns a Metrics backed by the global OTEL MeterProvider,
// scoped under the given instrumentation name (e.g. "machina/goalloop").
func NewOTelMetrics(scope string) Metrics {
	return &otelMetrics{meter: otel.Meter(scope)}
}

// NewOTelTracer returns a Tracer backed by the global OTEL TracerProvider,
// scoped under the given instrumentation name.
func NewOTelTracer(scope string) Tracer {
	return &otelTracer{tracer: otel.Tracer(scope)}
}

func (clueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

func (clueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

func (clueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

func fielders(msg string, keyvals []any) []log.Fielder {
	out := make([]log.Fielder, 0, 1+len(keyvals)/2)
	out = append(out, log.KV{K: "msg", V: msg})
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		out = append(out, log.KV{K: k, V: keyvals[i+1]})
	}
	return out
}

func (m *otelMetrics) IncrCounter(ctx context.Context, name string, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *otelMetrics) ObserveDuration(ctx context.Context, name string, seconds float64, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(ctx, seconds, metric.WithAttributes(tagAttrs(tags)...))
}

func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

func (t *otelTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name)
	return newCtx, &otelSpan{span: span}
}

func (s *otelSpan) SetError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) SetAttr(key, value string) {
	s.span.SetAttributes(attribute.String(key, value))
}

func (s *otelSpan) End() { s.span.End() }
