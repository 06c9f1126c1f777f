// Package telemetry defines the logging, metrics, and tracing seams of the
// runtime. The components that use them accept them via their Options struct
// (audit: Logger and Tracer; wal: Logger) and default to noop implementations
// when unset, so they never panic or block on a missing observability
// backend. No component takes a Metrics.
package telemetry

import "context"

type (
	// Logger emits structured, leveled log lines. Keyvals follow the
	// key1, value1, key2, value2, ... convention; implementations must
	// tolerate an odd number of keyvals without panicking.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Span represents a single unit of traced work. End must be called
	// exactly once, typically via defer.
	Span interface {
		// SetError records err on the span and marks it as failed. A nil err
		// is a no-op.
		SetError(err error)
		// SetAttr attaches a string attribute to the span.
		SetAttr(key, value string)
		// End finalizes the span.
		End()
	}

	// Tracer starts spans for traced operations.
	Tracer interface {
		Start(ctx context.Context, name string) (context.Context, Span)
	}

	// Metrics records counters and durations for runtime operations.
	Metrics interface {
		IncrCounter(ctx context.Context, name string, tags ...string)
		ObserveDuration(ctx context.Context, name string, seconds float64, tags ...string)
	}
)
