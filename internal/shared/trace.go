package shared

import (
	"context"

	"github.com/google/uuid"
)

// unsetTraceID is what TraceID reports for a context no submission ever
// stamped, so log lines always carry the field.
const unsetTraceID = "-"

type traceKey struct{}

// WithTraceID stamps ctx with the correlation id of one submission. The
// facade puts it on its own log lines; the instance runtime and the store
// receive the ctx but do not read the id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// EnsureTraceID returns ctx unchanged when it already carries a trace id, or
// stamps and returns a fresh one.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return ctx, v
	}
	id := NewTraceID()
	return WithTraceID(ctx, id), id
}

// TraceID extracts the trace id from ctx, or "-" when none was stamped.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return unsetTraceID
}

// NewTraceID generates a fresh trace id.
func NewTraceID() string {
	return uuid.NewString()
}
