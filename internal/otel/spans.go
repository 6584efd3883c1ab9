package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for dispatcher spans.
var (
	AttrAccountID = attribute.Key("dispatchd.account.id")
	AttrTaskID    = attribute.Key("dispatchd.task.id")
	AttrNonce     = attribute.Key("dispatchd.task.nonce")
	AttrStatus    = attribute.Key("dispatchd.task.status")
	AttrPolicy    = attribute.Key("dispatchd.balancer.policy")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
