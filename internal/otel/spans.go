package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrGroupID       = attribute.Key("groupclaw.group.id")
	AttrRunID         = attribute.Key("groupclaw.run.id")
	AttrSessionID     = attribute.Key("groupclaw.session.id")
	AttrWorkKind      = attribute.Key("groupclaw.work.kind")
	AttrEnvelopeType  = attribute.Key("groupclaw.envelope.type")
	AttrDestinationID = attribute.Key("groupclaw.destination.id")
	AttrOutcome       = attribute.Key("groupclaw.worker.outcome")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (transport delivery).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
