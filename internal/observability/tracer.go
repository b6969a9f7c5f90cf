package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates an internal span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartConsumerSpan creates a consumer span for an inbound broker message.
func StartConsumerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartProducerSpan creates a producer span for an outbound publish.
func StartProducerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for gyre spans.
var (
	AttrWorkflowName    = attribute.Key("gyre.workflow.name")
	AttrWorkflowVersion = attribute.Key("gyre.workflow.version")
	AttrWorkflowID      = attribute.Key("gyre.workflow.id")
	AttrPosition        = attribute.Key("gyre.position")
	AttrOutcome         = attribute.Key("gyre.outcome")
	AttrTable           = attribute.Key("gyre.outbox.table")
	AttrTopic           = attribute.Key("gyre.topic")
	AttrDurationMs      = attribute.Key("gyre.duration_ms")
)
