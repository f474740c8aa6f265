package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Squire spans.
var (
	AttrLane     = attribute.Key("squire.lane")
	AttrRunID    = attribute.Key("squire.run.id")
	AttrExecutor = attribute.Key("squire.executor")
	AttrModel    = attribute.Key("squire.model")
	AttrJobID    = attribute.Key("squire.job.id")
	AttrItemID   = attribute.Key("squire.queue.item_id")
	AttrExitCode = attribute.Key("squire.run.exit_code")
)

// StartSpan starts an internal span carrying the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindInternal, attrs)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindServer, attrs)
}

// StartClientSpan starts a span for an outbound call (executor backend).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindClient, attrs)
}

func start(ctx context.Context, tracer trace.Tracer, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(kind),
	)
}
