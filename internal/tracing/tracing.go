// Package tracing instruments the pipeline with OpenTelemetry spans. The
// global tracer provider is left to the host process; without one the spans
// are no-ops.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

const tracerName = "redb-cdc"

// Configure installs the W3C trace context propagator so traceparent headers
// survive the hop into webhook and Kafka sinks.
func Configure() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func eventAttributes(event *cdc.ChangeEvent) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("cdc.source", event.Source),
		attribute.String("cdc.schema", event.Schema),
		attribute.String("cdc.table", event.Table),
		attribute.String("cdc.operation", string(event.Operation)),
		attribute.String("cdc.offset", event.Offset),
	}
}

// StartProcessSpan opens the per-event processing span.
func StartProcessSpan(ctx context.Context, event *cdc.ChangeEvent) (context.Context, trace.Span) {
	return tracer().Start(ctx, "cdc.process",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(eventAttributes(event)...))
}

// StartPublishSpan opens the per-delivery span for one publisher.
func StartPublishSpan(ctx context.Context, publisher string, event *cdc.ChangeEvent) (context.Context, trace.Span) {
	return tracer().Start(ctx, "cdc.publish."+publisher,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(eventAttributes(event)...))
}

// Inject writes the active span context into a string carrier, typically
// outgoing webhook or Kafka headers.
func Inject(ctx context.Context, carrier map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(carrier))
}

// Extract restores a span context previously written by Inject.
func Extract(ctx context.Context, carrier map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}
