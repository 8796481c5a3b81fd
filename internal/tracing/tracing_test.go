package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

func setupRecorder(t *testing.T) *tracetest.SpanRecorder {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	Configure()
	return recorder
}

func testEvent() *cdc.ChangeEvent {
	return &cdc.ChangeEvent{
		Source:       "src-A",
		Schema:       "public",
		Table:        "users",
		Operation:    cdc.OperationUpdate,
		Offset:       "17",
		TimestampUTC: time.Now().UTC(),
	}
}

func TestProcessSpanCarriesEventAttributes(t *testing.T) {
	recorder := setupRecorder(t)

	ctx, span := StartProcessSpan(context.Background(), testEvent())
	_ = ctx
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "cdc.process", spans[0].Name())

	attrs := make(map[string]string)
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "src-A", attrs["cdc.source"])
	assert.Equal(t, "users", attrs["cdc.table"])
	assert.Equal(t, "UPDATE", attrs["cdc.operation"])
	assert.Equal(t, "17", attrs["cdc.offset"])
}

func TestPublishSpanNamedAfterPublisher(t *testing.T) {
	recorder := setupRecorder(t)

	_, span := StartPublishSpan(context.Background(), "webhook", testEvent())
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "cdc.publish.webhook", spans[0].Name())
}

func TestInjectExtractRoundTrip(t *testing.T) {
	setupRecorder(t)

	ctx, span := StartProcessSpan(context.Background(), testEvent())
	defer span.End()

	carrier := make(map[string]string)
	Inject(ctx, carrier)
	require.NotEmpty(t, carrier["traceparent"])

	restored := Extract(context.Background(), carrier)
	_, child := StartPublishSpan(restored, "kafka", testEvent())
	childCtx := child.SpanContext()
	child.End()

	assert.Equal(t, span.SpanContext().TraceID(), childCtx.TraceID())
}
