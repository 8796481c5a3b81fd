package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

func sampleEvent() *cdc.ChangeEvent {
	return &cdc.ChangeEvent{
		Source:       "src-A",
		Schema:       "public",
		Table:        "users",
		Operation:    cdc.OperationInsert,
		Offset:       "42",
		TimestampUTC: time.Now().UTC(),
		After:        map[string]interface{}{"id": 1},
	}
}

func TestCountersAndGauges(t *testing.T) {
	m := New()
	event := sampleEvent()

	m.EventProcessed(event, 0.005)
	m.EventProcessed(event, 0.007)
	m.EventFailed(event)
	m.EventPublished(event, "webhook", "https://sink.example/cdc", 0.02)
	m.EventPublishFailed(event, "webhook", "https://sink.example/cdc")
	m.RetryAttempt("src-A", "webhook")
	m.DeadLetter("src-A", "webhook")
	m.SetActiveDeliveries(3)
	m.SetActiveTransactions(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsProcessed.WithLabelValues("src-A", "public", "users", "INSERT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsFailed.WithLabelValues("src-A", "public", "users", "INSERT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsPublished.WithLabelValues("src-A", "webhook", "https://sink.example/cdc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retryAttempts.WithLabelValues("src-A", "webhook")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetterEvents.WithLabelValues("src-A", "webhook")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeDeliveries))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeTransactions))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.lastProcessedOffset.WithLabelValues("src-A")))
}

func TestNonNumericOffsetSkipsOffsetGauge(t *testing.T) {
	m := New()
	event := sampleEvent()
	event.Offset = "0/16B3748"

	m.EventProcessed(event, 0.001)
	assert.Equal(t, 0, testutil.CollectAndCount(m.lastProcessedOffset))
}

func TestHandlerServesScrape(t *testing.T) {
	m := New()
	m.EventProcessed(sampleEvent(), 0.001)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "cdc_events_processed_total"))
	assert.True(t, strings.Contains(body, "cdc_processing_duration_seconds"))
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.EventProcessed(sampleEvent(), 0)
	m.EventFailed(sampleEvent())
	m.SetActiveDeliveries(1)
	m.SetStreamLag("src-A", 0.5)
}
