// Package metrics holds the Prometheus collectors for the pipeline. The
// collectors register on a private registry owned by the engine, not the
// process-wide default.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

// Metrics bundles the pipeline collectors. All methods are nil-safe so
// components can run without metrics enabled.
type Metrics struct {
	registry *prometheus.Registry

	eventsProcessed     *prometheus.CounterVec
	eventsFailed        *prometheus.CounterVec
	eventsPublished     *prometheus.CounterVec
	eventsPublishFailed *prometheus.CounterVec
	retryAttempts       *prometheus.CounterVec
	deadLetterEvents    *prometheus.CounterVec

	streamLag           *prometheus.GaugeVec
	lastProcessedOffset *prometheus.GaugeVec
	activeDeliveries    prometheus.Gauge
	activeTransactions  prometheus.Gauge

	processingDuration *prometheus.HistogramVec
	publishDuration    *prometheus.HistogramVec
}

// New creates and registers the pipeline collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_events_processed_total",
			Help: "Change events processed by the dispatch engine.",
		}, []string{"source", "schema", "table", "operation"}),
		eventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_events_failed_total",
			Help: "Change events whose handling failed.",
		}, []string{"source", "schema", "table", "operation"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_events_published_total",
			Help: "Change events delivered to a sink.",
		}, []string{"source", "publisher", "destination"}),
		eventsPublishFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_events_publish_failed_total",
			Help: "Change events whose delivery terminally failed.",
		}, []string{"source", "publisher", "destination"}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_retry_attempts_total",
			Help: "Delivery retry attempts.",
		}, []string{"source", "publisher"}),
		deadLetterEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_dead_letter_events_total",
			Help: "Events routed to the dead-letter publisher.",
		}, []string{"source", "publisher"}),
		streamLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdc_stream_lag_seconds",
			Help: "Delay between event source time and processing time per stream.",
		}, []string{"source"}),
		lastProcessedOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdc_last_processed_offset",
			Help: "Last processed offset per source, where numerically parseable.",
		}, []string{"source"}),
		activeDeliveries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cdc_active_deliveries",
			Help: "Deliveries currently in flight in the exactly-once manager.",
		}),
		activeTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cdc_active_transactions",
			Help: "Non-terminal transactional groups.",
		}),
		processingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdc_processing_duration_seconds",
			Help:    "Time spent handling one event through dispatch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdc_publish_duration_seconds",
			Help:    "Time spent delivering one event to a sink.",
			Buckets: prometheus.DefBuckets,
		}, []string{"publisher"}),
	}

	registry.MustRegister(
		m.eventsProcessed, m.eventsFailed,
		m.eventsPublished, m.eventsPublishFailed,
		m.retryAttempts, m.deadLetterEvents,
		m.streamLag, m.lastProcessedOffset,
		m.activeDeliveries, m.activeTransactions,
		m.processingDuration, m.publishDuration,
	)
	return m
}

// Handler returns the scrape handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventProcessed records a successfully handled event.
func (m *Metrics) EventProcessed(event *cdc.ChangeEvent, durationSeconds float64) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(event.Source, event.Schema, event.Table, string(event.Operation)).Inc()
	m.processingDuration.WithLabelValues(event.Source).Observe(durationSeconds)
	if !event.TimestampUTC.IsZero() {
		m.streamLag.WithLabelValues(event.Source).Set(lagSeconds(event))
	}
	if numeric, err := strconv.ParseFloat(event.Offset, 64); err == nil {
		m.lastProcessedOffset.WithLabelValues(event.Source).Set(numeric)
	}
}

// EventFailed records a failed event.
func (m *Metrics) EventFailed(event *cdc.ChangeEvent) {
	if m == nil {
		return
	}
	m.eventsFailed.WithLabelValues(event.Source, event.Schema, event.Table, string(event.Operation)).Inc()
}

// EventPublished records a successful delivery.
func (m *Metrics) EventPublished(event *cdc.ChangeEvent, publisher, destination string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(event.Source, publisher, destination).Inc()
	m.publishDuration.WithLabelValues(publisher).Observe(durationSeconds)
}

// EventPublishFailed records a terminal delivery failure.
func (m *Metrics) EventPublishFailed(event *cdc.ChangeEvent, publisher, destination string) {
	if m == nil {
		return
	}
	m.eventsPublishFailed.WithLabelValues(event.Source, publisher, destination).Inc()
}

// RetryAttempt records one delivery retry.
func (m *Metrics) RetryAttempt(source, publisher string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(source, publisher).Inc()
}

// DeadLetter records an event handed to the dead-letter publisher.
func (m *Metrics) DeadLetter(source, publisher string) {
	if m == nil {
		return
	}
	m.deadLetterEvents.WithLabelValues(source, publisher).Inc()
}

// SetActiveDeliveries updates the in-flight delivery gauge.
func (m *Metrics) SetActiveDeliveries(n int) {
	if m == nil {
		return
	}
	m.activeDeliveries.Set(float64(n))
}

// SetActiveTransactions updates the active transactional group gauge.
func (m *Metrics) SetActiveTransactions(n int) {
	if m == nil {
		return
	}
	m.activeTransactions.Set(float64(n))
}

// SetStreamLag updates the lag gauge for a source.
func (m *Metrics) SetStreamLag(source string, seconds float64) {
	if m == nil {
		return
	}
	m.streamLag.WithLabelValues(source).Set(seconds)
}

func lagSeconds(event *cdc.ChangeEvent) float64 {
	lag := time.Since(event.TimestampUTC).Seconds()
	if lag < 0 {
		return 0
	}
	return lag
}
