package cdc

import (
	"sync"
	"time"
)

// StreamStatistics tracks per-stream processing counters. Safe for
// concurrent use; adapters and the dispatch engine record into the same
// instance.
type StreamStatistics struct {
	mu sync.Mutex

	eventsProcessed int64
	eventsFailed    int64
	lastEventAt     time.Time
	lastOffset      string
	lastError       string
	operationCounts map[Operation]int64
	averageLatency  time.Duration
	currentLag      time.Duration
}

// StatisticsSnapshot is a point-in-time copy of stream counters.
type StatisticsSnapshot struct {
	EventsProcessed int64               `json:"events_processed"`
	EventsFailed    int64               `json:"events_failed"`
	LastEventAt     time.Time           `json:"last_event_at"`
	LastOffset      string              `json:"last_offset,omitempty"`
	LastError       string              `json:"last_error,omitempty"`
	OperationCounts map[Operation]int64 `json:"operation_counts"`
	AverageLatency  time.Duration       `json:"average_latency"`
	CurrentLag      time.Duration       `json:"current_lag,omitempty"`
}

// NewStreamStatistics creates a new statistics tracker.
func NewStreamStatistics() *StreamStatistics {
	return &StreamStatistics{
		operationCounts: make(map[Operation]int64),
	}
}

// RecordEvent records a successfully processed event.
func (s *StreamStatistics) RecordEvent(event *ChangeEvent, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventsProcessed++
	s.operationCounts[event.Operation]++
	s.lastEventAt = event.TimestampUTC
	s.lastOffset = event.Offset
	if !event.TimestampUTC.IsZero() {
		s.currentLag = time.Since(event.TimestampUTC)
	}

	// Simple moving average
	if s.eventsProcessed == 1 {
		s.averageLatency = latency
	} else {
		s.averageLatency = (s.averageLatency*time.Duration(s.eventsProcessed-1) + latency) / time.Duration(s.eventsProcessed)
	}
}

// RecordFailure records a failed event.
func (s *StreamStatistics) RecordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventsFailed++
	if err != nil {
		s.lastError = err.Error()
	}
}

// Snapshot returns a copy of the current counters.
func (s *StreamStatistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Operation]int64, len(s.operationCounts))
	for op, n := range s.operationCounts {
		counts[op] = n
	}

	return StatisticsSnapshot{
		EventsProcessed: s.eventsProcessed,
		EventsFailed:    s.eventsFailed,
		LastEventAt:     s.lastEventAt,
		LastOffset:      s.lastOffset,
		LastError:       s.lastError,
		OperationCounts: counts,
		AverageLatency:  s.averageLatency,
		CurrentLag:      s.currentLag,
	}
}

// LagSeconds returns the current lag in seconds.
func (s *StreamStatistics) LagSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLag.Seconds()
}
