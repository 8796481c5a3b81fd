package cdc

import (
	"context"
	"time"

	"github.com/redbco/redb-cdc/pkg/logger"
)

// EventHandler receives each normalized change event. Returning an error
// stops offset advancement for the event; the pipeline decides whether to
// retry or dead-letter.
type EventHandler func(ctx context.Context, event *ChangeEvent) error

// HealthStatus reports the live condition of an adapter or publisher.
type HealthStatus struct {
	Healthy    bool
	State      string
	LastError  string
	LagSeconds float64
}

// OffsetStore persists per-source stream positions. The value is an opaque
// string the owning adapter knows how to parse (LSN, SCN, binlog
// coordinates, change-tracking version). Writes are fail-closed: callers
// must surface errors rather than advance past an unpersisted position.
type OffsetStore interface {
	// GetOffset returns the persisted offset for a source, or "" when none
	// has been recorded.
	GetOffset(ctx context.Context, source string) (string, error)

	// SetOffset persists the offset for a source.
	SetOffset(ctx context.Context, source, offset string) error

	// DeleteOffset removes the persisted offset for a source.
	DeleteOffset(ctx context.Context, source string) error

	// ListOffsets returns all persisted source to offset mappings.
	ListOffsets(ctx context.Context) (map[string]string, error)
}

// AdapterConfig carries the common configuration for a source adapter.
// Options holds adapter-specific settings the core does not interpret.
type AdapterConfig struct {
	Name          string            // registry name, e.g. "postgres"
	Source        string            // logical id of the origin stream
	DSN           string            // driver connection string
	Tables        []string          // table allow-list ("schema.table" or "table")
	Filter        *EventFilter      // optional include/exclude filtering
	PollInterval  time.Duration     // poll cadence for polling adapters
	BulkThreshold int               // rows per statement above which BULK_* events are emitted
	MaxSampleRows int               // sample rows carried by bulk events
	Retry         RetryPolicy       // internal transient-error retry
	Options       map[string]string // adapter-specific options
}

// Option returns an adapter-specific option value or the given default.
func (c AdapterConfig) Option(key, def string) string {
	if v, ok := c.Options[key]; ok {
		return v
	}
	return def
}

// AdapterDeps carries the shared dependencies injected into adapters.
type AdapterDeps struct {
	Offsets OffsetStore
	Logger  *logger.Logger
}

// SourceAdapter converts a database's native change stream into ChangeEvents
// and manages the stream's offset.
//
// Contracts: events arrive in the source's native commit order with
// per-source monotonically non-decreasing offsets; the same offset is never
// delivered twice within one Start session; after a crash, events at and
// after the last persisted offset may be redelivered. Start after Stop is
// allowed.
type SourceAdapter interface {
	// Name returns the registry name of the adapter implementation.
	Name() string

	// Source returns the logical id of the stream this adapter captures.
	Source() string

	// Start begins streaming and invokes onEvent for each change. It blocks
	// until ctx is cancelled, Stop is called, or a fatal error occurs.
	// Transient errors are retried internally per the configured policy.
	Start(ctx context.Context, onEvent EventHandler) error

	// Stop requests graceful shutdown: drain or discard in-flight events
	// within a bounded time, persist the offset, release connections.
	Stop(ctx context.Context) error

	// GetCurrentOffset reads the last persisted offset for the source.
	GetCurrentOffset(ctx context.Context) (string, error)

	// SetOffset persists an offset. Called by the pipeline after successful
	// dispatch.
	SetOffset(ctx context.Context, offset string) error

	// ReplayFromOffset reads historical events starting at fromOffset,
	// strictly in source order, until caught up or cancelled.
	ReplayFromOffset(ctx context.Context, fromOffset string, onEvent EventHandler) error

	// Health reports the adapter's live condition.
	Health() HealthStatus

	// Statistics returns the adapter's stream counters.
	Statistics() *StreamStatistics
}

// AdapterFactory constructs a SourceAdapter from configuration.
type AdapterFactory func(cfg AdapterConfig, deps AdapterDeps) (SourceAdapter, error)
