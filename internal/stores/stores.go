// Package stores defines the persisted-state contracts for the pipeline:
// idempotency keys, content-hash deduplication and delivery
// acknowledgments. Offset persistence is part of the adapter contract and
// lives in pkg/cdc; this package provides its backends.
package stores

import (
	"context"
	"time"
)

// IdempotencyRecord marks an event as delivered under its idempotency key.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	EventDigest string    `json:"event_digest"`
	StoredAt    time.Time `json:"stored_at"`
}

// DeduplicationRecord marks a content hash as seen within the dedup window.
type DeduplicationRecord struct {
	ContentHash string    `json:"content_hash"`
	StoredAt    time.Time `json:"stored_at"`
}

// AckStatus is the delivery acknowledgment state for an idempotency key.
type AckStatus string

const (
	AckPending      AckStatus = "pending"
	AckAcknowledged AckStatus = "acknowledged"
	AckFailed       AckStatus = "failed"
)

// AcknowledgmentRecord tracks the delivery outcome for an idempotency key.
type AcknowledgmentRecord struct {
	Key          string    `json:"key"`
	Status       AckStatus `json:"status"`
	Attempts     int       `json:"attempts"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// IdempotencyStore persists idempotency records with a TTL and a bounded
// key capacity (LRU eviction). Reads and writes are fail-open at the call
// sites: callers log errors and continue.
type IdempotencyStore interface {
	// Get returns the record for a key, or nil when absent or expired.
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)

	// Put stores a record, evicting the least recently used entry when the
	// capacity bound is reached.
	Put(ctx context.Context, record *IdempotencyRecord) error

	// Delete removes a record.
	Delete(ctx context.Context, key string) error

	// Cleanup removes expired records and returns how many were dropped.
	Cleanup(ctx context.Context) (int, error)
}

// DeduplicationStore persists content hashes within a bounded window.
type DeduplicationStore interface {
	// Contains reports whether the hash was seen within the window.
	Contains(ctx context.Context, contentHash string) (bool, error)

	// Add records a hash. Adding an existing hash refreshes it.
	Add(ctx context.Context, contentHash string) error

	// Cleanup removes expired hashes and returns how many were dropped.
	Cleanup(ctx context.Context) (int, error)
}

// AcknowledgmentStore persists delivery acknowledgments keyed by
// idempotency key.
type AcknowledgmentStore interface {
	// Get returns the acknowledgment for a key, or nil when absent.
	Get(ctx context.Context, key string) (*AcknowledgmentRecord, error)

	// Put stores an acknowledgment.
	Put(ctx context.Context, record *AcknowledgmentRecord) error

	// Cleanup removes expired acknowledgments and returns how many were
	// dropped.
	Cleanup(ctx context.Context) (int, error)
}
