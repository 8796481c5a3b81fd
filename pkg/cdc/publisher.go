package cdc

import (
	"context"

	"github.com/redbco/redb-cdc/pkg/logger"
)

// FailedEvent identifies one event that a batch publish could not deliver.
type FailedEvent struct {
	EventID string
	Offset  string
	Err     error
}

// BatchResult reports the outcome of a PublishBatch call. Published counts
// successfully delivered events; Failed lists the rest in batch order.
type BatchResult struct {
	Published int
	Failed    []FailedEvent
}

// AllPublished returns true when the batch delivered completely.
func (r *BatchResult) AllPublished() bool {
	return r != nil && len(r.Failed) == 0
}

// PublisherConfig carries the common configuration for a publisher.
// Options holds publisher-specific settings the core does not interpret.
type PublisherConfig struct {
	Name        string            // registry name, e.g. "webhook"
	Destination string            // endpoint URL, broker list, etc.
	Serializer  string            // wire format name (json, protobuf, avro)
	Retry       RetryPolicy       // internal transient-error retry
	Options     map[string]string // publisher-specific options
}

// Option returns a publisher-specific option value or the given default.
func (c PublisherConfig) Option(key, def string) string {
	if v, ok := c.Options[key]; ok {
		return v
	}
	return def
}

// PublisherDeps carries the shared dependencies injected into publishers.
type PublisherDeps struct {
	Serializer Serializer
	Logger     *logger.Logger
}

// Publisher delivers ChangeEvents to a sink. Implementations must be safe
// for concurrent use and idempotent under redelivery of the same event: the
// exactly-once manager may call Publish again with identical input.
type Publisher interface {
	// Name returns the registry name of the publisher implementation.
	Name() string

	// Destination identifies the sink this publisher delivers to.
	Destination() string

	// Publish delivers exactly one event.
	Publish(ctx context.Context, event *ChangeEvent) error

	// PublishBatch delivers many events. Success requires all delivered;
	// partial failure reports which events failed.
	PublishBatch(ctx context.Context, events []*ChangeEvent) (*BatchResult, error)

	// Health reports the publisher's live condition.
	Health() HealthStatus

	// Close releases connections and flushes buffered records.
	Close(ctx context.Context) error
}

// PublisherFactory constructs a Publisher from configuration.
type PublisherFactory func(cfg PublisherConfig, deps PublisherDeps) (Publisher, error)
