// Package redis provides Redis-backed store backends. Expiry is delegated
// to server-side TTLs, so Cleanup calls are no-ops here.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redbco/redb-cdc/internal/stores"
)

const (
	idempotencyPrefix    = "cdc:idem:"
	deduplicationPrefix  = "cdc:dedup:"
	acknowledgmentPrefix = "cdc:ack:"
)

// Config holds the Redis connection configuration.
type Config struct {
	Host         string
	Port         int
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
}

// NewClient creates a Redis client and verifies connectivity.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	// Test the connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

// IdempotencyStore persists idempotency records as JSON values with TTL.
// Capacity bounding is delegated to the Redis maxmemory policy.
type IdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdempotencyStore creates a Redis-backed idempotency store.
func NewIdempotencyStore(client *redis.Client, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, ttl: ttl}
}

// Get returns the record for a key, or nil when absent.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*stores.IdempotencyRecord, error) {
	data, err := s.client.Get(ctx, idempotencyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}

	var record stores.IdempotencyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &record, nil
}

// Put stores a record with the configured TTL.
func (s *IdempotencyStore) Put(ctx context.Context, record *stores.IdempotencyRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, idempotencyPrefix+record.Key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

// Delete removes a record.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idempotencyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete idempotency record: %w", err)
	}
	return nil
}

// Cleanup is a no-op; Redis expires keys server-side.
func (s *IdempotencyStore) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}

// DeduplicationStore persists content hashes with the window as TTL.
type DeduplicationStore struct {
	client *redis.Client
	window time.Duration
}

// NewDeduplicationStore creates a Redis-backed dedup store.
func NewDeduplicationStore(client *redis.Client, window time.Duration) *DeduplicationStore {
	return &DeduplicationStore{client: client, window: window}
}

// Contains reports whether the hash was seen within the window.
func (s *DeduplicationStore) Contains(ctx context.Context, contentHash string) (bool, error) {
	n, err := s.client.Exists(ctx, deduplicationPrefix+contentHash).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedup hash: %w", err)
	}
	return n > 0, nil
}

// Add records a hash, refreshing its TTL when present.
func (s *DeduplicationStore) Add(ctx context.Context, contentHash string) error {
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.Set(ctx, deduplicationPrefix+contentHash, stamp, s.window).Err(); err != nil {
		return fmt.Errorf("failed to store dedup hash: %w", err)
	}
	return nil
}

// Cleanup is a no-op; Redis expires keys server-side.
func (s *DeduplicationStore) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}

// AcknowledgmentStore persists acknowledgments as JSON values with TTL.
type AcknowledgmentStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAcknowledgmentStore creates a Redis-backed acknowledgment store.
func NewAcknowledgmentStore(client *redis.Client, ttl time.Duration) *AcknowledgmentStore {
	return &AcknowledgmentStore{client: client, ttl: ttl}
}

// Get returns the acknowledgment for a key, or nil when absent.
func (s *AcknowledgmentStore) Get(ctx context.Context, key string) (*stores.AcknowledgmentRecord, error) {
	data, err := s.client.Get(ctx, acknowledgmentPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read acknowledgment: %w", err)
	}

	var record stores.AcknowledgmentRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode acknowledgment: %w", err)
	}
	return &record, nil
}

// Put stores an acknowledgment with the configured TTL.
func (s *AcknowledgmentStore) Put(ctx context.Context, record *stores.AcknowledgmentRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode acknowledgment: %w", err)
	}
	if err := s.client.Set(ctx, acknowledgmentPrefix+record.Key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store acknowledgment: %w", err)
	}
	return nil
}

// Cleanup is a no-op; Redis expires keys server-side.
func (s *AcknowledgmentStore) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}
