// Package memory provides in-process store backends. They are the default
// for single-node deployments and for tests; state does not survive a
// restart.
package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redbco/redb-cdc/internal/stores"
)

// OffsetStore is an in-memory source to offset map.
type OffsetStore struct {
	mu      sync.RWMutex
	offsets map[string]string
}

// NewOffsetStore creates an empty offset store.
func NewOffsetStore() *OffsetStore {
	return &OffsetStore{
		offsets: make(map[string]string),
	}
}

// GetOffset returns the offset for a source, or "" when none is recorded.
func (s *OffsetStore) GetOffset(ctx context.Context, source string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[source], nil
}

// SetOffset persists the offset for a source.
func (s *OffsetStore) SetOffset(ctx context.Context, source, offset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[source] = offset
	return nil
}

// DeleteOffset removes the offset for a source.
func (s *OffsetStore) DeleteOffset(ctx context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offsets, source)
	return nil
}

// ListOffsets returns a copy of all source to offset mappings.
func (s *OffsetStore) ListOffsets(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.offsets))
	for source, offset := range s.offsets {
		out[source] = offset
	}
	return out, nil
}

type idemEntry struct {
	record  stores.IdempotencyRecord
	element *list.Element
}

// IdempotencyStore is an in-memory TTL store with LRU capacity eviction.
type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*idemEntry
	order   *list.List // front = most recently used
	ttl     time.Duration
	maxKeys int
}

// NewIdempotencyStore creates a store bounded by ttl and maxKeys.
func NewIdempotencyStore(ttl time.Duration, maxKeys int) *IdempotencyStore {
	if maxKeys <= 0 {
		maxKeys = 100000
	}
	return &IdempotencyStore{
		entries: make(map[string]*idemEntry),
		order:   list.New(),
		ttl:     ttl,
		maxKeys: maxKeys,
	}
}

// Get returns the record for a key, or nil when absent or expired.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*stores.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if s.expired(entry.record.StoredAt) {
		s.removeLocked(key, entry)
		return nil, nil
	}

	s.order.MoveToFront(entry.element)
	record := entry.record
	return &record, nil
}

// Put stores a record, evicting the least recently used entry at capacity.
func (s *IdempotencyStore) Put(ctx context.Context, record *stores.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[record.Key]; ok {
		entry.record = *record
		s.order.MoveToFront(entry.element)
		return nil
	}

	for len(s.entries) >= s.maxKeys {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		key := oldest.Value.(string)
		s.removeLocked(key, s.entries[key])
	}

	element := s.order.PushFront(record.Key)
	s.entries[record.Key] = &idemEntry{record: *record, element: element}
	return nil
}

// Delete removes a record.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok {
		s.removeLocked(key, entry)
	}
	return nil
}

// Cleanup removes expired records.
func (s *IdempotencyStore) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if s.expired(entry.record.StoredAt) {
			s.removeLocked(key, entry)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of live entries.
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *IdempotencyStore) expired(storedAt time.Time) bool {
	return s.ttl > 0 && time.Since(storedAt) > s.ttl
}

func (s *IdempotencyStore) removeLocked(key string, entry *idemEntry) {
	if entry == nil {
		return
	}
	s.order.Remove(entry.element)
	delete(s.entries, key)
}

// DeduplicationStore is an in-memory content-hash window.
type DeduplicationStore struct {
	mu         sync.Mutex
	hashes     map[string]time.Time
	window     time.Duration
	maxEntries int
}

// NewDeduplicationStore creates a store bounded by window and maxEntries.
func NewDeduplicationStore(window time.Duration, maxEntries int) *DeduplicationStore {
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	return &DeduplicationStore{
		hashes:     make(map[string]time.Time),
		window:     window,
		maxEntries: maxEntries,
	}
}

// Contains reports whether the hash was seen within the window.
func (s *DeduplicationStore) Contains(ctx context.Context, contentHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	storedAt, ok := s.hashes[contentHash]
	if !ok {
		return false, nil
	}
	if s.window > 0 && time.Since(storedAt) > s.window {
		delete(s.hashes, contentHash)
		return false, nil
	}
	return true, nil
}

// Add records a hash, dropping the stalest entries at capacity.
func (s *DeduplicationStore) Add(ctx context.Context, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.hashes) >= s.maxEntries {
		s.evictOldestLocked()
	}
	s.hashes[contentHash] = time.Now()
	return nil
}

// Cleanup removes hashes outside the window.
func (s *DeduplicationStore) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.window <= 0 {
		return 0, nil
	}
	removed := 0
	cutoff := time.Now().Add(-s.window)
	for hash, storedAt := range s.hashes {
		if storedAt.Before(cutoff) {
			delete(s.hashes, hash)
			removed++
		}
	}
	return removed, nil
}

func (s *DeduplicationStore) evictOldestLocked() {
	var oldestHash string
	var oldestAt time.Time
	for hash, storedAt := range s.hashes {
		if oldestHash == "" || storedAt.Before(oldestAt) {
			oldestHash = hash
			oldestAt = storedAt
		}
	}
	if oldestHash != "" {
		delete(s.hashes, oldestHash)
	}
}

// AcknowledgmentStore is an in-memory acknowledgment map with TTL.
type AcknowledgmentStore struct {
	mu   sync.RWMutex
	acks map[string]stores.AcknowledgmentRecord
	ttl  time.Duration
}

// NewAcknowledgmentStore creates a store whose records expire after ttl.
func NewAcknowledgmentStore(ttl time.Duration) *AcknowledgmentStore {
	return &AcknowledgmentStore{
		acks: make(map[string]stores.AcknowledgmentRecord),
		ttl:  ttl,
	}
}

// Get returns the acknowledgment for a key, or nil when absent or expired.
func (s *AcknowledgmentStore) Get(ctx context.Context, key string) (*stores.AcknowledgmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.acks[key]
	if !ok {
		return nil, nil
	}
	if s.ttl > 0 && time.Since(record.Timestamp) > s.ttl {
		return nil, nil
	}
	out := record
	return &out, nil
}

// Put stores an acknowledgment.
func (s *AcknowledgmentStore) Put(ctx context.Context, record *stores.AcknowledgmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks[record.Key] = *record
	return nil
}

// Cleanup removes expired acknowledgments.
func (s *AcknowledgmentStore) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl <= 0 {
		return 0, nil
	}
	removed := 0
	cutoff := time.Now().Add(-s.ttl)
	for key, record := range s.acks {
		if record.Timestamp.Before(cutoff) {
			delete(s.acks, key)
			removed++
		}
	}
	return removed, nil
}
