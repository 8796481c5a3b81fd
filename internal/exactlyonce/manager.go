// Package exactlyonce provides at-most-once visible effect at sinks despite
// at-least-once delivery from source adapters. It keys every delivery with an
// idempotency key, rejects duplicates via key and content-hash lookups, and
// retries failed publishes within a bounded backoff budget.
package exactlyonce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/redbco/redb-cdc/internal/stores"
	"github.com/redbco/redb-cdc/internal/txgroup"
	"github.com/redbco/redb-cdc/pkg/cdc"
	"github.com/redbco/redb-cdc/pkg/logger"
)

// KeyStrategy selects how idempotency keys are derived from events.
type KeyStrategy string

const (
	KeyStrategyOffset      KeyStrategy = "Offset"
	KeyStrategyContentHash KeyStrategy = "ContentHash"
	KeyStrategyComposite   KeyStrategy = "Composite"
)

// Guarantee selects the delivery guarantee the manager enforces.
type Guarantee string

const (
	GuaranteeAtMostOnce  Guarantee = "AtMostOnce"
	GuaranteeAtLeastOnce Guarantee = "AtLeastOnce"
	GuaranteeExactlyOnce Guarantee = "ExactlyOnce"
)

// Config bounds the manager.
type Config struct {
	Guarantee               Guarantee
	KeyStrategy             KeyStrategy
	MaxConcurrentDeliveries int64
	DeduplicationEnabled    bool
	AckRequired             bool
	Retry                   cdc.RetryPolicy
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Guarantee:               GuaranteeExactlyOnce,
		KeyStrategy:             KeyStrategyComposite,
		MaxConcurrentDeliveries: 64,
		DeduplicationEnabled:    true,
		AckRequired:             true,
		Retry:                   cdc.DefaultRetryPolicy(),
	}
}

// DeliveryResult reports the outcome of a delivery.
type DeliveryResult struct {
	Success           bool          `json:"success"`
	IsDuplicate       bool          `json:"is_duplicate"`
	DeliveryAttempts  int           `json:"delivery_attempts"`
	IdempotencyKey    string        `json:"idempotency_key,omitempty"`
	FailedEventCount  int           `json:"failed_event_count,omitempty"`
	FirstFailedOffset string        `json:"first_failed_offset,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	Duration          time.Duration `json:"duration"`
}

// SessionStatus is the live state of a delivery session.
type SessionStatus string

const (
	SessionDelivering SessionStatus = "Delivering"
	SessionSucceeded  SessionStatus = "Succeeded"
	SessionFailed     SessionStatus = "Failed"
)

// DeliverySession tracks one in-flight delivery.
type DeliverySession struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	EventID   string        `json:"event_id"`
	Publisher string        `json:"publisher"`
	StartedAt time.Time     `json:"started_at"`
	Attempts  int           `json:"attempts"`
	Status    SessionStatus `json:"status"`
}

// FailedDeliveryHandler receives events whose delivery exhausted its retry
// budget, together with the attempt count. The engine uses it for
// dead-lettering.
type FailedDeliveryHandler func(ctx context.Context, event *cdc.ChangeEvent, attempts int, lastErr error)

// Manager implements the exactly-once delivery discipline.
type Manager struct {
	cfg       Config
	idemStore stores.IdempotencyStore
	dedup     stores.DeduplicationStore
	acks      stores.AcknowledgmentStore
	logger    *logger.Logger
	admission *semaphore.Weighted

	onFailed FailedDeliveryHandler

	sessionMu sync.RWMutex
	sessions  map[string]*DeliverySession

	lockMu   sync.Mutex
	keyLocks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a delivery manager over the given stores. The dedup
// store may be nil when deduplication is disabled; the ack store may be nil
// when acknowledgments are not required.
func NewManager(cfg Config, idem stores.IdempotencyStore, dedup stores.DeduplicationStore, acks stores.AcknowledgmentStore, log *logger.Logger) *Manager {
	if cfg.MaxConcurrentDeliveries <= 0 {
		cfg.MaxConcurrentDeliveries = 64
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = cdc.DefaultRetryPolicy()
	}
	if cfg.Guarantee == "" {
		cfg.Guarantee = GuaranteeExactlyOnce
	}
	if cfg.KeyStrategy == "" {
		cfg.KeyStrategy = KeyStrategyComposite
	}
	return &Manager{
		cfg:       cfg,
		idemStore: idem,
		dedup:     dedup,
		acks:      acks,
		logger:    log,
		admission: semaphore.NewWeighted(cfg.MaxConcurrentDeliveries),
		sessions:  make(map[string]*DeliverySession),
		keyLocks:  make(map[string]*keyLock),
	}
}

// OnDeliveryFailed registers the terminal-failure handler.
func (m *Manager) OnDeliveryFailed(handler FailedDeliveryHandler) {
	m.onFailed = handler
}

// IdempotencyKey derives the configured key for an event.
func (m *Manager) IdempotencyKey(event *cdc.ChangeEvent) string {
	switch m.cfg.KeyStrategy {
	case KeyStrategyOffset:
		return strings.Join([]string{event.Source, event.Schema, event.Table, event.Offset}, ":")
	case KeyStrategyContentHash:
		return event.Fingerprint()
	default:
		payload := strings.Join([]string{
			event.Source,
			event.Schema,
			event.Table,
			string(event.Operation),
			event.Offset,
			event.TimestampUTC.UTC().Format(time.RFC3339Nano),
		}, "|")
		sum := sha256.Sum256([]byte(payload))
		return hex.EncodeToString(sum[:])
	}
}

// DeliverExactlyOnce delivers one event through the publisher under the
// configured guarantee. Concurrent calls sharing an idempotency key serialize
// on a per-key lock; the second caller observes the duplicate result.
func (m *Manager) DeliverExactlyOnce(ctx context.Context, event *cdc.ChangeEvent, publisher cdc.Publisher) (*DeliveryResult, error) {
	start := time.Now()
	key := m.IdempotencyKey(event)

	unlock := m.lockKey(key)
	defer unlock()

	result := &DeliveryResult{IdempotencyKey: key}

	if m.cfg.Guarantee == GuaranteeExactlyOnce {
		if dup := m.isDuplicate(ctx, key, event); dup {
			result.Success = true
			result.IsDuplicate = true
			result.DeliveryAttempts = 1
			result.Duration = time.Since(start)
			return result, nil
		}
	}

	if err := m.admission.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire delivery slot: %w", err)
	}
	defer m.admission.Release(1)

	session := m.openSession(key, event, publisher)
	defer m.closeSession(session.ID)

	attempts, lastErr := m.publishWithRetry(ctx, session, event, publisher)
	result.DeliveryAttempts = attempts
	result.Duration = time.Since(start)

	if lastErr != nil {
		// Terminal failure: the idempotency record is NOT stored so a future
		// replay may retry the event.
		session.Status = SessionFailed
		result.LastError = lastErr.Error()
		m.recordAck(ctx, key, stores.AckFailed, attempts, lastErr.Error())
		if m.onFailed != nil {
			m.onFailed(ctx, event, attempts, lastErr)
		}
		return result, nil
	}

	session.Status = SessionSucceeded
	result.Success = true

	if m.cfg.Guarantee == GuaranteeExactlyOnce {
		m.storeDeliveryMarkers(ctx, key, event)
	}
	m.recordAck(ctx, key, stores.AckAcknowledged, attempts, "")
	return result, nil
}

// DeliverGroupExactlyOnce delivers every event of a transactional group.
// Group success requires all events succeed; the group is duplicate only when
// every event is a duplicate. On partial failure the result carries the
// failed count and the first failed offset, and the source offset must not
// advance past it.
func (m *Manager) DeliverGroupExactlyOnce(ctx context.Context, group *txgroup.TransactionalGroup, publisher cdc.Publisher) (*DeliveryResult, error) {
	start := time.Now()
	result := &DeliveryResult{IsDuplicate: len(group.Events) > 0}

	for _, event := range group.Events {
		eventResult, err := m.DeliverExactlyOnce(ctx, event, publisher)
		if err != nil {
			return nil, err
		}
		result.DeliveryAttempts += eventResult.DeliveryAttempts
		if !eventResult.IsDuplicate {
			result.IsDuplicate = false
		}
		if !eventResult.Success {
			result.FailedEventCount++
			if result.FirstFailedOffset == "" {
				result.FirstFailedOffset = event.Offset
			}
			result.LastError = eventResult.LastError
		}
	}

	result.Success = result.FailedEventCount == 0
	result.Duration = time.Since(start)
	return result, nil
}

// Acknowledge records a delivery outcome for an idempotency key.
func (m *Manager) Acknowledge(ctx context.Context, key string, ack *stores.AcknowledgmentRecord) error {
	if m.acks == nil {
		return nil
	}
	ack.Key = key
	if ack.Timestamp.IsZero() {
		ack.Timestamp = time.Now().UTC()
	}
	if err := m.acks.Put(ctx, ack); err != nil {
		return fmt.Errorf("failed to store acknowledgment for %s: %w", key, err)
	}
	return nil
}

// GetDeliveryStatus returns the acknowledgment for an idempotency key, or
// nil when none is recorded.
func (m *Manager) GetDeliveryStatus(ctx context.Context, key string) (*stores.AcknowledgmentRecord, error) {
	if m.acks == nil {
		return nil, nil
	}
	return m.acks.Get(ctx, key)
}

// ActiveSessions returns a snapshot of in-flight delivery sessions.
func (m *Manager) ActiveSessions() []DeliverySession {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()
	out := make([]DeliverySession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

func (m *Manager) publishWithRetry(ctx context.Context, session *DeliverySession, event *cdc.ChangeEvent, publisher cdc.Publisher) (int, error) {
	maxAttempts := m.cfg.Retry.MaxAttempts
	if m.cfg.Guarantee == GuaranteeAtMostOnce {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		session.Attempts = attempt
		err := publisher.Publish(ctx, event)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if m.logger != nil {
			m.logger.Warnf("Delivery attempt %d/%d failed for event %s via %s: %v",
				attempt, maxAttempts, event.ID, publisher.Name(), err)
		}
		if !cdc.IsTransient(err) || attempt == maxAttempts {
			break
		}
		if waitErr := m.cfg.Retry.Wait(ctx, attempt); waitErr != nil {
			return attempt, fmt.Errorf("%w: %v (after %v)", cdc.ErrDeliveryFailed, lastErr, waitErr)
		}
	}
	return session.Attempts, fmt.Errorf("%w: %v", cdc.ErrDeliveryFailed, lastErr)
}

// isDuplicate checks the idempotency and dedup stores. Store read errors are
// fail-open: a duplicate delivery is preferable to message loss.
func (m *Manager) isDuplicate(ctx context.Context, key string, event *cdc.ChangeEvent) bool {
	if m.idemStore != nil {
		record, err := m.idemStore.Get(ctx, key)
		if err != nil {
			if m.logger != nil {
				m.logger.Warnf("Idempotency lookup failed for %s, continuing: %v", key, err)
			}
		} else if record != nil {
			return true
		}
	}
	if m.cfg.DeduplicationEnabled && m.dedup != nil {
		seen, err := m.dedup.Contains(ctx, event.Fingerprint())
		if err != nil {
			if m.logger != nil {
				m.logger.Warnf("Dedup lookup failed for event %s, continuing: %v", event.ID, err)
			}
			return false
		}
		return seen
	}
	return false
}

// storeDeliveryMarkers records the idempotency key and content hash after a
// successful delivery. Both writes are fail-open.
func (m *Manager) storeDeliveryMarkers(ctx context.Context, key string, event *cdc.ChangeEvent) {
	if m.idemStore != nil {
		record := &stores.IdempotencyRecord{
			Key:         key,
			EventDigest: event.Fingerprint(),
			StoredAt:    time.Now().UTC(),
		}
		if err := m.idemStore.Put(ctx, record); err != nil && m.logger != nil {
			m.logger.Warnf("Failed to store idempotency record %s: %v", key, err)
		}
	}
	if m.cfg.DeduplicationEnabled && m.dedup != nil {
		if err := m.dedup.Add(ctx, event.Fingerprint()); err != nil && m.logger != nil {
			m.logger.Warnf("Failed to store dedup hash for event %s: %v", event.ID, err)
		}
	}
}

func (m *Manager) recordAck(ctx context.Context, key string, status stores.AckStatus, attempts int, errMsg string) {
	if !m.cfg.AckRequired || m.acks == nil {
		return
	}
	ack := &stores.AcknowledgmentRecord{
		Key:          key,
		Status:       status,
		Attempts:     attempts,
		Timestamp:    time.Now().UTC(),
		ErrorMessage: errMsg,
	}
	if err := m.acks.Put(ctx, ack); err != nil && m.logger != nil {
		// Fail-open: the next startup relies on the idempotency record alone.
		m.logger.Warnf("Failed to store acknowledgment for %s: %v", key, err)
	}
}

func (m *Manager) openSession(key string, event *cdc.ChangeEvent, publisher cdc.Publisher) *DeliverySession {
	session := &DeliverySession{
		ID:        uuid.New().String(),
		Key:       key,
		EventID:   event.ID,
		Publisher: publisher.Name(),
		StartedAt: time.Now().UTC(),
		Status:    SessionDelivering,
	}
	m.sessionMu.Lock()
	m.sessions[session.ID] = session
	m.sessionMu.Unlock()
	return session
}

func (m *Manager) closeSession(id string) {
	m.sessionMu.Lock()
	delete(m.sessions, id)
	m.sessionMu.Unlock()
}

// lockKey serializes deliveries that share an idempotency key. Locks are
// reference counted so the registry does not grow with the key space.
func (m *Manager) lockKey(key string) func() {
	m.lockMu.Lock()
	kl, ok := m.keyLocks[key]
	if !ok {
		kl = &keyLock{}
		m.keyLocks[key] = kl
	}
	kl.refs++
	m.lockMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		m.lockMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(m.keyLocks, key)
		}
		m.lockMu.Unlock()
	}
}

// SessionSnapshotJSON renders the active sessions for diagnostics endpoints.
func (m *Manager) SessionSnapshotJSON() ([]byte, error) {
	return json.Marshal(m.ActiveSessions())
}
