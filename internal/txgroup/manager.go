package txgroup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redbco/redb-cdc/pkg/cdc"
	"github.com/redbco/redb-cdc/pkg/logger"
)

// TimeoutRollbackReason is recorded on groups rolled back by the timeout
// sweeper.
const TimeoutRollbackReason = "Transaction timeout"

// Config bounds the manager.
type Config struct {
	MaxConcurrentTransactions int
	DefaultTimeout            time.Duration
	MaxEventsPerTransaction   int
	RetentionDays             int
	CleanupInterval           time.Duration
	TimeoutInterval           time.Duration
	EnableChecksums           bool
	ChecksumAlgorithm         ChecksumAlgorithm
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTransactions: 100,
		DefaultTimeout:            300 * time.Second,
		MaxEventsPerTransaction:   10000,
		RetentionDays:             7,
		CleanupInterval:           time.Hour,
		TimeoutInterval:           time.Minute,
		EnableChecksums:           true,
		ChecksumAlgorithm:         ChecksumSHA256,
	}
}

// Manager owns the lifecycle of transactional groups: creation, event
// aggregation, checksum validation, delivery bookkeeping and the timeout and
// cleanup sweepers.
type Manager struct {
	cfg    Config
	store  GroupStore
	logger *logger.Logger

	mu       sync.Mutex
	sequence uint64

	sweepWg     sync.WaitGroup
	sweepCancel context.CancelFunc
}

// NewManager creates a manager backed by the given store.
func NewManager(cfg Config, store GroupStore, log *logger.Logger) *Manager {
	if cfg.MaxConcurrentTransactions <= 0 {
		cfg.MaxConcurrentTransactions = 100
	}
	if cfg.MaxEventsPerTransaction <= 0 {
		cfg.MaxEventsPerTransaction = 10000
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 300 * time.Second
	}
	if cfg.ChecksumAlgorithm == "" {
		cfg.ChecksumAlgorithm = ChecksumSHA256
	}
	return &Manager{cfg: cfg, store: store, logger: log}
}

// Start opens a new group for a source-side transaction. The zero
// timeoutSeconds inherits the configured default.
func (m *Manager) Start(ctx context.Context, transactionID, source, tenantID string, timeoutSeconds int) (*TransactionalGroup, error) {
	if transactionID == "" {
		return nil, cdc.NewValidationError("transaction", "transaction id is required", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.Get(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction %s: %w", transactionID, err)
	}
	if existing != nil {
		// Idempotent under replay: re-starting an active transaction returns
		// the existing group.
		if existing.Status == StatusActive {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: transaction %s already exists with status %s",
			cdc.ErrTransactionNotActive, transactionID, existing.Status)
	}

	active, err := m.store.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count active transactions: %w", err)
	}
	if active >= m.cfg.MaxConcurrentTransactions {
		return nil, fmt.Errorf("%w: %d active transactions", cdc.ErrTransactionLimit, active)
	}

	if timeoutSeconds <= 0 {
		timeoutSeconds = int(m.cfg.DefaultTimeout / time.Second)
	}

	group := &TransactionalGroup{
		TransactionID:  transactionID,
		Source:         source,
		TenantID:       tenantID,
		StartTimestamp: time.Now().UTC(),
		SequenceNumber: atomic.AddUint64(&m.sequence, 1),
		Status:         StatusActive,
		TimeoutSeconds: timeoutSeconds,
	}
	if err := m.refreshChecksum(group); err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, group); err != nil {
		return nil, fmt.Errorf("failed to persist transaction %s: %w", transactionID, err)
	}
	return group, nil
}

// AddEvent appends an event to an Active group and recomputes the checksum.
func (m *Manager) AddEvent(ctx context.Context, transactionID string, event *cdc.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, err := m.load(ctx, transactionID)
	if err != nil {
		return err
	}
	if group.Status != StatusActive {
		return fmt.Errorf("%w: transaction %s is %s", cdc.ErrTransactionNotActive, transactionID, group.Status)
	}
	if len(group.Events) >= m.cfg.MaxEventsPerTransaction {
		return fmt.Errorf("%w: transaction %s holds %d events",
			cdc.ErrTransactionLimit, transactionID, len(group.Events))
	}

	group.Events = append(group.Events, event)
	if err := m.refreshChecksum(group); err != nil {
		return err
	}
	if err := m.store.Put(ctx, group); err != nil {
		return fmt.Errorf("failed to persist transaction %s: %w", transactionID, err)
	}
	return nil
}

// Commit validates the group checksum and moves it to Preparing. The caller
// hands the returned group to the delivery path. A checksum mismatch rejects
// the commit and leaves the group Active, keeping the stored checksum
// authoritative.
func (m *Manager) Commit(ctx context.Context, transactionID string) (*TransactionalGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, err := m.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	switch group.Status {
	case StatusActive:
	case StatusPreparing:
		// Idempotent replay of Commit.
		return group, nil
	default:
		return nil, fmt.Errorf("%w: transaction %s is %s", cdc.ErrTransactionNotActive, transactionID, group.Status)
	}

	if m.cfg.EnableChecksums {
		computed, err := ComputeChecksum(group, m.cfg.ChecksumAlgorithm)
		if err != nil {
			return nil, err
		}
		if computed != group.Checksum {
			return nil, fmt.Errorf("%w: transaction %s: stored %s, computed %s",
				cdc.ErrChecksumMismatch, transactionID, group.Checksum, computed)
		}
	}

	group.Status = StatusPreparing
	if err := m.store.Put(ctx, group); err != nil {
		return nil, fmt.Errorf("failed to persist transaction %s: %w", transactionID, err)
	}
	return group, nil
}

// Rollback terminates a group with the given reason.
func (m *Manager) Rollback(ctx context.Context, transactionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, err := m.load(ctx, transactionID)
	if err != nil {
		return err
	}
	if group.Status == StatusRolledBack {
		return nil
	}
	if group.IsTerminal() {
		return fmt.Errorf("%w: transaction %s is %s", cdc.ErrTransactionNotActive, transactionID, group.Status)
	}

	group.Status = StatusRolledBack
	group.RollbackReason = reason
	group.EndTimestamp = time.Now().UTC()
	if err := m.store.Put(ctx, group); err != nil {
		return fmt.Errorf("failed to persist transaction %s: %w", transactionID, err)
	}
	if m.logger != nil {
		m.logger.Infof("Rolled back transaction %s: %s", transactionID, reason)
	}
	return nil
}

// Get returns the group for a transaction id.
func (m *Manager) Get(ctx context.Context, transactionID string) (*TransactionalGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx, transactionID)
}

// GetByStatus returns all groups with the given status.
func (m *Manager) GetByStatus(ctx context.Context, status GroupStatus) ([]*TransactionalGroup, error) {
	return m.store.ListByStatus(ctx, status)
}

// MarkDelivering moves a Preparing or Retrying group to Delivering.
func (m *Manager) MarkDelivering(ctx context.Context, transactionID string) error {
	return m.transition(ctx, transactionID, StatusDelivering, func(g *TransactionalGroup) error {
		if g.Status != StatusPreparing && g.Status != StatusRetrying {
			return fmt.Errorf("%w: transaction %s is %s", cdc.ErrTransactionNotActive, transactionID, g.Status)
		}
		g.Status = StatusDelivering
		return nil
	})
}

// MarkCommitted terminates a Delivering group successfully.
func (m *Manager) MarkCommitted(ctx context.Context, transactionID string) error {
	return m.transition(ctx, transactionID, StatusCommitted, func(g *TransactionalGroup) error {
		if g.Status != StatusDelivering {
			return fmt.Errorf("%w: transaction %s is %s", cdc.ErrTransactionNotActive, transactionID, g.Status)
		}
		g.Status = StatusCommitted
		g.EndTimestamp = time.Now().UTC()
		return nil
	})
}

// MarkFailed terminates a Delivering group after delivery exhausted its
// retries.
func (m *Manager) MarkFailed(ctx context.Context, transactionID, lastError string) error {
	return m.transition(ctx, transactionID, StatusFailed, func(g *TransactionalGroup) error {
		g.Status = StatusFailed
		g.LastError = lastError
		g.EndTimestamp = time.Now().UTC()
		return nil
	})
}

// ScheduleRetry moves a Delivering group to Retrying and bumps its retry
// count.
func (m *Manager) ScheduleRetry(ctx context.Context, transactionID string) error {
	return m.transition(ctx, transactionID, StatusRetrying, func(g *TransactionalGroup) error {
		if g.Status != StatusDelivering && g.Status != StatusFailed {
			return fmt.Errorf("%w: transaction %s is %s", cdc.ErrTransactionNotActive, transactionID, g.Status)
		}
		g.Status = StatusRetrying
		g.RetryCount++
		g.EndTimestamp = time.Time{}
		g.LastError = ""
		return nil
	})
}

// RecordDeliveryAttempt appends a delivery attempt to the group history.
func (m *Manager) RecordDeliveryAttempt(ctx context.Context, transactionID string, attempt DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, err := m.load(ctx, transactionID)
	if err != nil {
		return err
	}
	group.DeliveryAttempts = append(group.DeliveryAttempts, attempt)
	if !attempt.Success {
		group.LastError = attempt.Error
	}
	if err := m.store.Put(ctx, group); err != nil {
		return fmt.Errorf("failed to persist transaction %s: %w", transactionID, err)
	}
	return nil
}

// ProcessTimeouts rolls back Active groups that outlived their timeout and
// returns how many were rolled back.
func (m *Manager) ProcessTimeouts(ctx context.Context) (int, error) {
	active, err := m.store.ListByStatus(ctx, StatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to list active transactions: %w", err)
	}

	now := time.Now().UTC()
	expired := 0
	for _, group := range active {
		if !group.Expired(now) {
			continue
		}
		if err := m.rollbackWithStatus(ctx, group.TransactionID, StatusTimeout, TimeoutRollbackReason); err != nil {
			if m.logger != nil {
				m.logger.Errorf("Failed to time out transaction %s: %v", group.TransactionID, err)
			}
			continue
		}
		expired++
	}
	return expired, nil
}

// CleanupCompleted removes terminal groups older than the retention window
// and returns how many were removed.
func (m *Manager) CleanupCompleted(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)
	removed, err := m.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up transactions: %w", err)
	}
	return removed, nil
}

// StartSweepers launches the timeout and cleanup sweepers. They stop when
// StopSweepers is called or ctx is cancelled.
func (m *Manager) StartSweepers(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	m.sweepCancel = cancel

	timeoutInterval := m.cfg.TimeoutInterval
	if timeoutInterval <= 0 {
		timeoutInterval = time.Minute
	}
	cleanupInterval := m.cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}

	m.sweepWg.Add(2)
	go m.sweep(sweepCtx, timeoutInterval, func(ctx context.Context) {
		if n, err := m.ProcessTimeouts(ctx); err == nil && n > 0 && m.logger != nil {
			m.logger.Warnf("Timed out %d transactions", n)
		}
	})
	go m.sweep(sweepCtx, cleanupInterval, func(ctx context.Context) {
		if n, err := m.CleanupCompleted(ctx); err == nil && n > 0 && m.logger != nil {
			m.logger.Infof("Cleaned up %d completed transactions", n)
		}
	})
}

// StopSweepers stops the sweepers and waits for them to exit.
func (m *Manager) StopSweepers() {
	if m.sweepCancel != nil {
		m.sweepCancel()
	}
	m.sweepWg.Wait()
}

// ActiveCount returns the number of non-terminal groups in the store.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	return m.store.CountActive(ctx)
}

func (m *Manager) sweep(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer m.sweepWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Manager) load(ctx context.Context, transactionID string) (*TransactionalGroup, error) {
	group, err := m.store.Get(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction %s: %w", transactionID, err)
	}
	if group == nil {
		return nil, fmt.Errorf("%w: %s", cdc.ErrTransactionNotFound, transactionID)
	}
	return group, nil
}

func (m *Manager) transition(ctx context.Context, transactionID string, target GroupStatus, apply func(*TransactionalGroup) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, err := m.load(ctx, transactionID)
	if err != nil {
		return err
	}
	// Transitions are idempotent under replay.
	if group.Status == target {
		return nil
	}
	if err := apply(group); err != nil {
		return err
	}
	if err := m.store.Put(ctx, group); err != nil {
		return fmt.Errorf("failed to persist transaction %s: %w", transactionID, err)
	}
	return nil
}

func (m *Manager) rollbackWithStatus(ctx context.Context, transactionID string, status GroupStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, err := m.load(ctx, transactionID)
	if err != nil {
		return err
	}
	if group.Status == status {
		return nil
	}
	group.Status = status
	group.RollbackReason = reason
	group.EndTimestamp = time.Now().UTC()
	if err := m.store.Put(ctx, group); err != nil {
		return fmt.Errorf("failed to persist transaction %s: %w", transactionID, err)
	}
	return nil
}

func (m *Manager) refreshChecksum(group *TransactionalGroup) error {
	if !m.cfg.EnableChecksums {
		return nil
	}
	checksum, err := ComputeChecksum(group, m.cfg.ChecksumAlgorithm)
	if err != nil {
		return err
	}
	group.Checksum = checksum
	return nil
}
