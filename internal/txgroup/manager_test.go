package txgroup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TimeoutInterval = 10 * time.Millisecond
	cfg.CleanupInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg, NewMemoryGroupStore(), nil)
}

func insertEvent(offset string) *cdc.ChangeEvent {
	event := cdc.NewChangeEvent("src-A", "public", "users", cdc.OperationInsert, offset)
	event.After = map[string]interface{}{"id": offset}
	return event
}

func TestStartAddCommitLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	group, err := m.Start(ctx, "T1", "src-A", "tenant-1", 60)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, group.Status)
	assert.Equal(t, uint64(1), group.SequenceNumber)

	require.NoError(t, m.AddEvent(ctx, "T1", insertEvent("1")))
	require.NoError(t, m.AddEvent(ctx, "T1", insertEvent("2")))

	committed, err := m.Commit(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, StatusPreparing, committed.Status)
	assert.Equal(t, 2, committed.EventCount())

	require.NoError(t, m.MarkDelivering(ctx, "T1"))
	require.NoError(t, m.MarkCommitted(ctx, "T1"))

	final, err := m.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, final.Status)
	assert.True(t, final.IsTerminal())
	assert.Greater(t, final.Duration(), time.Duration(0))
}

func TestSequenceNumbersAreMonotonic(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	var last uint64
	for i := 0; i < 5; i++ {
		group, err := m.Start(ctx, fmt.Sprintf("T%d", i), "src-A", "", 60)
		require.NoError(t, err)
		assert.Greater(t, group.SequenceNumber, last)
		last = group.SequenceNumber
	}
}

func TestAddEventRejectedWhenNotActive(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	_, err := m.Start(ctx, "T1", "src-A", "", 60)
	require.NoError(t, err)
	require.NoError(t, m.AddEvent(ctx, "T1", insertEvent("1")))

	_, err = m.Commit(ctx, "T1")
	require.NoError(t, err)

	err = m.AddEvent(ctx, "T1", insertEvent("2"))
	assert.ErrorIs(t, err, cdc.ErrTransactionNotActive)
}

func TestMaxEventsPerTransaction(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, func(cfg *Config) {
		cfg.MaxEventsPerTransaction = 3
	})

	_, err := m.Start(ctx, "T1", "src-A", "", 60)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.AddEvent(ctx, "T1", insertEvent(fmt.Sprintf("%d", i))))
	}
	err = m.AddEvent(ctx, "T1", insertEvent("3"))
	assert.ErrorIs(t, err, cdc.ErrTransactionLimit)
}

func TestMaxConcurrentTransactions(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, func(cfg *Config) {
		cfg.MaxConcurrentTransactions = 2
	})

	_, err := m.Start(ctx, "T1", "src-A", "", 60)
	require.NoError(t, err)
	_, err = m.Start(ctx, "T2", "src-A", "", 60)
	require.NoError(t, err)

	_, err = m.Start(ctx, "T3", "src-A", "", 60)
	assert.ErrorIs(t, err, cdc.ErrTransactionLimit)
}

func TestChecksumRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	_, err := m.Start(ctx, "T1", "src-A", "", 60)
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		require.NoError(t, m.AddEvent(ctx, "T1", insertEvent(fmt.Sprintf("%d", i))))
	}

	group, err := m.Get(ctx, "T1")
	require.NoError(t, err)

	independent, err := ComputeChecksum(group, ChecksumSHA256)
	require.NoError(t, err)
	assert.Equal(t, group.Checksum, independent)

	// Reordering events must change the digest.
	mutated := group.Clone()
	mutated.Events[0], mutated.Events[1] = mutated.Events[1], mutated.Events[0]
	reordered, err := ComputeChecksum(mutated, ChecksumSHA256)
	require.NoError(t, err)
	assert.NotEqual(t, independent, reordered)
}

func TestCommitRejectsTamperedGroup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGroupStore()
	cfg := DefaultConfig()
	m := NewManager(cfg, store, nil)

	_, err := m.Start(ctx, "T1", "src-A", "", 60)
	require.NoError(t, err)
	require.NoError(t, m.AddEvent(ctx, "T1", insertEvent("1")))

	// Mutate the stored group behind the manager's back.
	group, err := store.Get(ctx, "T1")
	require.NoError(t, err)
	group.Events = append(group.Events, insertEvent("999"))
	require.NoError(t, store.Put(ctx, group))

	_, err = m.Commit(ctx, "T1")
	assert.ErrorIs(t, err, cdc.ErrChecksumMismatch)

	// The group stays Active; the stored checksum remains authoritative.
	after, err := m.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, after.Status)
}

func TestChecksumAlgorithms(t *testing.T) {
	group := &TransactionalGroup{
		TransactionID:  "T1",
		Source:         "src-A",
		SequenceNumber: 7,
		Events:         []*cdc.ChangeEvent{insertEvent("1"), insertEvent("2")},
	}

	seen := make(map[string]bool)
	for _, algo := range []ChecksumAlgorithm{ChecksumMD5, ChecksumSHA1, ChecksumSHA256, ChecksumSHA512} {
		sum, err := ComputeChecksum(group, algo)
		require.NoError(t, err)
		assert.NotEmpty(t, sum)
		assert.False(t, seen[sum], "digest collision between algorithms")
		seen[sum] = true
	}

	_, err := ComputeChecksum(group, ChecksumAlgorithm("CRC32"))
	assert.Error(t, err)
}

func TestTimeoutSweeperRollsBackExpiredGroups(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	_, err := m.Start(ctx, "T1", "src-A", "", 1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, m.AddEvent(ctx, "T1", insertEvent(fmt.Sprintf("%d", i))))
	}

	// Not yet expired.
	n, err := m.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Backdate the start so the group is past its 1s timeout.
	group, err := m.Get(ctx, "T1")
	require.NoError(t, err)
	group.StartTimestamp = time.Now().UTC().Add(-2 * time.Second)
	require.NoError(t, m.store.Put(ctx, group))

	n, err = m.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	timedOut, err := m.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, timedOut.Status)
	assert.Equal(t, TimeoutRollbackReason, timedOut.RollbackReason)
}

func TestCleanupRemovesExpiredTerminalGroups(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, func(cfg *Config) {
		cfg.RetentionDays = 1
	})

	_, err := m.Start(ctx, "T1", "src-A", "", 60)
	require.NoError(t, err)
	require.NoError(t, m.Rollback(ctx, "T1", "test"))

	// Fresh terminal group survives.
	removed, err := m.CleanupCompleted(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	group, err := m.Get(ctx, "T1")
	require.NoError(t, err)
	group.EndTimestamp = time.Now().UTC().AddDate(0, 0, -2)
	require.NoError(t, m.store.Put(ctx, group))

	removed, err = m.CleanupCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.Get(ctx, "T1")
	assert.ErrorIs(t, err, cdc.ErrTransactionNotFound)
}

func TestTransitionsIdempotentUnderReplay(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	_, err := m.Start(ctx, "T1", "src-A", "", 60)
	require.NoError(t, err)
	require.NoError(t, m.AddEvent(ctx, "T1", insertEvent("1")))

	_, err = m.Commit(ctx, "T1")
	require.NoError(t, err)
	_, err = m.Commit(ctx, "T1")
	require.NoError(t, err, "replayed Commit must be a no-op")

	require.NoError(t, m.MarkDelivering(ctx, "T1"))
	require.NoError(t, m.MarkDelivering(ctx, "T1"))
	require.NoError(t, m.MarkCommitted(ctx, "T1"))
	require.NoError(t, m.MarkCommitted(ctx, "T1"))

	assert.ErrorIs(t, m.Rollback(ctx, "missing", "x"), cdc.ErrTransactionNotFound)
}

func TestRetryTransition(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	_, err := m.Start(ctx, "T1", "src-A", "", 60)
	require.NoError(t, err)
	require.NoError(t, m.AddEvent(ctx, "T1", insertEvent("1")))
	_, err = m.Commit(ctx, "T1")
	require.NoError(t, err)
	require.NoError(t, m.MarkDelivering(ctx, "T1"))

	require.NoError(t, m.RecordDeliveryAttempt(ctx, "T1", DeliveryAttempt{
		Number: 1, Timestamp: time.Now(), Success: false, Error: "sink unavailable",
	}))
	require.NoError(t, m.ScheduleRetry(ctx, "T1"))

	group, err := m.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, group.Status)
	assert.Equal(t, 1, group.RetryCount)
	require.Len(t, group.DeliveryAttempts, 1)

	require.NoError(t, m.MarkDelivering(ctx, "T1"))
	require.NoError(t, m.MarkCommitted(ctx, "T1"))
}
