package exactlyonce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-cdc/internal/stores"
	"github.com/redbco/redb-cdc/internal/stores/memory"
	"github.com/redbco/redb-cdc/internal/txgroup"
	"github.com/redbco/redb-cdc/pkg/cdc"
)

// capturingPublisher records published events and can be scripted to fail the
// first N attempts per event.
type capturingPublisher struct {
	mu           sync.Mutex
	published    []*cdc.ChangeEvent
	failFirst    int
	attempts     map[string]int
	failOffsets  map[string]bool
	failWithAuth bool
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{attempts: make(map[string]int), failOffsets: make(map[string]bool)}
}

func (p *capturingPublisher) Name() string        { return "capture" }
func (p *capturingPublisher) Destination() string { return "test://sink" }
func (p *capturingPublisher) Health() cdc.HealthStatus {
	return cdc.HealthStatus{Healthy: true, State: "running"}
}
func (p *capturingPublisher) Close(ctx context.Context) error { return nil }

func (p *capturingPublisher) Publish(ctx context.Context, event *cdc.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[event.ID]++
	if p.failWithAuth {
		return cdc.ErrAuthenticationFailed
	}
	if p.failOffsets[event.Offset] {
		return errors.New("sink rejected event")
	}
	if p.attempts[event.ID] <= p.failFirst {
		return errors.New("sink temporarily unavailable")
	}
	p.published = append(p.published, event)
	return nil
}

func (p *capturingPublisher) PublishBatch(ctx context.Context, events []*cdc.ChangeEvent) (*cdc.BatchResult, error) {
	result := &cdc.BatchResult{}
	for _, event := range events {
		if err := p.Publish(ctx, event); err != nil {
			result.Failed = append(result.Failed, cdc.FailedEvent{EventID: event.ID, Offset: event.Offset, Err: err})
			continue
		}
		result.Published++
	}
	return result, nil
}

func (p *capturingPublisher) publishedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func fastRetry() cdc.RetryPolicy {
	return cdc.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2.0}
}

func newTestManager(cfg Config) *Manager {
	idem := memory.NewIdempotencyStore(time.Hour, 1000)
	dedup := memory.NewDeduplicationStore(time.Hour, 1000)
	acks := memory.NewAcknowledgmentStore(time.Hour)
	return NewManager(cfg, idem, dedup, acks, nil)
}

func testEvent(offset string) *cdc.ChangeEvent {
	event := cdc.NewChangeEvent("src-A", "public", "users", cdc.OperationInsert, offset)
	event.After = map[string]interface{}{"id": offset, "name": "Alice"}
	return event
}

func TestDeliverySuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	m := newTestManager(cfg)
	pub := newCapturingPublisher()

	result, err := m.DeliverExactlyOnce(context.Background(), testEvent("1"), pub)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.IsDuplicate)
	assert.Equal(t, 1, result.DeliveryAttempts)
	assert.Equal(t, 1, pub.publishedCount())
	assert.NotEmpty(t, result.IdempotencyKey)
}

func TestRestartDuplicateSkipsPublisher(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	m := newTestManager(cfg)
	pub := newCapturingPublisher()
	ctx := context.Background()

	event := testEvent("1")
	first, err := m.DeliverExactlyOnce(ctx, event, pub)
	require.NoError(t, err)
	require.True(t, first.Success)

	// Same offset re-emitted after a restart: the replayed event is a fresh
	// object with the same identifying fields.
	replayed := event.Clone()
	second, err := m.DeliverExactlyOnce(ctx, replayed, pub)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, 1, second.DeliveryAttempts)
	assert.Equal(t, 1, pub.publishedCount(), "publisher must not be invoked again")
}

func TestRetryThenSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	m := newTestManager(cfg)
	pub := newCapturingPublisher()
	pub.failFirst = 2

	result, err := m.DeliverExactlyOnce(context.Background(), testEvent("7"), pub)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.IsDuplicate)
	assert.Equal(t, 3, result.DeliveryAttempts)

	// Idempotency record stored on success.
	status, err := m.GetDeliveryStatus(context.Background(), result.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, stores.AckAcknowledged, status.Status)
	assert.Equal(t, 3, status.Attempts)
}

func TestTerminalFailureDoesNotStoreIdempotencyRecord(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	m := newTestManager(cfg)

	pub := newCapturingPublisher()
	pub.failFirst = 10

	var failedEvents int
	m.OnDeliveryFailed(func(ctx context.Context, event *cdc.ChangeEvent, attempts int, lastErr error) {
		failedEvents++
	})

	event := testEvent("9")
	result, err := m.DeliverExactlyOnce(context.Background(), event, pub)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.DeliveryAttempts)
	assert.NotEmpty(t, result.LastError)
	assert.Equal(t, 1, failedEvents)

	// Future replay may retry: the next delivery is not treated as duplicate.
	pub.failFirst = 0
	pub.attempts = map[string]int{}
	retry, err := m.DeliverExactlyOnce(context.Background(), event.Clone(), pub)
	require.NoError(t, err)
	assert.True(t, retry.Success)
	assert.False(t, retry.IsDuplicate)
}

func TestNonTransientErrorShortCircuitsRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	m := newTestManager(cfg)
	pub := newCapturingPublisher()
	pub.failWithAuth = true

	result, err := m.DeliverExactlyOnce(context.Background(), testEvent("1"), pub)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.DeliveryAttempts)
}

func TestAtMostOnceSingleAttempt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Guarantee = GuaranteeAtMostOnce
	cfg.Retry = fastRetry()
	m := newTestManager(cfg)
	pub := newCapturingPublisher()
	pub.failFirst = 1

	result, err := m.DeliverExactlyOnce(context.Background(), testEvent("1"), pub)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.DeliveryAttempts)
}

func TestAtLeastOnceSkipsDuplicateChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Guarantee = GuaranteeAtLeastOnce
	cfg.Retry = fastRetry()
	m := newTestManager(cfg)
	pub := newCapturingPublisher()
	ctx := context.Background()

	event := testEvent("1")
	_, err := m.DeliverExactlyOnce(ctx, event, pub)
	require.NoError(t, err)
	second, err := m.DeliverExactlyOnce(ctx, event.Clone(), pub)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.False(t, second.IsDuplicate)
	assert.Equal(t, 2, pub.publishedCount())
}

func TestConcurrentSameKeySerializes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	m := newTestManager(cfg)
	pub := newCapturingPublisher()
	ctx := context.Background()

	event := testEvent("1")
	const callers = 8
	results := make([]*DeliveryResult, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := m.DeliverExactlyOnce(ctx, event.Clone(), pub)
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	duplicates := 0
	for _, result := range results {
		require.NotNil(t, result)
		assert.True(t, result.Success)
		if result.IsDuplicate {
			duplicates++
		}
	}
	assert.Equal(t, callers-1, duplicates, "exactly one caller performs the delivery")
	assert.Equal(t, 1, pub.publishedCount())
}

func TestGroupDelivery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	m := newTestManager(cfg)
	pub := newCapturingPublisher()
	ctx := context.Background()

	group := &txgroup.TransactionalGroup{
		TransactionID: "T1",
		Source:        "src-A",
		Events:        []*cdc.ChangeEvent{testEvent("1"), testEvent("2"), testEvent("3")},
	}

	result, err := m.DeliverGroupExactlyOnce(ctx, group, pub)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.IsDuplicate)
	assert.Zero(t, result.FailedEventCount)
	assert.Equal(t, 3, pub.publishedCount())

	// Replaying the whole group yields an all-duplicate result.
	replay, err := m.DeliverGroupExactlyOnce(ctx, group, pub)
	require.NoError(t, err)
	assert.True(t, replay.Success)
	assert.True(t, replay.IsDuplicate)
	assert.Equal(t, 3, pub.publishedCount())
}

func TestGroupPartialFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	m := newTestManager(cfg)
	pub := newCapturingPublisher()
	pub.failOffsets["2"] = true
	ctx := context.Background()

	group := &txgroup.TransactionalGroup{
		TransactionID: "T1",
		Source:        "src-A",
		Events:        []*cdc.ChangeEvent{testEvent("1"), testEvent("2"), testEvent("3")},
	}

	result, err := m.DeliverGroupExactlyOnce(ctx, group, pub)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.FailedEventCount)
	assert.Equal(t, "2", result.FirstFailedOffset)
	assert.NotEmpty(t, result.LastError)
}

func TestKeyStrategies(t *testing.T) {
	event := testEvent("42")

	offsetKey := NewManager(Config{KeyStrategy: KeyStrategyOffset}, nil, nil, nil, nil).IdempotencyKey(event)
	assert.Equal(t, "src-A:public:users:42", offsetKey)

	contentKey := NewManager(Config{KeyStrategy: KeyStrategyContentHash}, nil, nil, nil, nil).IdempotencyKey(event)
	assert.Equal(t, event.Fingerprint(), contentKey)

	compositeKey := NewManager(Config{KeyStrategy: KeyStrategyComposite}, nil, nil, nil, nil).IdempotencyKey(event)
	assert.Len(t, compositeKey, 64)
	assert.NotEqual(t, contentKey, compositeKey)

	// Composite keys are stable across replays of the same logical event.
	assert.Equal(t, compositeKey,
		NewManager(Config{KeyStrategy: KeyStrategyComposite}, nil, nil, nil, nil).IdempotencyKey(event.Clone()))
}

func TestSessionsVisibleDuringDelivery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	m := newTestManager(cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	pub := &blockingPublisher{started: started, release: release}

	go func() {
		_, _ = m.DeliverExactlyOnce(context.Background(), testEvent("1"), pub)
	}()

	<-started
	sessions := m.ActiveSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, SessionDelivering, sessions[0].Status)
	assert.Equal(t, "block", sessions[0].Publisher)
	close(release)
}

type blockingPublisher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPublisher) Name() string        { return "block" }
func (p *blockingPublisher) Destination() string { return "test://block" }
func (p *blockingPublisher) Health() cdc.HealthStatus {
	return cdc.HealthStatus{Healthy: true}
}
func (p *blockingPublisher) Close(ctx context.Context) error { return nil }

func (p *blockingPublisher) Publish(ctx context.Context, event *cdc.ChangeEvent) error {
	p.once.Do(func() { close(p.started) })
	<-p.release
	return nil
}

func (p *blockingPublisher) PublishBatch(ctx context.Context, events []*cdc.ChangeEvent) (*cdc.BatchResult, error) {
	return &cdc.BatchResult{Published: len(events)}, nil
}
