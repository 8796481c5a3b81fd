package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-cdc/internal/stores/memory"
	"github.com/redbco/redb-cdc/pkg/cdc"
)

// fakeAdapter is a scriptable in-memory source adapter.
type fakeAdapter struct {
	source  string
	offsets cdc.OffsetStore
	stats   *cdc.StreamStatistics
	events  chan *cdc.ChangeEvent
	replay  []*cdc.ChangeEvent

	running atomic.Bool
	starts  atomic.Int32
}

func newFakeAdapter(source string, offsets cdc.OffsetStore) *fakeAdapter {
	return &fakeAdapter{
		source:  source,
		offsets: offsets,
		stats:   cdc.NewStreamStatistics(),
		events:  make(chan *cdc.ChangeEvent, 64),
	}
}

func (a *fakeAdapter) Name() string   { return "fake" }
func (a *fakeAdapter) Source() string { return a.source }

func (a *fakeAdapter) Start(ctx context.Context, onEvent cdc.EventHandler) error {
	a.starts.Add(1)
	a.running.Store(true)
	defer a.running.Store(false)
	for {
		select {
		case event := <-a.events:
			if err := onEvent(ctx, event); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *fakeAdapter) Stop(ctx context.Context) error { return nil }

func (a *fakeAdapter) GetCurrentOffset(ctx context.Context) (string, error) {
	return a.offsets.GetOffset(ctx, a.source)
}

func (a *fakeAdapter) SetOffset(ctx context.Context, offset string) error {
	return a.offsets.SetOffset(ctx, a.source, offset)
}

func (a *fakeAdapter) ReplayFromOffset(ctx context.Context, fromOffset string, onEvent cdc.EventHandler) error {
	for _, event := range a.replay {
		if event.Offset < fromOffset {
			continue
		}
		if err := onEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (a *fakeAdapter) Health() cdc.HealthStatus {
	return cdc.HealthStatus{Healthy: a.running.Load(), State: "streaming"}
}

func (a *fakeAdapter) Statistics() *cdc.StreamStatistics { return a.stats }

func (a *fakeAdapter) emit(event *cdc.ChangeEvent) { a.events <- event }

func insertEvent(source, offset string, after map[string]interface{}) *cdc.ChangeEvent {
	event := cdc.NewChangeEvent(source, "public", "users", cdc.OperationInsert, offset)
	event.After = after
	return event
}

func fastOptions(source string) SubscriptionOptions {
	opts := NewSubscriptionOptions(source)
	opts.BatchSize = 1
	opts.FlushInterval = 10 * time.Millisecond
	return opts
}

func newTestEngine(adapters ...*fakeAdapter) *Engine {
	e := New(Config{StopTimeout: 2 * time.Second}, Deps{})
	for _, a := range adapters {
		if err := e.AddSource(a); err != nil {
			panic(err)
		}
	}
	return e
}

func TestSingleInsertEndToEnd(t *testing.T) {
	offsets := memory.NewOffsetStore()
	adapter := newFakeAdapter("src-A", offsets)
	engine := newTestEngine(adapter)
	defer engine.Stop(context.Background())

	var mu sync.Mutex
	var received []*cdc.ChangeEvent
	handle, err := engine.Subscribe(fastOptions("src-A"), func(ctx context.Context, event *cdc.ChangeEvent) error {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer handle.Dispose()

	adapter.emit(insertEvent("src-A", "1", map[string]interface{}{"id": 1, "name": "ada"}))

	require.Eventually(t, func() bool {
		offset, _ := offsets.GetOffset(context.Background(), "src-A")
		return offset == "1"
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, cdc.OperationInsert, received[0].Operation)
	assert.Equal(t, "ada", received[0].After["name"])
	assert.Nil(t, received[0].Before)
}

func TestUpdateCarriesBothImagesAndAffectedColumns(t *testing.T) {
	offsets := memory.NewOffsetStore()
	adapter := newFakeAdapter("src-A", offsets)
	engine := newTestEngine(adapter)
	defer engine.Stop(context.Background())

	captured := make(chan *cdc.ChangeEvent, 1)
	_, err := engine.Subscribe(fastOptions("src-A"), func(ctx context.Context, event *cdc.ChangeEvent) error {
		captured <- event
		return nil
	})
	require.NoError(t, err)

	event := cdc.NewChangeEvent("src-A", "public", "users", cdc.OperationUpdate, "2")
	event.Before = map[string]interface{}{"id": 1, "name": "old"}
	event.After = map[string]interface{}{"id": 1, "name": "new"}
	adapter.emit(event)

	select {
	case got := <-captured:
		require.NotNil(t, got.Before)
		require.NotNil(t, got.After)
		assert.Equal(t, []string{"name"}, got.AffectedColumns())
	case <-time.After(2 * time.Second):
		t.Fatal("update event was not delivered")
	}
}

func TestDispatchPreservesAdapterOrder(t *testing.T) {
	offsets := memory.NewOffsetStore()
	adapter := newFakeAdapter("src-A", offsets)
	engine := newTestEngine(adapter)
	defer engine.Stop(context.Background())

	var mu sync.Mutex
	var seen []string
	opts := fastOptions("src-A")
	opts.MaxConcurrency = 1
	_, err := engine.Subscribe(opts, func(ctx context.Context, event *cdc.ChangeEvent) error {
		mu.Lock()
		seen = append(seen, event.Offset)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		adapter.emit(insertEvent("src-A", fmt.Sprintf("%d", i), map[string]interface{}{"id": i}))
	}

	require.Eventually(t, func() bool {
		offset, _ := offsets.GetOffset(context.Background(), "src-A")
		return offset == "10"
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 10)
	for i, offset := range seen {
		assert.Equal(t, fmt.Sprintf("%d", i+1), offset)
	}
}

func TestHandlerErrorHoldsOffset(t *testing.T) {
	offsets := memory.NewOffsetStore()
	adapter := newFakeAdapter("src-A", offsets)
	engine := newTestEngine(adapter)
	defer engine.Stop(context.Background())

	var delivered atomic.Int32
	_, err := engine.Subscribe(fastOptions("src-A"), func(ctx context.Context, event *cdc.ChangeEvent) error {
		delivered.Add(1)
		if event.Offset == "1" {
			return errors.New("sink rejected the event")
		}
		return nil
	})
	require.NoError(t, err)

	adapter.emit(insertEvent("src-A", "1", map[string]interface{}{"id": 1}))
	adapter.emit(insertEvent("src-A", "2", map[string]interface{}{"id": 2}))

	require.Eventually(t, func() bool { return delivered.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// The failed event at offset 1 pins the watermark even though offset 2
	// was handled.
	offset, _ := offsets.GetOffset(context.Background(), "src-A")
	assert.Equal(t, "", offset)
}

func TestFailurePolicyReleasesHeldOffset(t *testing.T) {
	offsets := memory.NewOffsetStore()
	adapter := newFakeAdapter("src-A", offsets)
	var routed atomic.Int32
	engine := New(Config{StopTimeout: 2 * time.Second}, Deps{
		OnFailure: func(ctx context.Context, event *cdc.ChangeEvent, handlerErr error) error {
			routed.Add(1)
			return nil
		},
	})
	require.NoError(t, engine.AddSource(adapter))
	defer engine.Stop(context.Background())

	_, err := engine.Subscribe(fastOptions("src-A"), func(ctx context.Context, event *cdc.ChangeEvent) error {
		if event.Offset == "1" {
			return errors.New("sink rejected the event")
		}
		return nil
	})
	require.NoError(t, err)

	adapter.emit(insertEvent("src-A", "1", map[string]interface{}{"id": 1}))
	adapter.emit(insertEvent("src-A", "2", map[string]interface{}{"id": 2}))

	require.Eventually(t, func() bool {
		offset, _ := offsets.GetOffset(context.Background(), "src-A")
		return offset == "2"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), routed.Load())
}

func TestUnmatchedEventsStillAdvanceOffset(t *testing.T) {
	offsets := memory.NewOffsetStore()
	adapter := newFakeAdapter("src-A", offsets)
	engine := newTestEngine(adapter)
	defer engine.Stop(context.Background())

	var delivered atomic.Int32
	opts := fastOptions("src-A")
	opts.Operations = []cdc.Operation{cdc.OperationInsert}
	opts.Predicate = func(event *cdc.ChangeEvent) bool {
		id, _ := event.After["id"].(int)
		return id > 1
	}
	_, err := engine.Subscribe(opts, func(ctx context.Context, event *cdc.ChangeEvent) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)

	// Filtered by predicate, filtered by operation, then a match.
	adapter.emit(insertEvent("src-A", "1", map[string]interface{}{"id": 1}))
	update := cdc.NewChangeEvent("src-A", "public", "users", cdc.OperationUpdate, "2")
	update.After = map[string]interface{}{"id": 5}
	adapter.emit(update)
	adapter.emit(insertEvent("src-A", "3", map[string]interface{}{"id": 3}))

	require.Eventually(t, func() bool {
		offset, _ := offsets.GetOffset(context.Background(), "src-A")
		return offset == "3"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), delivered.Load())
}

func TestBatchSubscriptionFlushesOnSize(t *testing.T) {
	offsets := memory.NewOffsetStore()
	adapter := newFakeAdapter("src-A", offsets)
	engine := newTestEngine(adapter)
	defer engine.Stop(context.Background())

	batches := make(chan []*cdc.ChangeEvent, 4)
	opts := NewSubscriptionOptions("src-A")
	opts.BatchSize = 3
	opts.FlushInterval = time.Minute
	_, err := engine.SubscribeBatch(opts, func(ctx context.Context, events []*cdc.ChangeEvent) error {
		batches <- events
		return nil
	})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		adapter.emit(insertEvent("src-A", fmt.Sprintf("%d", i), map[string]interface{}{"id": i}))
	}

	select {
	case batch := <-batches:
		require.Len(t, batch, 3)
		assert.Equal(t, "1", batch[0].Offset)
		assert.Equal(t, "3", batch[2].Offset)
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not flushed on size")
	}
}

func TestFlushIntervalDeliversPartialBatch(t *testing.T) {
	offsets := memory.NewOffsetStore()
	adapter := newFakeAdapter("src-A", offsets)
	engine := newTestEngine(adapter)
	defer engine.Stop(context.Background())

	batches := make(chan []*cdc.ChangeEvent, 4)
	opts := NewSubscriptionOptions("src-A")
	opts.BatchSize = 100
	opts.FlushInterval = 30 * time.Millisecond
	_, err := engine.SubscribeBatch(opts, func(ctx context.Context, events []*cdc.ChangeEvent) error {
		batches <- events
		return nil
	})
	require.NoError(t, err)

	adapter.emit(insertEvent("src-A", "1", map[string]interface{}{"id": 1}))
	adapter.emit(insertEvent("src-A", "2", map[string]interface{}{"id": 2}))

	select {
	case batch := <-batches:
		assert.LessOrEqual(t, len(batch), 2)
		assert.Greater(t, len(batch), 0)
	case <-time.After(2 * time.Second):
		t.Fatal("partial batch was not flushed on interval")
	}
}

func TestImageStripping(t *testing.T) {
	offsets := memory.NewOffsetStore()
	adapter := newFakeAdapter("src-A", offsets)
	engine := newTestEngine(adapter)
	defer engine.Stop(context.Background())

	captured := make(chan *cdc.ChangeEvent, 1)
	opts := fastOptions("src-A")
	opts.IncludeBefore = false
	_, err := engine.Subscribe(opts, func(ctx context.Context, event *cdc.ChangeEvent) error {
		captured <- event
		return nil
	})
	require.NoError(t, err)

	event := cdc.NewChangeEvent("src-A", "public", "users", cdc.OperationUpdate, "1")
	event.Before = map[string]interface{}{"id": 1, "name": "old"}
	event.After = map[string]interface{}{"id": 1, "name": "new"}
	adapter.emit(event)

	select {
	case got := <-captured:
		assert.Nil(t, got.Before)
		assert.NotNil(t, got.After)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestLazyAdapterStartAndDispose(t *testing.T) {
	offsets := memory.NewOffsetStore()
	adapter := newFakeAdapter("src-A", offsets)
	engine := newTestEngine(adapter)
	defer engine.Stop(context.Background())

	assert.Equal(t, int32(0), adapter.starts.Load())

	var delivered atomic.Int32
	handle, err := engine.Subscribe(fastOptions("src-A"), func(ctx context.Context, event *cdc.ChangeEvent) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return adapter.running.Load() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), adapter.starts.Load())

	adapter.emit(insertEvent("src-A", "1", map[string]interface{}{"id": 1}))
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Last handle on the source stops the adapter; the handler is never
	// invoked again.
	handle.Dispose()
	handle.Dispose()
	require.Eventually(t, func() bool { return !adapter.running.Load() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), delivered.Load())
}

func TestStopSilencesCallbacks(t *testing.T) {
	offsets := memory.NewOffsetStore()
	adapter := newFakeAdapter("src-A", offsets)
	engine := newTestEngine(adapter)

	var delivered atomic.Int32
	_, err := engine.Subscribe(fastOptions("src-A"), func(ctx context.Context, event *cdc.ChangeEvent) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)

	adapter.emit(insertEvent("src-A", "1", map[string]interface{}{"id": 1}))
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, engine.Stop(context.Background()))
	count := delivered.Load()

	// Subscribing after Stop is rejected and nothing is delivered anymore.
	_, err = engine.Subscribe(fastOptions("src-A"), func(ctx context.Context, event *cdc.ChangeEvent) error { return nil })
	assert.ErrorIs(t, err, ErrEngineStopped)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, delivered.Load())
}

func TestSubscribeUnknownSource(t *testing.T) {
	engine := newTestEngine()
	defer engine.Stop(context.Background())

	_, err := engine.Subscribe(fastOptions("missing"), func(ctx context.Context, event *cdc.ChangeEvent) error { return nil })
	assert.ErrorIs(t, err, cdc.ErrAdapterNotFound)
}

func TestReplayRunsOutsideSubscriptionFanout(t *testing.T) {
	offsets := memory.NewOffsetStore()
	adapter := newFakeAdapter("src-A", offsets)
	adapter.replay = []*cdc.ChangeEvent{
		insertEvent("src-A", "1", map[string]interface{}{"id": 1}),
		insertEvent("src-A", "2", map[string]interface{}{"id": 2}),
		insertEvent("src-A", "3", map[string]interface{}{"id": 3}),
	}
	engine := newTestEngine(adapter)
	defer engine.Stop(context.Background())

	var offsetsSeen []string
	err := engine.Replay(context.Background(), "src-A", "2", func(ctx context.Context, event *cdc.ChangeEvent) error {
		offsetsSeen = append(offsetsSeen, event.Offset)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, offsetsSeen)

	assert.ErrorIs(t, engine.Replay(context.Background(), "missing", "1", func(ctx context.Context, event *cdc.ChangeEvent) error { return nil }), cdc.ErrAdapterNotFound)
}
