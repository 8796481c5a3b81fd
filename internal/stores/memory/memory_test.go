package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-cdc/internal/stores"
)

func TestOffsetStore(t *testing.T) {
	store := NewOffsetStore()
	ctx := context.Background()

	offset, err := store.GetOffset(ctx, "src-A")
	require.NoError(t, err)
	assert.Empty(t, offset, "unknown source reads as empty")

	require.NoError(t, store.SetOffset(ctx, "src-A", "0/16B3748"))
	require.NoError(t, store.SetOffset(ctx, "src-B", "42"))

	offset, err = store.GetOffset(ctx, "src-A")
	require.NoError(t, err)
	assert.Equal(t, "0/16B3748", offset)

	all, err := store.ListOffsets(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.DeleteOffset(ctx, "src-A"))
	offset, err = store.GetOffset(ctx, "src-A")
	require.NoError(t, err)
	assert.Empty(t, offset)
}

func TestIdempotencyStoreExpiry(t *testing.T) {
	store := NewIdempotencyStore(time.Hour, 0)
	ctx := context.Background()

	fresh := &stores.IdempotencyRecord{Key: "fresh", StoredAt: time.Now()}
	stale := &stores.IdempotencyRecord{Key: "stale", StoredAt: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, store.Put(ctx, fresh))
	require.NoError(t, store.Put(ctx, stale))

	got, err := store.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, got, "expired record reads as absent")

	got, err = store.Get(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "fresh", got.Key)
}

func TestIdempotencyStoreEvictsLRU(t *testing.T) {
	store := NewIdempotencyStore(time.Hour, 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		record := &stores.IdempotencyRecord{
			Key:      fmt.Sprintf("k%d", i),
			StoredAt: time.Now(),
		}
		require.NoError(t, store.Put(ctx, record))
	}

	// Touch k1 so k2 becomes the eviction candidate.
	_, err := store.Get(ctx, "k1")
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, &stores.IdempotencyRecord{Key: "k4", StoredAt: time.Now()}))
	assert.Equal(t, 3, store.Len())

	got, err := store.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestIdempotencyStoreCleanup(t *testing.T) {
	store := NewIdempotencyStore(time.Minute, 0)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &stores.IdempotencyRecord{Key: "old", StoredAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, store.Put(ctx, &stores.IdempotencyRecord{Key: "new", StoredAt: time.Now()}))

	removed, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
}

func TestDeduplicationStoreWindow(t *testing.T) {
	store := NewDeduplicationStore(50*time.Millisecond, 0)
	ctx := context.Background()

	seen, err := store.Contains(ctx, "hash-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.Add(ctx, "hash-1"))
	seen, err = store.Contains(ctx, "hash-1")
	require.NoError(t, err)
	assert.True(t, seen)

	time.Sleep(60 * time.Millisecond)
	seen, err = store.Contains(ctx, "hash-1")
	require.NoError(t, err)
	assert.False(t, seen, "hash outside the window is forgotten")
}

func TestDeduplicationStoreCapacity(t *testing.T) {
	store := NewDeduplicationStore(time.Hour, 2)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "a"))
	time.Sleep(time.Millisecond)
	require.NoError(t, store.Add(ctx, "b"))
	time.Sleep(time.Millisecond)
	require.NoError(t, store.Add(ctx, "c"))

	seen, err := store.Contains(ctx, "a")
	require.NoError(t, err)
	assert.False(t, seen, "oldest hash evicted at capacity")
	seen, err = store.Contains(ctx, "c")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestAcknowledgmentStore(t *testing.T) {
	store := NewAcknowledgmentStore(time.Hour)
	ctx := context.Background()

	got, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Put(ctx, &stores.AcknowledgmentRecord{
		Key:          "src-A:7",
		Status:       stores.AckFailed,
		Attempts:     3,
		Timestamp:    time.Now(),
		ErrorMessage: "sink unavailable",
	}))

	got, err = store.Get(ctx, "src-A:7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stores.AckFailed, got.Status)
	assert.Equal(t, "sink unavailable", got.ErrorMessage)
}

func TestAcknowledgmentStoreCleanup(t *testing.T) {
	store := NewAcknowledgmentStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &stores.AcknowledgmentRecord{
		Key: "old", Status: stores.AckAcknowledged, Timestamp: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.Put(ctx, &stores.AcknowledgmentRecord{
		Key: "new", Status: stores.AckPending, Timestamp: time.Now(),
	}))

	removed, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)
}
