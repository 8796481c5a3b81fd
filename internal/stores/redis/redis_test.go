package redis

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-cdc/internal/stores"
)

func testClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	server := miniredis.RunT(t)

	host, portStr, found := strings.Cut(server.Addr(), ":")
	require.True(t, found)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := NewClient(context.Background(), Config{Host: host, Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return server, client
}

func TestNewClientFailsWithoutServer(t *testing.T) {
	_, err := NewClient(context.Background(), Config{Host: "127.0.0.1", Port: 1})
	assert.Error(t, err)
}

func TestIdempotencyStoreRoundTrip(t *testing.T) {
	server, client := testClient(t)
	store := NewIdempotencyStore(client, time.Hour)
	ctx := context.Background()

	got, err := store.Get(ctx, "src-A:1")
	require.NoError(t, err)
	assert.Nil(t, got, "absent key reads as nil")

	record := &stores.IdempotencyRecord{
		Key:         "src-A:1",
		EventDigest: "abc123",
		StoredAt:    time.Now().UTC(),
	}
	require.NoError(t, store.Put(ctx, record))

	got, err = store.Get(ctx, "src-A:1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc123", got.EventDigest)

	ttl := server.TTL(idempotencyPrefix + "src-A:1")
	assert.Equal(t, time.Hour, ttl)

	require.NoError(t, store.Delete(ctx, "src-A:1"))
	got, err = store.Get(ctx, "src-A:1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIdempotencyRecordExpires(t *testing.T) {
	server, client := testClient(t)
	store := NewIdempotencyStore(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &stores.IdempotencyRecord{Key: "src-A:2"}))
	server.FastForward(2 * time.Minute)

	got, err := store.Get(ctx, "src-A:2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeduplicationStoreWindow(t *testing.T) {
	server, client := testClient(t)
	store := NewDeduplicationStore(client, time.Minute)
	ctx := context.Background()

	seen, err := store.Contains(ctx, "hash-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.Add(ctx, "hash-1"))
	seen, err = store.Contains(ctx, "hash-1")
	require.NoError(t, err)
	assert.True(t, seen)

	server.FastForward(2 * time.Minute)
	seen, err = store.Contains(ctx, "hash-1")
	require.NoError(t, err)
	assert.False(t, seen, "window expiry forgets the hash")
}

func TestAcknowledgmentStoreRoundTrip(t *testing.T) {
	_, client := testClient(t)
	store := NewAcknowledgmentStore(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &stores.AcknowledgmentRecord{
		Key:      "src-A:3",
		Status:   stores.AckAcknowledged,
		Attempts: 2,
	}))

	got, err := store.Get(ctx, "src-A:3")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stores.AckAcknowledged, got.Status)
	assert.Equal(t, 2, got.Attempts)

	got, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCleanupIsServerSide(t *testing.T) {
	_, client := testClient(t)
	ctx := context.Background()

	n, err := NewIdempotencyStore(client, time.Hour).Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = NewDeduplicationStore(client, time.Hour).Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = NewAcknowledgmentStore(client, time.Hour).Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
