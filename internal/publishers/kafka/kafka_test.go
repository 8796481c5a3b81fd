package kafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

func newTestPublisher(t *testing.T, opts map[string]string) *Publisher {
	t.Helper()
	pub, err := New(cdc.PublisherConfig{
		Name:        "kafka",
		Destination: "localhost:9092, localhost:9093",
		Options:     opts,
	}, cdc.PublisherDeps{})
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close(context.Background()) })
	return pub.(*Publisher)
}

func TestTopicTemplate(t *testing.T) {
	event := cdc.NewChangeEvent("src-A", "public", "users", cdc.OperationInsert, "1")

	pub := newTestPublisher(t, nil)
	assert.Equal(t, "cdc.public.users", pub.Topic(event))

	pub = newTestPublisher(t, map[string]string{"topic_template": "{source}-changes"})
	assert.Equal(t, "src-A-changes", pub.Topic(event))

	pub = newTestPublisher(t, map[string]string{"topic_template": "events"})
	assert.Equal(t, "events", pub.Topic(event))
}

func TestRecordKeyFollowsTransaction(t *testing.T) {
	event := cdc.NewChangeEvent("src-A", "public", "users", cdc.OperationUpdate, "7")
	assert.Equal(t, "public.users", recordKey(event))

	event.SetMetadata(cdc.MetadataTransactionID, "tx-900")
	assert.Equal(t, "tx-900", recordKey(event))
}

func TestBrokerListIsTrimmed(t *testing.T) {
	pub := newTestPublisher(t, nil)
	assert.Equal(t, []string{"localhost:9092", "localhost:9093"}, pub.brokers)
}

func TestNewValidatesConfig(t *testing.T) {
	deps := cdc.PublisherDeps{}

	_, err := New(cdc.PublisherConfig{Name: "kafka"}, deps)
	assert.ErrorIs(t, err, cdc.ErrInvalidConfiguration)

	_, err = New(cdc.PublisherConfig{
		Name: "kafka", Destination: "localhost:9092",
		Options: map[string]string{"topic_template": ""},
	}, deps)
	assert.ErrorIs(t, err, cdc.ErrInvalidConfiguration)

	_, err = New(cdc.PublisherConfig{
		Name: "kafka", Destination: "localhost:9092",
		Options: map[string]string{"linger": "soon"},
	}, deps)
	assert.ErrorIs(t, err, cdc.ErrInvalidConfiguration)
}

func TestCloseIsIdempotentAndRejectsPublishes(t *testing.T) {
	pub := newTestPublisher(t, nil)
	require.NoError(t, pub.Close(context.Background()))
	require.NoError(t, pub.Close(context.Background()))

	event := cdc.NewChangeEvent("src-A", "public", "users", cdc.OperationInsert, "1")
	_, err := pub.PublishBatch(context.Background(), []*cdc.ChangeEvent{event})
	assert.ErrorIs(t, err, cdc.ErrConnectionClosed)

	health := pub.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, "closed", health.State)
}
