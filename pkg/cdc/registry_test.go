package cdc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	name   string
	source string
	stats  *StreamStatistics
}

func (a *stubAdapter) Name() string   { return a.name }
func (a *stubAdapter) Source() string { return a.source }
func (a *stubAdapter) Start(ctx context.Context, onEvent EventHandler) error {
	<-ctx.Done()
	return ctx.Err()
}
func (a *stubAdapter) Stop(ctx context.Context) error { return nil }
func (a *stubAdapter) GetCurrentOffset(ctx context.Context) (string, error) {
	return "", nil
}
func (a *stubAdapter) SetOffset(ctx context.Context, offset string) error { return nil }
func (a *stubAdapter) ReplayFromOffset(ctx context.Context, fromOffset string, onEvent EventHandler) error {
	return nil
}
func (a *stubAdapter) Health() HealthStatus { return HealthStatus{Healthy: true, State: "running"} }
func (a *stubAdapter) Statistics() *StreamStatistics {
	if a.stats == nil {
		a.stats = NewStreamStatistics()
	}
	return a.stats
}

func TestAdapterRegistry(t *testing.T) {
	registry := NewAdapterRegistry()

	registry.Register("stub", func(cfg AdapterConfig, deps AdapterDeps) (SourceAdapter, error) {
		return &stubAdapter{name: cfg.Name, source: cfg.Source}, nil
	})

	t.Run("Get", func(t *testing.T) {
		factory, err := registry.Get("stub")
		require.NoError(t, err)
		assert.NotNil(t, factory)

		_, err = registry.Get("missing")
		assert.True(t, errors.Is(err, ErrAdapterNotFound))
	})

	t.Run("New", func(t *testing.T) {
		adapter, err := registry.New(AdapterConfig{Name: "stub", Source: "src-A"}, AdapterDeps{})
		require.NoError(t, err)
		assert.Equal(t, "stub", adapter.Name())
		assert.Equal(t, "src-A", adapter.Source())
	})

	t.Run("NewValidatesConfig", func(t *testing.T) {
		_, err := registry.New(AdapterConfig{Source: "src-A"}, AdapterDeps{})
		assert.True(t, errors.Is(err, ErrInvalidConfiguration))

		_, err = registry.New(AdapterConfig{Name: "stub"}, AdapterDeps{})
		assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	})

	t.Run("ListAndUnregister", func(t *testing.T) {
		registry.Register("another", func(cfg AdapterConfig, deps AdapterDeps) (SourceAdapter, error) {
			return &stubAdapter{name: cfg.Name, source: cfg.Source}, nil
		})
		assert.Equal(t, []string{"another", "stub"}, registry.ListRegistered())

		registry.Unregister("another")
		assert.False(t, registry.IsRegistered("another"))
		assert.True(t, registry.IsRegistered("stub"))
	})
}

func TestPublisherRegistryNotFound(t *testing.T) {
	registry := NewPublisherRegistry()

	_, err := registry.New(PublisherConfig{Name: "nowhere"}, PublisherDeps{})
	assert.True(t, errors.Is(err, ErrPublisherNotFound))
}

func TestWrapErrorDoesNotDoubleWrap(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := WrapError("src-A", "stream", cause)

	var pipeErr *Error
	require.True(t, errors.As(wrapped, &pipeErr))
	assert.Equal(t, "src-A", pipeErr.Source)

	again := WrapError("src-B", "publish", wrapped)
	assert.Same(t, wrapped, again)
}

func TestErrorPredicates(t *testing.T) {
	confErr := NewConfigurationError("webhook", "publishers[0].destination", "must be a URL")
	assert.True(t, IsConfigurationError(confErr))
	assert.False(t, IsTransient(confErr))

	valErr := NewValidationError("group tx-1", "checksum mismatch", ErrChecksumMismatch)
	assert.True(t, IsValidationError(valErr))
	assert.False(t, IsTransient(valErr))

	connErr := NewConnectionError("src-A", "db:5432", errors.New("refused"))
	assert.True(t, IsConnectionError(connErr))
	assert.True(t, IsTransient(connErr))

	unsupported := NewUnsupportedOperationError("mysql", "replay", "GTID mode disabled")
	assert.True(t, IsUnsupported(unsupported))
}
