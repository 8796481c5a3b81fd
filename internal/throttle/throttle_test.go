package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Enabled: true,
		Global: Limits{
			MaxEventsPerSecond:         10000,
			MaxConcurrentConnections:   500,
			MaxConcurrentSubscriptions: 1000,
			BurstMultiplier:            1.5,
		},
		TenantDefaults: Limits{
			MaxEventsPerSecond:         1000,
			MaxConcurrentConnections:   50,
			MaxConcurrentSubscriptions: 100,
			BurstMultiplier:            1.0,
			Priority:                   PriorityNormal,
		},
		Algorithm: AlgorithmSpec{Type: AlgorithmTokenBucket},
	}
}

func TestDisabledControllerAdmitsEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c := NewController(cfg, nil)

	for i := 0; i < 1000; i++ {
		result := c.Check(context.Background(), ScopeEventProcessing, "t1")
		require.True(t, result.Allowed)
	}
}

func TestTenantRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.TenantOverrides = map[string]Limits{
		"t1": {MaxEventsPerSecond: 5, BurstMultiplier: 1.0},
	}
	c := NewController(cfg, nil)
	ctx := context.Background()

	// Ten event-processing requests within one second: five admitted, five
	// denied with a retry hint of at least one second.
	allowed, denied := 0, 0
	for i := 0; i < 10; i++ {
		result := c.Check(ctx, ScopeEventProcessing, "t1")
		if result.Allowed {
			allowed++
			c.RecordRequest(ctx, ScopeEventProcessing, "t1")
		} else {
			denied++
			assert.GreaterOrEqual(t, result.RetryAfterSeconds, 1)
			assert.NotEmpty(t, result.Reason)
		}
	}
	assert.Equal(t, 5, allowed)
	assert.Equal(t, 5, denied)
}

func TestGlobalCheckRunsBeforeTenantCheck(t *testing.T) {
	cfg := testConfig()
	cfg.Global.MaxEventsPerSecond = 2
	cfg.Global.BurstMultiplier = 1.0
	c := NewController(cfg, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result := c.Check(ctx, ScopeEventProcessing, "t1")
		require.True(t, result.Allowed)
		c.RecordRequest(ctx, ScopeEventProcessing, "t1")
	}

	result := c.Check(ctx, ScopeEventProcessing, "t1")
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "global")
}

func TestConnectionConcurrencyScope(t *testing.T) {
	cfg := testConfig()
	cfg.TenantOverrides = map[string]Limits{
		"t1": {MaxConcurrentConnections: 2},
	}
	c := NewController(cfg, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result := c.Check(ctx, ScopeConnectionEstablishment, "t1")
		require.True(t, result.Allowed)
		c.RecordRequest(ctx, ScopeConnectionEstablishment, "t1")
	}

	result := c.Check(ctx, ScopeConnectionEstablishment, "t1")
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "connections")

	// Releasing a slot readmits.
	c.Release(ScopeConnectionEstablishment, "t1")
	result = c.Check(ctx, ScopeConnectionEstablishment, "t1")
	assert.True(t, result.Allowed)
}

func TestSubscriptionConcurrencyScope(t *testing.T) {
	cfg := testConfig()
	cfg.TenantOverrides = map[string]Limits{
		"t1": {MaxConcurrentSubscriptions: 1},
	}
	c := NewController(cfg, nil)
	ctx := context.Background()

	result := c.Check(ctx, ScopeSubscriptionCreation, "t1")
	require.True(t, result.Allowed)
	c.RecordRequest(ctx, ScopeSubscriptionCreation, "t1")

	result = c.Check(ctx, ScopeSubscriptionCreation, "t1")
	assert.False(t, result.Allowed)
}

func TestTenantOverridesMergeWithDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.TenantOverrides = map[string]Limits{
		"t1": {MaxEventsPerSecond: 5, Priority: PriorityHigh},
	}
	c := NewController(cfg, nil)

	limits := c.TenantLimits("t1")
	assert.Equal(t, float64(5), limits.MaxEventsPerSecond)
	assert.Equal(t, PriorityHigh, limits.Priority)
	// Unset override fields inherit the defaults.
	assert.Equal(t, int64(50), limits.MaxConcurrentConnections)

	defaults := c.TenantLimits("t2")
	assert.Equal(t, float64(1000), defaults.MaxEventsPerSecond)
	assert.Equal(t, PriorityNormal, defaults.Priority)
}

func TestUpdateTenantLimits(t *testing.T) {
	c := NewController(testConfig(), nil)
	ctx := context.Background()

	c.UpdateTenantLimits("t1", Limits{MaxEventsPerSecond: 1, BurstMultiplier: 1.0})

	result := c.Check(ctx, ScopeEventProcessing, "t1")
	require.True(t, result.Allowed)
	c.RecordRequest(ctx, ScopeEventProcessing, "t1")

	result = c.Check(ctx, ScopeEventProcessing, "t1")
	assert.False(t, result.Allowed)
}

func TestThrottlingConservation(t *testing.T) {
	// Over any window the admitted count stays within rate * window plus the
	// burst allowance.
	rate, burst := 20.0, 1.5
	for _, algo := range []AlgorithmType{AlgorithmTokenBucket, AlgorithmSlidingWindow, AlgorithmFixedWindow, AlgorithmLeakyBucket} {
		t.Run(string(algo), func(t *testing.T) {
			cfg := testConfig()
			cfg.Algorithm = AlgorithmSpec{Type: algo, WindowSize: time.Second, NumberOfWindows: 4}
			cfg.TenantOverrides = map[string]Limits{
				"t1": {MaxEventsPerSecond: rate, BurstMultiplier: burst},
			}
			c := NewController(cfg, nil)
			ctx := context.Background()

			admitted := 0
			for i := 0; i < 200; i++ {
				if c.Check(ctx, ScopeEventProcessing, "t1").Allowed {
					admitted++
					c.RecordRequest(ctx, ScopeEventProcessing, "t1")
				}
			}
			// The loop runs well under a second, so the budget is one
			// window's worth at most.
			assert.LessOrEqual(t, admitted, int(rate*burst)+1)
			assert.Greater(t, admitted, 0)
		})
	}
}

func TestScopesHaveIndependentBudgets(t *testing.T) {
	cfg := testConfig()
	cfg.TenantOverrides = map[string]Limits{
		"t1": {MaxEventsPerSecond: 1, BurstMultiplier: 1.0},
	}
	c := NewController(cfg, nil)
	ctx := context.Background()

	require.True(t, c.Check(ctx, ScopeEventProcessing, "t1").Allowed)
	c.RecordRequest(ctx, ScopeEventProcessing, "t1")
	assert.False(t, c.Check(ctx, ScopeEventProcessing, "t1").Allowed)

	// Draining event processing leaves replay untouched.
	assert.True(t, c.Check(ctx, ScopeReplay, "t1").Allowed)
}
