// Package throttle admits or rejects requests against global and per-tenant
// budgets. Rate scopes draw from a configurable admission algorithm;
// connection and subscription scopes track live concurrency instead.
package throttle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redbco/redb-cdc/pkg/logger"
)

// Scope names a throttled activity.
type Scope string

const (
	ScopeEventProcessing         Scope = "event_processing"
	ScopeSubscriptionCreation    Scope = "subscription_creation"
	ScopeConnectionEstablishment Scope = "connection_establishment"
	ScopeBulkOperation           Scope = "bulk_operation"
	ScopeSchemaChange            Scope = "schema_change"
	ScopeReplay                  Scope = "replay"
)

// Priority orders tenants for capacity decisions.
type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityNormal   Priority = "Normal"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// Limits bounds one tenant, or the whole deployment for the global scope.
type Limits struct {
	MaxEventsPerSecond         float64
	MaxConcurrentConnections   int64
	MaxConcurrentSubscriptions int64
	MaxMemoryMB                int64
	MaxCPUPercent              float64
	BurstMultiplier            float64
	Priority                   Priority
}

// Config configures the controller.
type Config struct {
	Enabled         bool
	Global          Limits
	TenantDefaults  Limits
	TenantOverrides map[string]Limits
	Algorithm       AlgorithmSpec
}

// Result reports an admission decision.
type Result struct {
	Allowed           bool      `json:"allowed"`
	Reason            string    `json:"reason,omitempty"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	RemainingRequests int64     `json:"remaining_requests"`
	ResetTime         time.Time `json:"reset_time,omitempty"`
}

// budget holds the live state for one admission domain (global or tenant).
type budget struct {
	limits Limits

	mu       sync.Mutex
	limiters map[Scope]rateAlgorithm

	connections   atomic.Int64
	subscriptions atomic.Int64
}

func newBudget(limits Limits) *budget {
	return &budget{limits: limits, limiters: make(map[Scope]rateAlgorithm)}
}

func (b *budget) limiter(scope Scope, spec AlgorithmSpec) rateAlgorithm {
	b.mu.Lock()
	defer b.mu.Unlock()
	limiter, ok := b.limiters[scope]
	if !ok {
		limiter = newRateAlgorithm(spec, b.limits.MaxEventsPerSecond, b.limits.BurstMultiplier)
		b.limiters[scope] = limiter
	}
	return limiter
}

// Controller performs the two-stage (global, then tenant) admission check.
type Controller struct {
	cfg    Config
	logger *logger.Logger

	global *budget

	// tenantMu serializes tenant budget creation and configuration updates.
	tenantMu sync.Mutex
	tenants  map[string]*budget
}

// NewController creates a controller from configuration.
func NewController(cfg Config, log *logger.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		logger:  log,
		global:  newBudget(cfg.Global),
		tenants: make(map[string]*budget),
	}
}

// Check runs the global check then the tenant check for one request. Callers
// that proceed with admitted work must follow up with RecordRequest. Internal
// errors fail open: over-admission is preferred to stalling the pipeline.
func (c *Controller) Check(ctx context.Context, scope Scope, tenantID string) *Result {
	if !c.cfg.Enabled {
		return &Result{Allowed: true}
	}

	now := time.Now()
	globalResult := c.checkBudget(c.global, "global", scope, now)
	if !globalResult.Allowed || tenantID == "" {
		return globalResult
	}
	return c.checkBudget(c.tenant(tenantID), "tenant "+tenantID, scope, now)
}

// RecordRequest registers admitted work so the algorithms see the draw.
// Connection and subscription scopes increment their concurrency counters.
func (c *Controller) RecordRequest(ctx context.Context, scope Scope, tenantID string) {
	if !c.cfg.Enabled {
		return
	}
	now := time.Now()
	c.recordBudget(c.global, scope, now)
	if tenantID != "" {
		c.recordBudget(c.tenant(tenantID), scope, now)
	}
}

// Release returns a concurrency slot for connection or subscription scopes.
func (c *Controller) Release(scope Scope, tenantID string) {
	if !c.cfg.Enabled {
		return
	}
	release := func(b *budget) {
		switch scope {
		case ScopeConnectionEstablishment:
			if b.connections.Add(-1) < 0 {
				b.connections.Store(0)
			}
		case ScopeSubscriptionCreation:
			if b.subscriptions.Add(-1) < 0 {
				b.subscriptions.Store(0)
			}
		}
	}
	release(c.global)
	if tenantID != "" {
		release(c.tenant(tenantID))
	}
}

// UpdateTenantLimits replaces a tenant's limits. The tenant's limiters are
// rebuilt on next use.
func (c *Controller) UpdateTenantLimits(tenantID string, limits Limits) {
	c.tenantMu.Lock()
	defer c.tenantMu.Unlock()
	c.tenants[tenantID] = newBudget(limits)
	if c.logger != nil {
		c.logger.Infof("Updated throttle limits for tenant %s", tenantID)
	}
}

// TenantLimits returns the effective limits for a tenant.
func (c *Controller) TenantLimits(tenantID string) Limits {
	return c.tenant(tenantID).limits
}

func (c *Controller) tenant(tenantID string) *budget {
	c.tenantMu.Lock()
	defer c.tenantMu.Unlock()
	b, ok := c.tenants[tenantID]
	if !ok {
		limits := c.cfg.TenantDefaults
		if override, ok := c.cfg.TenantOverrides[tenantID]; ok {
			limits = mergeLimits(c.cfg.TenantDefaults, override)
		}
		b = newBudget(limits)
		c.tenants[tenantID] = b
	}
	return b
}

func (c *Controller) checkBudget(b *budget, domain string, scope Scope, now time.Time) *Result {
	switch scope {
	case ScopeConnectionEstablishment:
		return checkConcurrency(&b.connections, b.limits.MaxConcurrentConnections, domain, "connections")
	case ScopeSubscriptionCreation:
		return checkConcurrency(&b.subscriptions, b.limits.MaxConcurrentSubscriptions, domain, "subscriptions")
	}

	allowed, remaining, reset := b.limiter(scope, c.cfg.Algorithm).Allow(now)
	if allowed {
		return &Result{Allowed: true, RemainingRequests: remaining}
	}
	return &Result{
		Allowed:           false,
		Reason:            fmt.Sprintf("%s rate limit exceeded for %s", domain, scope),
		RetryAfterSeconds: retryAfterSeconds(now, reset),
		ResetTime:         reset,
	}
}

func (c *Controller) recordBudget(b *budget, scope Scope, now time.Time) {
	switch scope {
	case ScopeConnectionEstablishment:
		b.connections.Add(1)
	case ScopeSubscriptionCreation:
		b.subscriptions.Add(1)
	default:
		b.limiter(scope, c.cfg.Algorithm).Record(now)
	}
}

func checkConcurrency(counter *atomic.Int64, limit int64, domain, what string) *Result {
	if limit <= 0 {
		return &Result{Allowed: true}
	}
	current := counter.Load()
	if current < limit {
		return &Result{Allowed: true, RemainingRequests: limit - current}
	}
	return &Result{
		Allowed:           false,
		Reason:            fmt.Sprintf("%s concurrent %s limit reached (%d)", domain, what, limit),
		RetryAfterSeconds: 1,
	}
}

// retryAfterSeconds reports the whole seconds until reset, at least 1 so
// callers always back off a meaningful amount.
func retryAfterSeconds(now, reset time.Time) int {
	seconds := int(math.Ceil(reset.Sub(now).Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func mergeLimits(defaults, override Limits) Limits {
	merged := defaults
	if override.MaxEventsPerSecond > 0 {
		merged.MaxEventsPerSecond = override.MaxEventsPerSecond
	}
	if override.MaxConcurrentConnections > 0 {
		merged.MaxConcurrentConnections = override.MaxConcurrentConnections
	}
	if override.MaxConcurrentSubscriptions > 0 {
		merged.MaxConcurrentSubscriptions = override.MaxConcurrentSubscriptions
	}
	if override.MaxMemoryMB > 0 {
		merged.MaxMemoryMB = override.MaxMemoryMB
	}
	if override.MaxCPUPercent > 0 {
		merged.MaxCPUPercent = override.MaxCPUPercent
	}
	if override.BurstMultiplier > 0 {
		merged.BurstMultiplier = override.BurstMultiplier
	}
	if override.Priority != "" {
		merged.Priority = override.Priority
	}
	return merged
}
