// Package engine assembles the platform: stores, adapters, publishers,
// the dispatch pipeline, exactly-once delivery, transactional grouping,
// throttling and the health and metrics surfaces, all driven by one
// configuration file.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/redbco/redb-cdc/internal/config"
	"github.com/redbco/redb-cdc/internal/dispatch"
	"github.com/redbco/redb-cdc/internal/exactlyonce"
	"github.com/redbco/redb-cdc/internal/metrics"
	"github.com/redbco/redb-cdc/internal/stores"
	"github.com/redbco/redb-cdc/internal/stores/memory"
	pgstores "github.com/redbco/redb-cdc/internal/stores/postgres"
	redisstores "github.com/redbco/redb-cdc/internal/stores/redis"
	"github.com/redbco/redb-cdc/internal/throttle"
	"github.com/redbco/redb-cdc/internal/tracing"
	"github.com/redbco/redb-cdc/internal/txgroup"
	"github.com/redbco/redb-cdc/internal/wire"
	"github.com/redbco/redb-cdc/pkg/cdc"
	"github.com/redbco/redb-cdc/pkg/health"
	"github.com/redbco/redb-cdc/pkg/logger"
)

// state guards the engine lifecycle.
type state struct {
	sync.Mutex
	initialized       bool
	isRunning         bool
	ongoingOperations int32
}

// Engine is the assembled platform.
type Engine struct {
	cfg    *config.Config
	logger *logger.Logger

	metrics *metrics.Metrics
	checker *health.Checker

	throttler  *throttle.Controller
	delivery   *exactlyonce.Manager
	groups     *txgroup.Manager
	dispatcher *dispatch.Engine

	offsets    cdc.OffsetStore
	idem       stores.IdempotencyStore
	dedup      stores.DeduplicationStore
	acks       stores.AcknowledgmentStore
	groupStore txgroup.GroupStore
	publishers map[string]cdc.Publisher
	handles    []*dispatch.SubscriptionHandle

	pgPool      *pgxpool.Pool
	redisClient *goredis.Client

	servers *servers

	healthStop chan struct{}
	healthDone chan struct{}

	state state
}

// New creates an unstarted engine. Call Initialize, then Start.
func New(cfg *config.Config, log *logger.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		logger:     log,
		publishers: make(map[string]cdc.Publisher),
	}
}

// Initialize builds every component from configuration. It connects the
// configured store backends but does not start adapter streams.
func (e *Engine) Initialize(ctx context.Context) error {
	e.state.Lock()
	defer e.state.Unlock()
	if e.state.initialized {
		return fmt.Errorf("engine is already initialized")
	}

	tracing.Configure()
	e.checker = health.NewChecker()
	if e.cfg.Global.EnableMetrics {
		e.metrics = metrics.New()
	}

	if err := e.initStores(ctx); err != nil {
		return err
	}
	e.initThrottle()
	e.initManagers(ctx)
	if err := e.initPublishers(); err != nil {
		return err
	}
	if err := e.initDispatcher(ctx); err != nil {
		return err
	}

	e.servers = newServers(e)
	e.state.initialized = true
	e.logger.Infof("Engine initialized: %d adapters, %d publishers, %d subscriptions",
		len(e.cfg.Adapters), len(e.publishers), len(e.cfg.Subscriptions))
	return nil
}

func (e *Engine) initStores(ctx context.Context) error {
	var idem stores.IdempotencyStore
	var dedup stores.DeduplicationStore
	var acks stores.AcknowledgmentStore

	idemTTL := time.Duration(e.cfg.ExactlyOnce.Idempotency.KeyTTLSeconds) * time.Second
	dedupWindow := time.Duration(e.cfg.ExactlyOnce.Deduplication.WindowSeconds) * time.Second
	ackTTL := time.Duration(e.cfg.ExactlyOnce.Acknowledgment.TimeoutSeconds) * time.Second * 10

	switch e.cfg.Stores.Backend {
	case "redis":
		client, err := redisstores.NewClient(ctx, redisstores.Config{
			Host:         e.cfg.Stores.Redis.Host,
			Port:         e.cfg.Stores.Redis.Port,
			Password:     e.cfg.Stores.Redis.Password,
			DB:           e.cfg.Stores.Redis.DB,
			PoolSize:     e.cfg.Stores.Redis.PoolSize,
			MinIdleConns: e.cfg.Stores.Redis.MinIdleConns,
		})
		if err != nil {
			return fmt.Errorf("failed to connect store backend: %w", err)
		}
		e.redisClient = client
		idem = redisstores.NewIdempotencyStore(client, idemTTL)
		dedup = redisstores.NewDeduplicationStore(client, dedupWindow)
		acks = redisstores.NewAcknowledgmentStore(client, ackTTL)
	default:
		idem = memory.NewIdempotencyStore(idemTTL, e.cfg.ExactlyOnce.Idempotency.MaxKeys)
		dedup = memory.NewDeduplicationStore(dedupWindow, e.cfg.ExactlyOnce.Deduplication.MaxEntries)
		acks = memory.NewAcknowledgmentStore(ackTTL)
	}
	e.idem, e.dedup, e.acks = idem, dedup, acks

	needsPostgres := e.cfg.Stores.OffsetBackend == "postgres" || e.cfg.Stores.GroupBackend == "postgres"
	if needsPostgres {
		pool, err := pgstores.NewPool(ctx, pgstores.Config{
			Host:     e.cfg.Stores.Postgres.Host,
			Port:     e.cfg.Stores.Postgres.Port,
			User:     e.cfg.Stores.Postgres.User,
			Password: e.cfg.Stores.Postgres.Password,
			Database: e.cfg.Stores.Postgres.Database,
			SSLMode:  e.cfg.Stores.Postgres.SSLMode,
			MaxConns: e.cfg.Stores.Postgres.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("failed to connect postgres store backend: %w", err)
		}
		e.pgPool = pool
	}

	if e.cfg.Stores.OffsetBackend == "postgres" {
		store, err := pgstores.NewOffsetStore(ctx, e.pgPool)
		if err != nil {
			return err
		}
		e.offsets = store
	} else {
		e.offsets = memory.NewOffsetStore()
	}

	if e.cfg.Stores.GroupBackend == "postgres" {
		store, err := pgstores.NewGroupStore(ctx, e.pgPool)
		if err != nil {
			return err
		}
		e.groupStore = store
	} else {
		e.groupStore = txgroup.NewMemoryGroupStore()
	}
	return nil
}

func (e *Engine) initThrottle() {
	if !e.cfg.Throttling.Enabled {
		return
	}
	tc := e.cfg.Throttling
	overrides := make(map[string]throttle.Limits, len(tc.PerTenant.TenantConfigs))
	for tenant, limits := range tc.PerTenant.TenantConfigs {
		overrides[tenant] = throttle.Limits{
			MaxEventsPerSecond:         limits.MaxEventsPerSecond,
			MaxConcurrentConnections:   limits.MaxConcurrentConnections,
			MaxConcurrentSubscriptions: limits.MaxConcurrentSubscriptions,
			MaxMemoryMB:                limits.MaxMemoryMB,
			MaxCPUPercent:              limits.MaxCPUPercent,
			BurstMultiplier:            limits.BurstMultiplier,
			Priority:                   throttle.Priority(limits.Priority),
		}
	}
	e.throttler = throttle.NewController(throttle.Config{
		Enabled: true,
		Global: throttle.Limits{
			MaxEventsPerSecond:         tc.Global.MaxEventsPerSecond,
			MaxConcurrentConnections:   tc.Global.MaxConcurrentConnections,
			MaxConcurrentSubscriptions: tc.Global.MaxConcurrentSubscriptions,
			MaxMemoryMB:                tc.Global.MaxMemoryMB,
			MaxCPUPercent:              tc.Global.MaxCPUPercent,
			BurstMultiplier:            tc.Global.BurstMultiplier,
		},
		TenantDefaults: throttle.Limits{
			MaxEventsPerSecond:         tc.PerTenant.DefaultMaxEventsPerSecond,
			MaxConcurrentConnections:   tc.PerTenant.DefaultMaxConcurrentConnections,
			MaxConcurrentSubscriptions: tc.PerTenant.DefaultMaxConcurrentSubscriptions,
			MaxMemoryMB:                tc.PerTenant.DefaultMaxMemoryMB,
			MaxCPUPercent:              tc.PerTenant.DefaultMaxCPUPercent,
			BurstMultiplier:            tc.PerTenant.DefaultBurstMultiplier,
			Priority:                   throttle.Priority(tc.PerTenant.DefaultPriority),
		},
		TenantOverrides: overrides,
		Algorithm: throttle.AlgorithmSpec{
			Type:            throttle.AlgorithmType(tc.Algorithm.Type),
			WindowSize:      time.Duration(tc.Algorithm.WindowSizeSeconds) * time.Second,
			NumberOfWindows: tc.Algorithm.NumberOfWindows,
			BucketSize:      tc.Algorithm.BucketSize,
			RefillRate:      tc.Algorithm.RefillRate,
			RefillInterval:  time.Duration(tc.Algorithm.RefillIntervalMs) * time.Millisecond,
		},
	}, e.logger)
}

func (e *Engine) initManagers(ctx context.Context) {
	eo := e.cfg.ExactlyOnce
	e.delivery = exactlyonce.NewManager(exactlyonce.Config{
		Guarantee:               exactlyonce.Guarantee(eo.Guarantee),
		KeyStrategy:             exactlyonce.KeyStrategy(eo.Idempotency.KeyStrategy),
		MaxConcurrentDeliveries: int64(eo.MaxConcurrentDeliveries),
		DeduplicationEnabled:    eo.Deduplication.Enabled,
		AckRequired:             eo.Acknowledgment.Required,
		Retry:                   eo.Retry.ToRetryPolicy(),
	}, e.idem, e.dedup, e.acks, e.logger)

	tx := e.cfg.Transactional
	e.groups = txgroup.NewManager(txgroup.Config{
		MaxConcurrentTransactions: tx.MaxConcurrentTransactions,
		DefaultTimeout:            time.Duration(tx.DefaultTimeoutSeconds) * time.Second,
		MaxEventsPerTransaction:   tx.MaxEventsPerTransaction,
		RetentionDays:             tx.RetentionDays,
		CleanupInterval:           time.Duration(tx.CleanupIntervalMinutes) * time.Minute,
		TimeoutInterval:           time.Duration(tx.TimeoutProcessingIntervalMinutes) * time.Minute,
		EnableChecksums:           tx.EnableChecksums,
		ChecksumAlgorithm:         txgroup.ChecksumAlgorithm(tx.ChecksumAlgorithm),
	}, e.groupStore, e.logger)
}

func (e *Engine) initPublishers() error {
	for _, pc := range e.cfg.Publishers {
		serializer, err := wire.NewSerializer(pc.Serializer)
		if err != nil {
			return err
		}
		publisher, err := cdc.NewPublisher(pc.ToPublisherConfig(), cdc.PublisherDeps{
			Serializer: serializer,
			Logger:     e.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to build publisher %s: %w", pc.Name, err)
		}
		e.publishers[pc.Name] = publisher
	}
	return nil
}

func (e *Engine) initDispatcher(ctx context.Context) error {
	e.dispatcher = dispatch.New(dispatch.Config{
		QueueSize:             e.cfg.Global.QueueSize,
		DefaultBatchSize:      e.cfg.Global.DefaultBatchSize,
		DefaultFlushInterval:  time.Duration(e.cfg.Global.DefaultFlushIntervalMs) * time.Millisecond,
		DefaultMaxConcurrency: e.cfg.Global.DefaultMaxDegreeOfParallelism,
		StopTimeout:           e.cfg.StopTimeout(),
	}, dispatch.Deps{
		Throttle:  e.throttler,
		Metrics:   e.metrics,
		Logger:    e.logger,
		OnFailure: e.failurePolicy(),
	})

	for _, ac := range e.cfg.Adapters {
		adapter, err := cdc.NewAdapter(ac.ToAdapterConfig(), cdc.AdapterDeps{
			Offsets: e.offsets,
			Logger:  e.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to build adapter for %s: %w", ac.Source, err)
		}
		if err := e.dispatcher.AddSource(adapter); err != nil {
			return err
		}
	}
	return nil
}

// failurePolicy decides what happens after a subscription handler gives up
// on an event. With dead-lettering enabled the event is reshipped to the
// dead-letter publisher; offset advancement follows the advance_offset
// setting. Without it the offset stays pinned.
func (e *Engine) failurePolicy() dispatch.FailurePolicy {
	return func(ctx context.Context, event *cdc.ChangeEvent, handlerErr error) error {
		if !e.cfg.DeadLetter.Enabled {
			return handlerErr
		}
		publisher, ok := e.publishers[e.cfg.DeadLetter.Publisher]
		if !ok {
			return handlerErr
		}

		dead := event.Clone()
		dead.SetMetadata("dead_letter_reason", handlerErr.Error())
		dead.SetMetadata("original_publisher", e.subscriptionPublisher(event.Source))
		dead.SetMetadata("failed_attempts", strconv.Itoa(e.cfg.ExactlyOnce.Retry.MaxAttempts))

		if err := publisher.Publish(ctx, dead); err != nil {
			e.logger.Errorf("Dead-letter publish for event %s failed: %v", event.ID, err)
			return handlerErr
		}
		e.metrics.DeadLetter(event.Source, e.cfg.DeadLetter.Publisher)
		e.logger.Warnf("Event %s dead-lettered: %v", event.ID, handlerErr)

		if e.cfg.DeadLetter.AdvanceOffset {
			return nil
		}
		return handlerErr
	}
}

func (e *Engine) subscriptionPublisher(source string) string {
	for _, sc := range e.cfg.Subscriptions {
		if sc.Source == source && sc.Publisher != "" {
			return sc.Publisher
		}
	}
	return ""
}

// Start opens the network listeners, starts the sweepers and attaches the
// configured subscriptions, which lazily starts the adapter streams.
func (e *Engine) Start(ctx context.Context) error {
	e.state.Lock()
	if !e.state.initialized {
		e.state.Unlock()
		return fmt.Errorf("engine is not initialized")
	}
	if e.state.isRunning {
		e.state.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.state.isRunning = true
	e.state.Unlock()

	if err := e.servers.start(); err != nil {
		return err
	}

	if e.cfg.Transactional.Enabled {
		e.groups.StartSweepers(ctx)
	}

	for _, sc := range e.cfg.Subscriptions {
		handle, err := e.attachSubscription(sc)
		if err != nil {
			return fmt.Errorf("failed to attach subscription on %s: %w", sc.Source, err)
		}
		e.handles = append(e.handles, handle)
	}

	if e.cfg.Global.EnableHealthChecks {
		e.healthStop = make(chan struct{})
		e.healthDone = make(chan struct{})
		go e.healthLoop()
	}

	e.logger.Infof("%s %s started: http=%d grpc=%d",
		e.cfg.Service.Name, e.cfg.Service.Version, e.cfg.Service.HTTPPort, e.cfg.Service.GRPCPort)
	return nil
}

// attachSubscription wires one configured subscription into the dispatcher.
func (e *Engine) attachSubscription(sc config.SubscriptionConfig) (*dispatch.SubscriptionHandle, error) {
	opts := dispatch.NewSubscriptionOptions(sc.Source)
	opts.Schema = sc.Schema
	opts.Table = sc.Table
	for _, op := range sc.Operations {
		opts.Operations = append(opts.Operations, cdc.Operation(op))
	}
	opts.BatchSize = sc.BatchSize
	opts.FlushInterval = time.Duration(sc.FlushIntervalMs) * time.Millisecond
	opts.MaxConcurrency = sc.MaxConcurrency
	if sc.IncludeBefore != nil {
		opts.IncludeBefore = *sc.IncludeBefore
	}
	if sc.IncludeAfter != nil {
		opts.IncludeAfter = *sc.IncludeAfter
	}

	publisher, ok := e.publishers[sc.Publisher]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cdc.ErrPublisherNotFound, sc.Publisher)
	}

	if e.cfg.ExactlyOnce.Enabled {
		return e.dispatcher.Subscribe(opts, e.exactlyOnceHandler(publisher))
	}
	return e.dispatcher.SubscribeBatch(opts, e.batchHandler(publisher))
}

// exactlyOnceHandler delivers each event through the exactly-once manager.
func (e *Engine) exactlyOnceHandler(publisher cdc.Publisher) cdc.EventHandler {
	return func(ctx context.Context, event *cdc.ChangeEvent) error {
		e.TrackOperation()
		defer e.UntrackOperation()

		started := time.Now()
		result, err := e.delivery.DeliverExactlyOnce(ctx, event, publisher)
		if err != nil {
			e.metrics.EventPublishFailed(event, publisher.Name(), publisher.Destination())
			return err
		}
		for i := 1; i < result.DeliveryAttempts; i++ {
			e.metrics.RetryAttempt(event.Source, publisher.Name())
		}
		if !result.Success {
			// Terminal failure: surface it so the failure policy decides
			// whether the offset may advance (dead-letter) or stays pinned.
			e.metrics.EventPublishFailed(event, publisher.Name(), publisher.Destination())
			return fmt.Errorf("%w after %d attempts: %s",
				cdc.ErrDeliveryFailed, result.DeliveryAttempts, result.LastError)
		}
		if !result.IsDuplicate {
			e.metrics.EventPublished(event, publisher.Name(), publisher.Destination(), time.Since(started).Seconds())
		}
		return nil
	}
}

// batchHandler delivers batches straight to the publisher when the
// exactly-once layer is off.
func (e *Engine) batchHandler(publisher cdc.Publisher) dispatch.BatchHandler {
	return func(ctx context.Context, events []*cdc.ChangeEvent) error {
		e.TrackOperation()
		defer e.UntrackOperation()

		started := time.Now()
		result, err := publisher.PublishBatch(ctx, events)
		if err != nil {
			for _, event := range events {
				e.metrics.EventPublishFailed(event, publisher.Name(), publisher.Destination())
			}
			return err
		}
		elapsed := time.Since(started).Seconds() / float64(len(events))
		if len(result.Failed) > 0 {
			failed := make(map[string]bool, len(result.Failed))
			for _, f := range result.Failed {
				failed[f.EventID] = true
			}
			for _, event := range events {
				if failed[event.ID] {
					e.metrics.EventPublishFailed(event, publisher.Name(), publisher.Destination())
				} else {
					e.metrics.EventPublished(event, publisher.Name(), publisher.Destination(), elapsed)
				}
			}
			return fmt.Errorf("%w: %d of %d events undelivered",
				cdc.ErrDeliveryFailed, len(result.Failed), len(events))
		}
		for _, event := range events {
			e.metrics.EventPublished(event, publisher.Name(), publisher.Destination(), elapsed)
		}
		return nil
	}
}

// Stop drains the pipeline and shuts every component down within the
// configured grace period.
func (e *Engine) Stop(ctx context.Context) error {
	e.state.Lock()
	if !e.state.isRunning {
		e.state.Unlock()
		return nil
	}
	e.state.isRunning = false
	e.state.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, e.cfg.StopTimeout())
	defer cancel()

	if e.healthStop != nil {
		close(e.healthStop)
		<-e.healthDone
	}

	var firstErr error
	if err := e.dispatcher.Stop(stopCtx); err != nil {
		e.logger.Errorf("Dispatcher stop: %v", err)
		firstErr = err
	}

	if e.cfg.Transactional.Enabled {
		e.groups.StopSweepers()
	}

	for name, publisher := range e.publishers {
		if err := publisher.Close(stopCtx); err != nil {
			e.logger.Errorf("Publisher %s close: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	e.servers.stop(stopCtx)

	if e.redisClient != nil {
		e.redisClient.Close()
	}
	if e.pgPool != nil {
		e.pgPool.Close()
	}

	e.logger.Infof("%s stopped", e.cfg.Service.Name)
	return firstErr
}

// TrackOperation registers an in-flight operation for the drain counter.
func (e *Engine) TrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, 1)
}

// UntrackOperation releases an in-flight operation.
func (e *Engine) UntrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, -1)
}

// IsRunning reports the lifecycle state.
func (e *Engine) IsRunning() bool {
	e.state.Lock()
	defer e.state.Unlock()
	return e.state.isRunning
}

// Transactions exposes the transactional grouping manager.
func (e *Engine) Transactions() *txgroup.Manager { return e.groups }

// Delivery exposes the exactly-once manager.
func (e *Engine) Delivery() *exactlyonce.Manager { return e.delivery }

// Dispatcher exposes the subscription and dispatch engine.
func (e *Engine) Dispatcher() *dispatch.Engine { return e.dispatcher }

// CollectMetrics snapshots the engine counters.
func (e *Engine) CollectMetrics() map[string]int64 {
	snapshot := map[string]int64{
		"sources":            int64(len(e.dispatcher.Sources())),
		"publishers":         int64(len(e.publishers)),
		"subscriptions":      int64(len(e.handles)),
		"ongoing_operations": int64(atomic.LoadInt32(&e.state.ongoingOperations)),
		"active_deliveries":  int64(len(e.delivery.ActiveSessions())),
	}
	if active, err := e.groups.ActiveCount(context.Background()); err == nil {
		snapshot["active_transactions"] = int64(active)
	}
	return snapshot
}

// healthLoop refreshes component checks, gRPC statuses and gauges.
func (e *Engine) healthLoop() {
	defer close(e.healthDone)
	interval := time.Duration(e.cfg.Global.HealthCheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.healthStop:
			return
		case <-ticker.C:
			e.refreshHealth()
		}
	}
}

func (e *Engine) refreshHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, source := range e.dispatcher.Sources() {
		source := source
		name := "adapter:" + source
		status, err := e.dispatcher.StreamHealth(source)
		e.checker.RunCheck(name, func() error {
			if err != nil {
				return err
			}
			if !status.Healthy && status.LastError != "" {
				return fmt.Errorf("%s", status.LastError)
			}
			return nil
		})
		e.servers.setServing(name, err == nil && status.Healthy)
		e.metrics.SetStreamLag(source, status.LagSeconds)
	}

	for name, publisher := range e.publishers {
		publisher := publisher
		checkName := "publisher:" + name
		e.checker.RunCheck(checkName, func() error {
			status := publisher.Health()
			if !status.Healthy && status.LastError != "" {
				return fmt.Errorf("%s", status.LastError)
			}
			return nil
		})
		e.servers.setServing(checkName, publisher.Health().Healthy)
	}

	e.checker.RunCheck("store:offsets", func() error {
		_, err := e.offsets.GetOffset(ctx, "healthcheck")
		return err
	})
	if e.redisClient != nil {
		e.checker.RunCheck("store:redis", func() error {
			return e.redisClient.Ping(ctx).Err()
		})
	}
	if e.pgPool != nil {
		e.checker.RunCheck("store:postgres", func() error {
			return e.pgPool.Ping(ctx)
		})
	}

	e.metrics.SetActiveDeliveries(len(e.delivery.ActiveSessions()))
	if active, err := e.groups.ActiveCount(ctx); err == nil {
		e.metrics.SetActiveTransactions(active)
	}
}
