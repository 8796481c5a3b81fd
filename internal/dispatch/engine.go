// Package dispatch fans change events out from source adapters to
// subscribers. Adapters start lazily with the first subscription on their
// source; per-source dispatch is serialized so subscribers observe adapter
// order, and a source's offset advances only after every matched subscriber
// handled the event.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/redbco/redb-cdc/internal/metrics"
	"github.com/redbco/redb-cdc/internal/throttle"
	"github.com/redbco/redb-cdc/internal/tracing"
	"github.com/redbco/redb-cdc/pkg/cdc"
	"github.com/redbco/redb-cdc/pkg/logger"
)

var (
	// ErrEngineStopped is returned by Subscribe and Replay after Stop.
	ErrEngineStopped = errors.New("dispatch engine is stopped")

	// ErrThrottled is returned when admission is denied for a client call.
	ErrThrottled = errors.New("request throttled")
)

// FailurePolicy decides what happens to an event whose handlers failed.
// Returning nil accepts the event (dead-lettered or otherwise handled) so the
// offset may advance past it; returning an error holds the source watermark
// at the failed event.
type FailurePolicy func(ctx context.Context, event *cdc.ChangeEvent, handlerErr error) error

// Config tunes the engine. Zero values inherit the documented defaults.
type Config struct {
	QueueSize             int           // per-source event queue, default 1024
	DefaultBatchSize      int           // default 100
	DefaultFlushInterval  time.Duration // default 1s
	DefaultMaxConcurrency int           // default 4
	StopTimeout           time.Duration // default 30s
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 100
	}
	if c.DefaultFlushInterval <= 0 {
		c.DefaultFlushInterval = time.Second
	}
	if c.DefaultMaxConcurrency <= 0 {
		c.DefaultMaxConcurrency = 4
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
}

// Deps carries the engine's collaborators. All of them are optional.
type Deps struct {
	Throttle  *throttle.Controller
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
	OnFailure FailurePolicy
}

// stream is one running adapter feeding the engine.
type stream struct {
	adapter cdc.SourceAdapter
	queue   chan *cdc.ChangeEvent
	tracker *offsetTracker
	cancel  context.CancelFunc

	feederDone   chan struct{}
	dispatchDone chan struct{}
}

// Engine is the subscription and dispatch engine.
type Engine struct {
	cfg  Config
	deps Deps

	mu       sync.RWMutex
	adapters map[string]cdc.SourceAdapter
	streams  map[string]*stream
	subs     map[string]*subscription
	bySource map[string][]*subscription
	stopped  bool
}

// New creates an engine. Sources are attached with AddSource before
// subscribing.
func New(cfg Config, deps Deps) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		adapters: make(map[string]cdc.SourceAdapter),
		streams:  make(map[string]*stream),
		subs:     make(map[string]*subscription),
		bySource: make(map[string][]*subscription),
	}
}

// AddSource registers an adapter under its logical source id. The adapter is
// not started until the first subscription arrives.
func (e *Engine) AddSource(adapter cdc.SourceAdapter) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	source := adapter.Source()
	if _, exists := e.adapters[source]; exists {
		return fmt.Errorf("source %s is already registered", source)
	}
	e.adapters[source] = adapter
	return nil
}

// Subscribe attaches a single-event handler. Each event in a flushed batch is
// handed to the handler individually, up to MaxConcurrency at a time.
func (e *Engine) Subscribe(opts SubscriptionOptions, handler cdc.EventHandler) (*SubscriptionHandle, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", cdc.ErrInvalidConfiguration)
	}
	concurrency := opts.MaxConcurrency
	if concurrency <= 0 {
		concurrency = e.cfg.DefaultMaxConcurrency
	}
	batch := func(ctx context.Context, events []*cdc.ChangeEvent) error {
		if len(events) != 1 {
			return fmt.Errorf("single-event subscription received %d events", len(events))
		}
		return handler(ctx, events[0])
	}
	return e.subscribe(opts, batch, concurrency)
}

// SubscribeBatch attaches a batch handler invoked with each flushed batch in
// arrival order.
func (e *Engine) SubscribeBatch(opts SubscriptionOptions, handler BatchHandler) (*SubscriptionHandle, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", cdc.ErrInvalidConfiguration)
	}
	return e.subscribe(opts, handler, 0)
}

func (e *Engine) subscribe(opts SubscriptionOptions, handler BatchHandler, singleConcurrency int) (*SubscriptionHandle, error) {
	if opts.Source == "" {
		return nil, fmt.Errorf("%w: subscription source is required", cdc.ErrInvalidConfiguration)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = e.cfg.DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = e.cfg.DefaultFlushInterval
	}

	if e.deps.Throttle != nil {
		result := e.deps.Throttle.Check(context.Background(), throttle.ScopeSubscriptionCreation, "")
		if !result.Allowed {
			return nil, fmt.Errorf("%w: %s", ErrThrottled, result.Reason)
		}
		e.deps.Throttle.RecordRequest(context.Background(), throttle.ScopeSubscriptionCreation, "")
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.releaseSubscriptionSlot()
		return nil, ErrEngineStopped
	}
	if _, ok := e.adapters[opts.Source]; !ok {
		e.mu.Unlock()
		e.releaseSubscriptionSlot()
		return nil, fmt.Errorf("%w: no adapter for source %s", cdc.ErrAdapterNotFound, opts.Source)
	}

	sub := &subscription{
		id:                uuid.NewString(),
		source:            opts.Source,
		opts:              opts,
		handler:           handler,
		singleConcurrency: singleConcurrency,
		queue:             make(chan queuedEvent, e.cfg.QueueSize),
		quit:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	e.subs[sub.id] = sub
	e.bySource[opts.Source] = append(e.bySource[opts.Source], sub)

	st, ok := e.streams[opts.Source]
	if !ok {
		st = e.startStreamLocked(opts.Source)
		e.streams[opts.Source] = st
	}
	e.mu.Unlock()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	sub.cancel = workerCancel
	go sub.run(workerCtx, func(seq uint64, err error) {
		committed, failed := st.tracker.complete(seq, err)
		e.applyTracker(st, committed, failed)
	})

	if e.deps.Logger != nil {
		e.deps.Logger.Infof("Subscribed %s to source %s (schema=%q table=%q batch=%d)",
			sub.id, opts.Source, opts.Schema, opts.Table, opts.BatchSize)
	}
	return &SubscriptionHandle{ID: sub.id, engine: e}, nil
}

func (e *Engine) releaseSubscriptionSlot() {
	if e.deps.Throttle != nil {
		e.deps.Throttle.Release(throttle.ScopeSubscriptionCreation, "")
	}
}

// removeSubscription backs SubscriptionHandle.Dispose.
func (e *Engine) removeSubscription(id string) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.subs, id)
	remaining := e.bySource[sub.source][:0]
	for _, s := range e.bySource[sub.source] {
		if s.id != id {
			remaining = append(remaining, s)
		}
	}
	e.bySource[sub.source] = remaining

	var st *stream
	if len(remaining) == 0 {
		st = e.streams[sub.source]
		delete(e.streams, sub.source)
		delete(e.bySource, sub.source)
	}
	e.mu.Unlock()

	sub.close()
	e.releaseSubscriptionSlot()

	if st != nil {
		e.stopStream(sub.source, st)
	}
}

// startStreamLocked launches the adapter feeder and the per-source dispatch
// loop. Caller holds e.mu.
func (e *Engine) startStreamLocked(source string) *stream {
	adapter := e.adapters[source]
	ctx, cancel := context.WithCancel(context.Background())
	st := &stream{
		adapter:      adapter,
		queue:        make(chan *cdc.ChangeEvent, e.cfg.QueueSize),
		tracker:      newOffsetTracker(),
		cancel:       cancel,
		feederDone:   make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}

	go func() {
		defer close(st.feederDone)
		defer close(st.queue)
		err := adapter.Start(ctx, func(hctx context.Context, event *cdc.ChangeEvent) error {
			select {
			case st.queue <- event:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-hctx.Done():
				return hctx.Err()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			if e.deps.Logger != nil {
				e.deps.Logger.Errorf("Stream for source %s stopped: %v", source, err)
			}
			adapter.Statistics().RecordFailure(err)
		}
	}()

	go e.runDispatch(ctx, st)

	if e.deps.Logger != nil {
		e.deps.Logger.Infof("Started stream for source %s", source)
	}
	return st
}

func (e *Engine) stopStream(source string, st *stream) {
	st.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout)
	defer cancel()
	if err := st.adapter.Stop(ctx); err != nil && e.deps.Logger != nil {
		e.deps.Logger.Warnf("Stopping adapter for source %s: %v", source, err)
	}

	for _, done := range []chan struct{}{st.feederDone, st.dispatchDone} {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	st.tracker.drain()

	if e.deps.Logger != nil {
		e.deps.Logger.Infof("Stopped stream for source %s", source)
	}
}

// runDispatch is the serialized per-source dispatch loop.
func (e *Engine) runDispatch(ctx context.Context, st *stream) {
	defer close(st.dispatchDone)
	for {
		select {
		case event, ok := <-st.queue:
			if !ok {
				return
			}
			e.processEvent(ctx, st, event)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) processEvent(ctx context.Context, st *stream, event *cdc.ChangeEvent) {
	if !e.admitEvent(ctx, event) {
		return
	}

	spanCtx, span := tracing.StartProcessSpan(ctx, event)

	e.mu.RLock()
	var matched []*subscription
	for _, sub := range e.bySource[event.Source] {
		if sub.matches(event) {
			matched = append(matched, sub)
		}
	}
	e.mu.RUnlock()

	seq := st.tracker.track(event, len(matched), span)
	if len(matched) == 0 {
		committed, failed := st.tracker.sweep()
		e.applyTracker(st, committed, failed)
		return
	}
	for _, sub := range matched {
		if !sub.enqueue(spanCtx, queuedEvent{seq: seq, event: event}) {
			committed, failed := st.tracker.complete(seq, nil)
			e.applyTracker(st, committed, failed)
		}
	}
}

// admitEvent blocks until the throttle admits the event or the stream stops.
// Blocking here backpressures the source instead of dropping events.
func (e *Engine) admitEvent(ctx context.Context, event *cdc.ChangeEvent) bool {
	if e.deps.Throttle == nil {
		return true
	}
	for {
		result := e.deps.Throttle.Check(ctx, throttle.ScopeEventProcessing, event.TenantID())
		if result.Allowed {
			e.deps.Throttle.RecordRequest(ctx, throttle.ScopeEventProcessing, event.TenantID())
			return true
		}
		wait := time.Duration(result.RetryAfterSeconds) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		if e.deps.Logger != nil {
			e.deps.Logger.Warnf("Event processing throttled for source %s: %s", event.Source, result.Reason)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return false
		}
	}
}

// applyTracker turns watermark movement into offset writes, metrics and
// failure routing.
func (e *Engine) applyTracker(st *stream, committed []*pendingEvent, failed *pendingEvent) {
	for {
		for _, p := range committed {
			e.deps.Metrics.EventProcessed(p.event, time.Since(p.startedAt).Seconds())
			if p.span != nil {
				p.span.End()
			}
		}
		if len(committed) > 0 {
			last := committed[len(committed)-1]
			if err := st.adapter.SetOffset(context.Background(), last.event.Offset); err != nil {
				// Offset writes fail closed: surface loudly, the adapter
				// keeps its previous position.
				if e.deps.Logger != nil {
					e.deps.Logger.Errorf("Persisting offset %s for source %s: %v", last.event.Offset, last.event.Source, err)
				}
				st.adapter.Statistics().RecordFailure(err)
			}
		}
		if failed == nil {
			return
		}

		e.deps.Metrics.EventFailed(failed.event)
		st.adapter.Statistics().RecordFailure(failed.lastErr)
		if failed.span != nil {
			failed.span.SetStatus(codes.Error, failed.lastErr.Error())
			failed.span.End()
		}

		if e.deps.OnFailure == nil {
			if e.deps.Logger != nil {
				e.deps.Logger.Errorf("Handler failed for %s.%s offset %s, holding offset: %v",
					failed.event.Schema, failed.event.Table, failed.event.Offset, failed.lastErr)
			}
			return
		}
		if err := e.deps.OnFailure(context.Background(), failed.event, failed.lastErr); err != nil {
			if e.deps.Logger != nil {
				e.deps.Logger.Errorf("Failure policy rejected event at offset %s, holding offset: %v",
					failed.event.Offset, err)
			}
			return
		}
		committed, failed = st.tracker.resolve(failed.seq)
	}
}

// Replay re-reads a source from an offset through the supplied handler,
// outside the subscription fan-out.
func (e *Engine) Replay(ctx context.Context, source, fromOffset string, handler cdc.EventHandler) error {
	e.mu.RLock()
	if e.stopped {
		e.mu.RUnlock()
		return ErrEngineStopped
	}
	adapter, ok := e.adapters[source]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no adapter for source %s", cdc.ErrAdapterNotFound, source)
	}

	if e.deps.Throttle != nil {
		result := e.deps.Throttle.Check(ctx, throttle.ScopeReplay, "")
		if !result.Allowed {
			return fmt.Errorf("%w: %s", ErrThrottled, result.Reason)
		}
		e.deps.Throttle.RecordRequest(ctx, throttle.ScopeReplay, "")
	}
	return adapter.ReplayFromOffset(ctx, fromOffset, handler)
}

// Sources lists the registered source ids.
func (e *Engine) Sources() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sources := make([]string, 0, len(e.adapters))
	for source := range e.adapters {
		sources = append(sources, source)
	}
	return sources
}

// StreamHealth reports the adapter health for one source.
func (e *Engine) StreamHealth(source string) (cdc.HealthStatus, error) {
	e.mu.RLock()
	adapter, ok := e.adapters[source]
	e.mu.RUnlock()
	if !ok {
		return cdc.HealthStatus{}, fmt.Errorf("%w: no adapter for source %s", cdc.ErrAdapterNotFound, source)
	}
	return adapter.Health(), nil
}

// Stop detaches every subscription and stops all streams. After it returns no
// handler is invoked again.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	subs := make([]*subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	streams := make(map[string]*stream, len(e.streams))
	for source, st := range e.streams {
		streams[source] = st
	}
	e.subs = make(map[string]*subscription)
	e.bySource = make(map[string][]*subscription)
	e.streams = make(map[string]*stream)
	e.mu.Unlock()

	for _, sub := range subs {
		sub.close()
		e.releaseSubscriptionSlot()
	}

	deadline := e.cfg.StopTimeout
	if remaining, ok := ctx.Deadline(); ok {
		if until := time.Until(remaining); until < deadline {
			deadline = until
		}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for source, st := range streams {
			e.stopStream(source, st)
		}
	}()
	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return fmt.Errorf("%w: dispatch engine stop", cdc.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
