package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

// BatchHandler receives a flushed batch of change events in arrival order.
type BatchHandler func(ctx context.Context, events []*cdc.ChangeEvent) error

// SubscriptionOptions selects and shapes the events a subscriber receives.
// Start from NewSubscriptionOptions so the image flags default to inclusive.
type SubscriptionOptions struct {
	// Source is required. Schema and Table are optional narrowing filters;
	// empty matches everything on the source.
	Source string
	Schema string
	Table  string

	// Operations admits only the listed operations. Empty admits all.
	Operations []cdc.Operation

	// Predicate, when set, must return true for an event to be delivered.
	Predicate func(*cdc.ChangeEvent) bool

	// BatchSize and FlushInterval bound the per-subscription batcher.
	// Zero values inherit the engine defaults.
	BatchSize     int
	FlushInterval time.Duration

	// IncludeBefore and IncludeAfter control which row images reach the
	// handler. Disabled images are stripped from a clone of the event.
	IncludeBefore bool
	IncludeAfter  bool

	// MaxConcurrency bounds concurrent handler invocations within one
	// flushed batch for single-event subscriptions. Zero inherits the
	// engine default.
	MaxConcurrency int
}

// NewSubscriptionOptions returns options for a source with both row images
// included.
func NewSubscriptionOptions(source string) SubscriptionOptions {
	return SubscriptionOptions{
		Source:        source,
		IncludeBefore: true,
		IncludeAfter:  true,
	}
}

// SubscriptionHandle identifies a live subscription and detaches it.
type SubscriptionHandle struct {
	// ID is the unique subscription id.
	ID string

	engine *Engine
	once   sync.Once
}

// Dispose removes the subscription. It is idempotent; once it returns the
// handler is never invoked again, and the source adapter is stopped when this
// was its last subscription.
func (h *SubscriptionHandle) Dispose() {
	h.once.Do(func() {
		h.engine.removeSubscription(h.ID)
	})
}

// queuedEvent is one event in flight to a subscription, tagged with its
// per-source dispatch sequence for offset tracking.
type queuedEvent struct {
	seq   uint64
	event *cdc.ChangeEvent
}

type subscription struct {
	id      string
	source  string
	opts    SubscriptionOptions
	handler BatchHandler

	// singleConcurrency is non-zero for single-event subscriptions and
	// bounds the per-batch errgroup.
	singleConcurrency int

	queue chan queuedEvent
	quit  chan struct{}
	done  chan struct{}

	// cancel aborts the worker context so an in-flight handler sees
	// cancellation during close.
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (s *subscription) matches(event *cdc.ChangeEvent) bool {
	if s.opts.Schema != "" && s.opts.Schema != event.Schema {
		return false
	}
	if s.opts.Table != "" && s.opts.Table != event.Table {
		return false
	}
	if len(s.opts.Operations) > 0 {
		found := false
		for _, op := range s.opts.Operations {
			if op == event.Operation {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.opts.Predicate != nil && !s.opts.Predicate(event) {
		return false
	}
	return true
}

// enqueue hands an event to the subscription worker. It blocks when the
// subscription queue is full so per-source ordering is preserved, and reports
// false once the subscription is closed.
func (s *subscription) enqueue(ctx context.Context, qe queuedEvent) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.queue <- qe:
		return true
	case <-s.quit:
		return false
	case <-ctx.Done():
		return false
	}
}

// close stops the worker and waits for it to exit. Any handler call already
// in flight finishes first; nothing is invoked afterwards.
func (s *subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// shape applies the image flags, cloning only when something is stripped.
func (s *subscription) shape(event *cdc.ChangeEvent) *cdc.ChangeEvent {
	if s.opts.IncludeBefore && s.opts.IncludeAfter {
		return event
	}
	shaped := event.Clone()
	if !s.opts.IncludeBefore {
		shaped.Before = nil
	}
	if !s.opts.IncludeAfter {
		shaped.After = nil
	}
	return shaped
}

// run is the subscription worker: it assembles batches from the queue and
// flushes on BatchSize or FlushInterval. complete reports the outcome of each
// event back to the engine's offset tracker.
func (s *subscription) run(ctx context.Context, complete func(seq uint64, err error)) {
	defer close(s.done)

	timer := time.NewTimer(s.opts.FlushInterval)
	defer timer.Stop()

	batch := make([]queuedEvent, 0, s.opts.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := s.deliver(ctx, batch)
		for _, qe := range batch {
			complete(qe.seq, err)
		}
		batch = batch[:0]
	}

	// release marks still-queued events as no longer owed by this
	// subscription so the offset tracker does not stall on teardown.
	release := func() {
		for _, qe := range batch {
			complete(qe.seq, nil)
		}
		batch = batch[:0]
		for {
			select {
			case qe := <-s.queue:
				complete(qe.seq, nil)
			default:
				return
			}
		}
	}

	for {
		select {
		case qe := <-s.queue:
			batch = append(batch, qe)
			if len(batch) >= s.opts.BatchSize {
				flush()
				resetTimer(timer, s.opts.FlushInterval)
			}
		case <-timer.C:
			flush()
			timer.Reset(s.opts.FlushInterval)
		case <-s.quit:
			release()
			return
		case <-ctx.Done():
			release()
			return
		}
	}
}

// deliver invokes the handler for one batch. Single-event subscriptions fan
// out within the batch bounded by MaxConcurrency; the next batch is not
// started until this one completes, so batch order is preserved.
func (s *subscription) deliver(ctx context.Context, batch []queuedEvent) error {
	if s.singleConcurrency == 0 {
		events := make([]*cdc.ChangeEvent, len(batch))
		for i, qe := range batch {
			events[i] = s.shape(qe.event)
		}
		return s.handler(ctx, events)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.singleConcurrency)
	for _, qe := range batch {
		event := s.shape(qe.event)
		g.Go(func() error {
			return s.handler(gctx, []*cdc.ChangeEvent{event})
		})
	}
	return g.Wait()
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
