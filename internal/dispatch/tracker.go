package dispatch

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

// pendingEvent tracks one dispatched event until every matched subscription
// has finished with it.
type pendingEvent struct {
	seq       uint64
	event     *cdc.ChangeEvent
	remaining int
	failed    bool
	reported  bool
	lastErr   error
	startedAt time.Time
	span      trace.Span
}

// offsetTracker advances a source's offset in adapter order. An event's
// offset is committed only once the event and everything dispatched before it
// completed successfully; a failed event holds the watermark at its offset.
type offsetTracker struct {
	mu      sync.Mutex
	pending map[uint64]*pendingEvent
	nextSeq uint64 // next sequence to assign
	commit  uint64 // next sequence eligible to commit
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{pending: make(map[uint64]*pendingEvent), nextSeq: 1, commit: 1}
}

// track registers a dispatched event and returns its sequence number.
func (t *offsetTracker) track(event *cdc.ChangeEvent, fanout int, span trace.Span) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.nextSeq
	t.nextSeq++
	t.pending[seq] = &pendingEvent{
		seq:       seq,
		event:     event,
		remaining: fanout,
		startedAt: time.Now(),
		span:      span,
	}
	return seq
}

// complete records one subscription finishing with an event and returns any
// watermark movement that unlocks.
func (t *offsetTracker) complete(seq uint64, err error) (committed []*pendingEvent, failed *pendingEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[seq]
	if !ok {
		return nil, nil
	}
	if err != nil {
		p.failed = true
		p.lastErr = err
	}
	if p.remaining > 0 {
		p.remaining--
	}
	return t.walkLocked()
}

// sweep walks the watermark without completing anything, for events that
// matched no subscription.
func (t *offsetTracker) sweep() (committed []*pendingEvent, failed *pendingEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.walkLocked()
}

// resolve clears a failed event after the failure policy accepted it, letting
// the watermark move past it. A later event whose failure was masked by this
// one is reported in turn.
func (t *offsetTracker) resolve(seq uint64) (committed []*pendingEvent, failed *pendingEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[seq]
	if !ok {
		return nil, nil
	}
	p.failed = false
	p.reported = false
	p.lastErr = nil
	return t.walkLocked()
}

// walkLocked advances the commit watermark over the contiguous run of fully
// completed events. It stops at, and reports once, the first completed event
// that failed.
func (t *offsetTracker) walkLocked() (committed []*pendingEvent, failed *pendingEvent) {
	for {
		next, ok := t.pending[t.commit]
		if !ok || next.remaining > 0 {
			return committed, nil
		}
		if next.failed {
			if !next.reported {
				next.reported = true
				failed = next
			}
			return committed, failed
		}
		committed = append(committed, next)
		delete(t.pending, t.commit)
		t.commit++
	}
}

// drain ends any open spans, for engine shutdown.
func (t *offsetTracker) drain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for seq, p := range t.pending {
		if p.span != nil {
			p.span.SetStatus(codes.Error, "dispatch stopped")
			p.span.End()
		}
		delete(t.pending, seq)
	}
}
