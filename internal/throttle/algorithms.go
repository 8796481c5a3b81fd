package throttle

import (
	"math"
	"sync"
	"time"
)

// AlgorithmType selects the admission algorithm.
type AlgorithmType string

const (
	AlgorithmTokenBucket   AlgorithmType = "token_bucket"
	AlgorithmSlidingWindow AlgorithmType = "sliding_window"
	AlgorithmFixedWindow   AlgorithmType = "fixed_window"
	AlgorithmLeakyBucket   AlgorithmType = "leaky_bucket"
)

// AlgorithmSpec parametrizes the admission algorithm.
type AlgorithmSpec struct {
	Type            AlgorithmType
	WindowSize      time.Duration
	NumberOfWindows int
	BucketSize      int64
	RefillRate      int64
	RefillInterval  time.Duration
}

// rateAlgorithm is the admission primitive behind a throttle check. Allow is
// a read-only probe; Record registers an admitted request so the algorithm
// sees the draw.
type rateAlgorithm interface {
	// Allow reports whether one more request fits, the remaining budget and
	// when the budget resets.
	Allow(now time.Time) (allowed bool, remaining int64, reset time.Time)

	// Record registers one admitted request.
	Record(now time.Time)
}

// newRateAlgorithm builds the configured algorithm for a rate of
// ratePerSecond with the given burst multiplier.
func newRateAlgorithm(spec AlgorithmSpec, ratePerSecond, burstMultiplier float64) rateAlgorithm {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burstMultiplier < 1 {
		burstMultiplier = 1
	}
	switch spec.Type {
	case AlgorithmSlidingWindow:
		return newSlidingWindow(spec, ratePerSecond, burstMultiplier)
	case AlgorithmFixedWindow:
		return newFixedWindow(spec, ratePerSecond, burstMultiplier)
	case AlgorithmLeakyBucket:
		return newLeakyBucket(ratePerSecond, burstMultiplier)
	default:
		return newTokenBucket(ratePerSecond, burstMultiplier)
	}
}

// tokenBucket refills continuously at the configured rate and admits while a
// token is available.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(ratePerSecond, burstMultiplier float64) *tokenBucket {
	capacity := ratePerSecond * burstMultiplier
	if capacity < 1 {
		capacity = 1
	}
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: ratePerSecond,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

func (b *tokenBucket) Allow(now time.Time) (bool, int64, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)

	remaining := int64(b.tokens)
	if b.tokens >= 1 {
		return true, remaining, now
	}
	wait := (1 - b.tokens) / b.refillRate
	return false, 0, now.Add(time.Duration(wait * float64(time.Second)))
}

func (b *tokenBucket) Record(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
	} else {
		b.tokens = 0
	}
}

// slidingWindow counts requests across N sub-windows and admits while the
// weighted total stays under the window budget.
type slidingWindow struct {
	mu          sync.Mutex
	subWindow   time.Duration
	counts      []int64
	windowStart time.Time
	limit       int64
}

func newSlidingWindow(spec AlgorithmSpec, ratePerSecond, burstMultiplier float64) *slidingWindow {
	windowSize := spec.WindowSize
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	n := spec.NumberOfWindows
	if n <= 0 {
		n = 6
	}
	limit := int64(ratePerSecond * windowSize.Seconds() * burstMultiplier)
	if limit < 1 {
		limit = 1
	}
	return &slidingWindow{
		subWindow:   windowSize / time.Duration(n),
		counts:      make([]int64, n),
		windowStart: time.Now(),
		limit:       limit,
	}
}

// advance rotates expired sub-windows out of the ring.
func (w *slidingWindow) advance(now time.Time) {
	elapsed := now.Sub(w.windowStart)
	steps := int(elapsed / w.subWindow)
	if steps <= 0 {
		return
	}
	if steps >= len(w.counts) {
		for i := range w.counts {
			w.counts[i] = 0
		}
	} else {
		copy(w.counts, w.counts[steps:])
		for i := len(w.counts) - steps; i < len(w.counts); i++ {
			w.counts[i] = 0
		}
	}
	w.windowStart = w.windowStart.Add(time.Duration(steps) * w.subWindow)
}

func (w *slidingWindow) total() int64 {
	var total int64
	for _, c := range w.counts {
		total += c
	}
	return total
}

func (w *slidingWindow) Allow(now time.Time) (bool, int64, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance(now)

	total := w.total()
	if total < w.limit {
		return true, w.limit - total, now
	}
	return false, 0, w.windowStart.Add(w.subWindow)
}

func (w *slidingWindow) Record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance(now)
	w.counts[len(w.counts)-1]++
}

// fixedWindow resets its counter at every window boundary.
type fixedWindow struct {
	mu          sync.Mutex
	window      time.Duration
	windowStart time.Time
	count       int64
	limit       int64
}

func newFixedWindow(spec AlgorithmSpec, ratePerSecond, burstMultiplier float64) *fixedWindow {
	window := spec.WindowSize
	if window <= 0 {
		window = time.Second
	}
	limit := int64(ratePerSecond * window.Seconds() * burstMultiplier)
	if limit < 1 {
		limit = 1
	}
	return &fixedWindow{window: window, windowStart: time.Now(), limit: limit}
}

func (w *fixedWindow) roll(now time.Time) {
	if now.Sub(w.windowStart) >= w.window {
		elapsed := now.Sub(w.windowStart)
		w.windowStart = w.windowStart.Add((elapsed / w.window) * w.window)
		w.count = 0
	}
}

func (w *fixedWindow) Allow(now time.Time) (bool, int64, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(now)

	if w.count < w.limit {
		return true, w.limit - w.count, now
	}
	return false, 0, w.windowStart.Add(w.window)
}

func (w *fixedWindow) Record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(now)
	w.count++
}

// leakyBucket drains at the configured rate and admits while the bucket has
// headroom.
type leakyBucket struct {
	mu       sync.Mutex
	capacity float64
	level    float64
	leakRate float64 // units per second
	lastLeak time.Time
}

func newLeakyBucket(ratePerSecond, burstMultiplier float64) *leakyBucket {
	capacity := ratePerSecond * burstMultiplier
	if capacity < 1 {
		capacity = 1
	}
	return &leakyBucket{capacity: capacity, leakRate: ratePerSecond, lastLeak: time.Now()}
}

func (b *leakyBucket) leak(now time.Time) {
	elapsed := now.Sub(b.lastLeak).Seconds()
	if elapsed <= 0 {
		return
	}
	b.level = math.Max(0, b.level-elapsed*b.leakRate)
	b.lastLeak = now
}

func (b *leakyBucket) Allow(now time.Time) (bool, int64, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leak(now)

	if b.level+1 <= b.capacity {
		return true, int64(b.capacity - b.level), now
	}
	wait := (b.level + 1 - b.capacity) / b.leakRate
	return false, 0, now.Add(time.Duration(wait * float64(time.Second)))
}

func (b *leakyBucket) Record(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leak(now)
	b.level = math.Min(b.capacity, b.level+1)
}
