package limiter

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures breaker thresholds.
type BreakerConfig struct {
	// CallTimeout bounds each store call; an exceeded deadline counts as
	// a failure.
	CallTimeout time.Duration
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// ErrorThreshold is the failure count within RollingWindow that trips
	// the breaker.
	ErrorThreshold int64
	// MinimumVolume is the call count that must be observed within the
	// rolling window before the breaker may trip, so a single cold-start
	// failure does not open it.
	MinimumVolume int64
	// RollingWindow is the span over which failures and volume are counted.
	RollingWindow time.Duration
}

// Breaker tracks failures against the shared store and short-circuits calls
// while the store is degraded. State is process-local and resets on restart.
type Breaker struct {
	mu sync.Mutex

	cfg   BreakerConfig
	state BreakerState

	failures      int64
	total         int64
	windowStart   time.Time
	openedAt      time.Time
	probeInFlight bool

	now           func() time.Time
	onStateChange func(from, to BreakerState)
}

// NewBreaker constructs a closed breaker. Zero thresholds get defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 200 * time.Millisecond
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = 10 * time.Second
	}
	b := &Breaker{
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
	b.windowStart = b.now()
	return b
}

// OnStateChange registers a hook invoked (outside the lock) on transitions.
func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// Allow reports whether a store call may proceed. In the open state it
// transitions to half-open once the reset timeout has elapsed and admits a
// single probe call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()

	switch b.state {
	case BreakerClosed:
		b.mu.Unlock()
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			notify := b.transition(BreakerHalfOpen)
			b.probeInFlight = true
			b.mu.Unlock()
			notify()
			return true
		}
		b.mu.Unlock()
		return false
	case BreakerHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return false
		}
		b.probeInFlight = true
		b.mu.Unlock()
		return true
	default:
		b.mu.Unlock()
		return true
	}
}

// OnSuccess records a successful store call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()

	switch b.state {
	case BreakerHalfOpen:
		notify := b.transition(BreakerClosed)
		b.resetCounts()
		b.mu.Unlock()
		notify()
		return
	case BreakerClosed:
		b.observe(false)
	}
	b.mu.Unlock()
}

// OnFailure records a failed or timed-out store call and trips the breaker
// when the failure count crosses the threshold with sufficient volume.
func (b *Breaker) OnFailure() {
	b.mu.Lock()

	switch b.state {
	case BreakerHalfOpen:
		// Failed probe: back to open for another full reset timeout.
		notify := b.transition(BreakerOpen)
		b.openedAt = b.now()
		b.resetCounts()
		b.mu.Unlock()
		notify()
		return
	case BreakerClosed:
		b.observe(true)
		if b.failures >= b.cfg.ErrorThreshold && b.total >= b.cfg.MinimumVolume {
			notify := b.transition(BreakerOpen)
			b.openedAt = b.now()
			b.resetCounts()
			b.mu.Unlock()
			notify()
			return
		}
	}
	b.mu.Unlock()
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// observe rolls the counting window forward and records one call.
// Caller holds the lock.
func (b *Breaker) observe(failed bool) {
	now := b.now()
	if now.Sub(b.windowStart) >= b.cfg.RollingWindow {
		b.windowStart = now
		b.failures = 0
		b.total = 0
	}
	b.total++
	if failed {
		b.failures++
	}
}

// resetCounts clears rolling counters. Caller holds the lock.
func (b *Breaker) resetCounts() {
	b.failures = 0
	b.total = 0
	b.windowStart = b.now()
	b.probeInFlight = false
}

// transition switches state and returns the notification to run after the
// lock is released. Caller holds the lock.
func (b *Breaker) transition(to BreakerState) func() {
	from := b.state
	b.state = to
	fn := b.onStateChange
	if fn == nil || from == to {
		return func() {}
	}
	return func() { fn(from, to) }
}
