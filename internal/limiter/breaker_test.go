package limiter

import (
	"testing"
	"time"
)

func newTestBreaker(cfg BreakerConfig) (*Breaker, *time.Time) {
	b := NewBreaker(cfg)
	now := time.Unix(1_000_000, 0)
	b.now = func() time.Time { return now }
	b.windowStart = now
	return b, &now
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{
		ErrorThreshold: 3,
		MinimumVolume:  3,
	})

	for i := 0; i < 2; i++ {
		b.OnFailure()
	}
	if state := b.State(); state != BreakerClosed {
		t.Fatalf("state = %v after 2 failures, want closed", state)
	}

	b.OnFailure()
	if state := b.State(); state != BreakerOpen {
		t.Fatalf("state = %v after 3 failures, want open", state)
	}
	if b.Allow() {
		t.Error("open breaker admitted a call before the reset timeout")
	}
}

func TestBreakerMinimumVolume(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{
		ErrorThreshold: 2,
		MinimumVolume:  10,
	})

	b.OnFailure()
	b.OnFailure()
	if state := b.State(); state != BreakerClosed {
		t.Fatalf("state = %v, want closed below minimum volume", state)
	}

	for i := 0; i < 8; i++ {
		b.OnSuccess()
	}
	b.OnFailure()
	if state := b.State(); state != BreakerOpen {
		t.Fatalf("state = %v, want open once volume is sufficient", state)
	}
}

func TestBreakerRollingWindowExpiresFailures(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{
		ErrorThreshold: 3,
		MinimumVolume:  3,
		RollingWindow:  10 * time.Second,
	})

	b.OnFailure()
	b.OnFailure()

	*now = now.Add(11 * time.Second)

	b.OnFailure()
	b.OnFailure()
	if state := b.State(); state != BreakerClosed {
		t.Fatalf("state = %v, want closed (old failures rolled off)", state)
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{
		ErrorThreshold: 1,
		MinimumVolume:  1,
		ResetTimeout:   30 * time.Second,
	})

	b.OnFailure()
	if state := b.State(); state != BreakerOpen {
		t.Fatalf("state = %v, want open", state)
	}
	if b.Allow() {
		t.Fatal("open breaker admitted a call")
	}

	*now = now.Add(31 * time.Second)

	if !b.Allow() {
		t.Fatal("breaker did not admit a probe after the reset timeout")
	}
	if state := b.State(); state != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", state)
	}
	if b.Allow() {
		t.Error("half-open breaker admitted a second call while the probe was in flight")
	}

	b.OnSuccess()
	if state := b.State(); state != BreakerClosed {
		t.Fatalf("state = %v, want closed after successful probe", state)
	}
	if !b.Allow() {
		t.Error("closed breaker rejected a call")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{
		ErrorThreshold: 1,
		MinimumVolume:  1,
		ResetTimeout:   30 * time.Second,
	})

	b.OnFailure()
	*now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker did not admit a probe")
	}

	b.OnFailure()
	if state := b.State(); state != BreakerOpen {
		t.Fatalf("state = %v, want open after failed probe", state)
	}

	// The full reset timeout applies again.
	*now = now.Add(29 * time.Second)
	if b.Allow() {
		t.Error("breaker admitted a call before the second reset timeout elapsed")
	}
	*now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Error("breaker did not admit a probe after the second reset timeout")
	}
}

func TestBreakerStateChangeHook(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{
		ErrorThreshold: 1,
		MinimumVolume:  1,
		ResetTimeout:   30 * time.Second,
	})

	type change struct{ from, to BreakerState }
	var changes []change
	b.OnStateChange(func(from, to BreakerState) {
		changes = append(changes, change{from, to})
	})

	b.OnFailure()
	*now = now.Add(31 * time.Second)
	b.Allow()
	b.OnSuccess()

	want := []change{
		{BreakerClosed, BreakerOpen},
		{BreakerOpen, BreakerHalfOpen},
		{BreakerHalfOpen, BreakerClosed},
	}
	if len(changes) != len(want) {
		t.Fatalf("observed %d transitions, want %d", len(changes), len(want))
	}
	for i, w := range want {
		if changes[i] != w {
			t.Errorf("transition %d = %v->%v, want %v->%v",
				i, changes[i].from, changes[i].to, w.from, w.to)
		}
	}
}

func TestBreakerStateString(t *testing.T) {
	cases := map[BreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
