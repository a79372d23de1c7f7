package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// memStore mirrors the shared store's weighted two-bucket semantics in
// process memory so limiter behavior can be exercised without a network.
type memStore struct {
	mu      sync.Mutex
	buckets map[string]int64
	takes   int
	err     error
}

func newMemStore() *memStore {
	return &memStore{buckets: make(map[string]int64)}
}

func (s *memStore) key(clientID string, bucket int64) string {
	return fmt.Sprintf("%s:%d", clientID, bucket)
}

func (s *memStore) Take(ctx context.Context, clientID string, nowMs, windowMs, limit int64) (TakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.takes++
	if s.err != nil {
		return TakeResult{}, s.err
	}

	bucket := nowMs / windowMs
	elapsed := nowMs % windowMs
	curr := s.buckets[s.key(clientID, bucket)]
	prev := s.buckets[s.key(clientID, bucket-1)]
	weighted := prev*(windowMs-elapsed)/windowMs + curr

	if weighted >= limit {
		return TakeResult{Limited: true, Weighted: weighted}, nil
	}
	s.buckets[s.key(clientID, bucket)]++
	return TakeResult{Limited: false, Weighted: weighted}, nil
}

func (s *memStore) Counts(ctx context.Context, clientID string, nowMs, windowMs int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return 0, 0, s.err
	}
	bucket := nowMs / windowMs
	return s.buckets[s.key(clientID, bucket)], s.buckets[s.key(clientID, bucket-1)], nil
}

func (s *memStore) Reset(ctx context.Context, clientID string, nowMs, windowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	bucket := nowMs / windowMs
	delete(s.buckets, s.key(clientID, bucket))
	delete(s.buckets, s.key(clientID, bucket-1))
	return nil
}

func (s *memStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memStore) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *memStore) takeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takes
}

func newTestLimiter(t *testing.T, store WindowStore) (*Limiter, *time.Time) {
	t.Helper()

	cfg := Config{
		StandardLimit: 100,
		PremiumLimit:  1000,
		Window:        time.Minute,
	}
	breakerCfg := BreakerConfig{
		CallTimeout:    200 * time.Millisecond,
		ResetTimeout:   30 * time.Second,
		ErrorThreshold: 3,
		MinimumVolume:  3,
		RollingWindow:  10 * time.Second,
	}

	l := New(cfg, breakerCfg, store, zap.NewNop())

	// Fixed clock, aligned to a bucket boundary.
	now := time.UnixMilli(60_000_000)
	l.now = func() time.Time { return now }
	l.breaker.now = func() time.Time { return now }
	return l, &now
}

func TestCheckDepletesRemaining(t *testing.T) {
	store := newMemStore()
	l, _ := newTestLimiter(t, store)
	ctx := context.Background()

	const limit = 5
	for i := int64(0); i < limit; i++ {
		result, err := l.CheckWithLimit(ctx, "client-a", limit)
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
		if result.Limited {
			t.Fatalf("request %d: limited before reaching %d", i+1, limit)
		}
		want := limit - i - 1
		if result.Remaining != want {
			t.Errorf("request %d: Remaining = %d, want %d", i+1, result.Remaining, want)
		}
		if result.Total != limit {
			t.Errorf("request %d: Total = %d, want %d", i+1, result.Total, limit)
		}
	}

	result, err := l.CheckWithLimit(ctx, "client-a", limit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Limited {
		t.Fatal("request over the limit was not denied")
	}
	if result.Remaining != 0 {
		t.Errorf("denied request: Remaining = %d, want 0", result.Remaining)
	}
	if want := int64(60_060); result.Reset != want {
		t.Errorf("Reset = %d, want %d", result.Reset, want)
	}
}

func TestDeniedRequestDoesNotIncrement(t *testing.T) {
	store := newMemStore()
	l, _ := newTestLimiter(t, store)
	ctx := context.Background()

	const limit = 2
	for i := 0; i < 5; i++ {
		if _, err := l.CheckWithLimit(ctx, "client-a", limit); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	store.mu.Lock()
	count := store.buckets[store.key("client-a", 1000)]
	store.mu.Unlock()
	if count != limit {
		t.Errorf("bucket count = %d, want %d (denials must not increment)", count, limit)
	}
}

func TestWeightedPreviousWindowDecays(t *testing.T) {
	store := newMemStore()
	l, now := newTestLimiter(t, store)
	ctx := context.Background()

	// Previous bucket carries ten requests.
	store.buckets[store.key("client-a", 999)] = 10

	const limit = 6

	// A quarter into the window the previous bucket still weighs
	// floor(10 * 0.75) = 7, over the limit.
	*now = time.UnixMilli(60_000_000 + 15_000)
	result, err := l.CheckWithLimit(ctx, "client-a", limit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Limited {
		t.Error("expected denial while previous window weight is 7")
	}

	// Halfway through the weight has decayed to 5, under the limit.
	*now = time.UnixMilli(60_000_000 + 30_000)
	result, err = l.CheckWithLimit(ctx, "client-a", limit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Limited {
		t.Error("expected admission once previous window weight decayed to 5")
	}
	if result.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", result.Remaining)
	}
}

func TestWindowRollover(t *testing.T) {
	store := newMemStore()
	l, now := newTestLimiter(t, store)
	ctx := context.Background()

	const limit = 3
	for i := 0; i < limit; i++ {
		if _, err := l.CheckWithLimit(ctx, "client-a", limit); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	result, _ := l.CheckWithLimit(ctx, "client-a", limit)
	if !result.Limited {
		t.Fatal("expected denial at the limit")
	}

	// Two full windows later both buckets are out of scope.
	*now = now.Add(2 * time.Minute)
	result, err := l.CheckWithLimit(ctx, "client-a", limit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Limited {
		t.Error("expected admission after the window fully rolled over")
	}
	if want := int64(limit - 1); result.Remaining != want {
		t.Errorf("Remaining = %d, want %d", result.Remaining, want)
	}
}

func TestClientsAreIsolated(t *testing.T) {
	store := newMemStore()
	l, _ := newTestLimiter(t, store)
	ctx := context.Background()

	const limit = 2
	for i := 0; i < limit; i++ {
		if _, err := l.CheckWithLimit(ctx, "client-a", limit); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	result, _ := l.CheckWithLimit(ctx, "client-a", limit)
	if !result.Limited {
		t.Fatal("client-a should be at its limit")
	}

	result, err := l.CheckWithLimit(ctx, "client-b", limit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Limited {
		t.Error("client-b was denied by client-a's traffic")
	}
}

func TestEmptyClientID(t *testing.T) {
	l, _ := newTestLimiter(t, newMemStore())

	_, err := l.Check(context.Background(), "", TierStandard)
	if !errors.Is(err, ErrEmptyClientID) {
		t.Fatalf("err = %v, want ErrEmptyClientID", err)
	}
}

func TestLimitFor(t *testing.T) {
	l, _ := newTestLimiter(t, newMemStore())

	if got := l.LimitFor(TierStandard); got != 100 {
		t.Errorf("LimitFor(standard) = %d, want 100", got)
	}
	if got := l.LimitFor(TierPremium); got != 1000 {
		t.Errorf("LimitFor(premium) = %d, want 1000", got)
	}
}

func TestStoreFailureFallsBackLocally(t *testing.T) {
	store := newMemStore()
	l, _ := newTestLimiter(t, store)
	ctx := context.Background()

	store.setErr(errors.New("connection refused"))

	const limit = 2
	for i := int64(0); i < limit; i++ {
		result, err := l.CheckWithLimit(ctx, "client-a", limit)
		if err != nil {
			t.Fatalf("store outage must not surface an error, got %v", err)
		}
		if result.Limited {
			t.Fatalf("request %d limited under fallback", i+1)
		}
	}
	result, err := l.CheckWithLimit(ctx, "client-a", limit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Limited {
		t.Error("fallback did not enforce the limit")
	}

	stats := l.Stats()
	if stats.FallbackChecks == 0 {
		t.Error("fallback checks were not counted")
	}
}

func TestBreakerOpensAndSkipsStore(t *testing.T) {
	store := newMemStore()
	l, _ := newTestLimiter(t, store)
	ctx := context.Background()

	store.setErr(errors.New("connection refused"))

	// Error threshold and minimum volume are both three.
	for i := 0; i < 3; i++ {
		if _, err := l.CheckWithLimit(ctx, "client-a", 10); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if state := l.Breaker().State(); state != BreakerOpen {
		t.Fatalf("breaker state = %v, want open", state)
	}

	before := store.takeCount()
	if _, err := l.CheckWithLimit(ctx, "client-a", 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.takeCount() != before {
		t.Error("store was called while the breaker was open")
	}
}

func TestBreakerRecoveryResumesStore(t *testing.T) {
	store := newMemStore()
	l, now := newTestLimiter(t, store)
	ctx := context.Background()

	store.setErr(errors.New("connection refused"))
	for i := 0; i < 3; i++ {
		l.CheckWithLimit(ctx, "client-a", 10)
	}
	if state := l.Breaker().State(); state != BreakerOpen {
		t.Fatalf("breaker state = %v, want open", state)
	}

	store.setErr(nil)
	*now = now.Add(31 * time.Second)

	// The reset timeout has elapsed; the next check is the probe.
	result, err := l.CheckWithLimit(ctx, "client-a", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Limited {
		t.Error("probe request was limited")
	}
	if state := l.Breaker().State(); state != BreakerClosed {
		t.Errorf("breaker state = %v, want closed after successful probe", state)
	}
}

func TestResetClient(t *testing.T) {
	store := newMemStore()
	l, _ := newTestLimiter(t, store)
	ctx := context.Background()

	const limit = 2
	for i := 0; i < limit; i++ {
		l.CheckWithLimit(ctx, "client-a", limit)
	}
	result, _ := l.CheckWithLimit(ctx, "client-a", limit)
	if !result.Limited {
		t.Fatal("expected denial at the limit")
	}

	if err := l.ResetClient(ctx, "client-a"); err != nil {
		t.Fatalf("ResetClient: %v", err)
	}

	result, err := l.CheckWithLimit(ctx, "client-a", limit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Limited {
		t.Error("client still limited after reset")
	}
}

func TestNonPositiveLimitUsesStandardDefault(t *testing.T) {
	store := newMemStore()
	l, _ := newTestLimiter(t, store)

	result, err := l.CheckWithLimit(context.Background(), "client-a", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 100 {
		t.Errorf("Total = %d, want standard default 100", result.Total)
	}
}

func TestStats(t *testing.T) {
	store := newMemStore()
	l, _ := newTestLimiter(t, store)
	ctx := context.Background()

	l.CheckWithLimit(ctx, "client-a", 10)
	l.CheckWithLimit(ctx, "client-b", 10)

	stats := l.Stats()
	if stats.StoreChecks != 2 {
		t.Errorf("StoreChecks = %d, want 2", stats.StoreChecks)
	}
	if stats.BreakerState != "closed" {
		t.Errorf("BreakerState = %q, want closed", stats.BreakerState)
	}
}
