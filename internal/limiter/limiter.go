// Package limiter implements a weighted two-bucket sliding-window rate
// limiter backed by a shared counter store, with a circuit breaker and an
// in-process fallback for store outages.
package limiter

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrEmptyClientID reports a caller bug: every request must carry an
// identity (user id or remote address) before reaching the limiter.
var ErrEmptyClientID = errors.New("client id is empty")

// Result is the outcome of one rate-limit check. Computed fresh per request,
// never stored.
type Result struct {
	Limited   bool
	Remaining int64
	Reset     int64 // epoch seconds at which the window has fully cleared
	Total     int64
}

// TakeResult is the store-side outcome of an atomic check-and-increment.
type TakeResult struct {
	// Limited is true when the weighted count had already reached the limit;
	// the current bucket was not incremented in that case.
	Limited bool
	// Weighted is the weighted sliding-window count before any increment.
	Weighted int64
}

// WindowStore is the shared, networked counter store holding per-client,
// per-bucket request counts with expiry.
type WindowStore interface {
	// Take atomically evaluates the weighted window for clientID and
	// increments the current bucket when the limit is not yet reached.
	// Evaluation and increment happen in one round trip so concurrent
	// requests for the same client cannot undercount.
	Take(ctx context.Context, clientID string, nowMs, windowMs, limit int64) (TakeResult, error)

	// Counts reads the current and previous bucket counters without
	// mutating them.
	Counts(ctx context.Context, clientID string, nowMs, windowMs int64) (current, previous int64, err error)

	// Reset removes the client's bucket counters.
	Reset(ctx context.Context, clientID string, nowMs, windowMs int64) error

	// Ping checks store connectivity.
	Ping(ctx context.Context) error
}

// Config holds the per-tier limits and the window duration.
type Config struct {
	StandardLimit int64
	PremiumLimit  int64
	Window        time.Duration
}

// Limiter decides whether a request may proceed. It is safe for concurrent
// use; construct one per process and inject it into the request pipeline.
type Limiter struct {
	cfg        Config
	breakerCfg BreakerConfig

	store    WindowStore
	breaker  *Breaker
	fallback *LocalCounter
	logger   *zap.Logger

	// degradedLog throttles store-outage warnings so an extended outage
	// logs at intervals instead of once per request.
	degradedLog *rate.Limiter

	storeChecks    atomic.Int64
	fallbackChecks atomic.Int64

	now func() time.Time
}

// New constructs a limiter around store. cfg must already be validated.
func New(cfg Config, breakerCfg BreakerConfig, store WindowStore, logger *zap.Logger) *Limiter {
	l := &Limiter{
		cfg:         cfg,
		breakerCfg:  breakerCfg,
		store:       store,
		breaker:     NewBreaker(breakerCfg),
		fallback:    NewLocalCounter(cfg.Window),
		logger:      logger,
		degradedLog: rate.NewLimiter(rate.Every(15*time.Second), 1),
		now:         time.Now,
	}
	return l
}

// Breaker exposes the circuit breaker, for state-change hooks and stats.
func (l *Limiter) Breaker() *Breaker {
	return l.breaker
}

// LimitFor returns the configured cap for a tier.
func (l *Limiter) LimitFor(tier Tier) int64 {
	if tier == TierPremium {
		return l.cfg.PremiumLimit
	}
	return l.cfg.StandardLimit
}

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration {
	return l.cfg.Window
}

// Check decides whether the request may proceed under the tier's configured
// limit.
func (l *Limiter) Check(ctx context.Context, clientID string, tier Tier) (Result, error) {
	return l.CheckWithLimit(ctx, clientID, l.LimitFor(tier))
}

// CheckWithLimit decides against an explicit limit, used when a per-client
// policy override replaces the tier default. Store outages are absorbed by
// the local fallback; an error here is a genuine fault.
func (l *Limiter) CheckWithLimit(ctx context.Context, clientID string, limit int64) (Result, error) {
	if clientID == "" {
		return Result{}, ErrEmptyClientID
	}
	if limit <= 0 {
		limit = l.cfg.StandardLimit
	}

	now := l.now()

	if !l.breaker.Allow() {
		l.logDegraded("rate limit store circuit open, using local fallback")
		l.fallbackChecks.Add(1)
		return l.fallback.Check(clientID, limit, now), nil
	}

	nowMs := now.UnixMilli()
	windowMs := l.cfg.Window.Milliseconds()

	callCtx, cancel := context.WithTimeout(ctx, l.breakerCfg.CallTimeout)
	taken, err := l.store.Take(callCtx, clientID, nowMs, windowMs, limit)
	cancel()
	if err != nil {
		l.breaker.OnFailure()
		l.logDegraded("rate limit store unavailable, using local fallback", zap.Error(err))
		l.fallbackChecks.Add(1)
		return l.fallback.Check(clientID, limit, now), nil
	}
	l.breaker.OnSuccess()
	l.storeChecks.Add(1)

	reset := ceilDiv(nowMs+windowMs, 1000)
	if taken.Limited {
		return Result{Limited: true, Remaining: 0, Reset: reset, Total: limit}, nil
	}

	remaining := limit - taken.Weighted - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{Limited: false, Remaining: remaining, Reset: reset, Total: limit}, nil
}

// Inspect reads a client's live window state without counting a request.
func (l *Limiter) Inspect(ctx context.Context, clientID string) (current, previous int64, err error) {
	now := l.now()
	return l.store.Counts(ctx, clientID, now.UnixMilli(), l.cfg.Window.Milliseconds())
}

// ResetClient clears a client's counters in both the store and the fallback.
func (l *Limiter) ResetClient(ctx context.Context, clientID string) error {
	l.fallback.mu.Lock()
	delete(l.fallback.entries, clientID)
	l.fallback.mu.Unlock()

	now := l.now()
	return l.store.Reset(ctx, clientID, now.UnixMilli(), l.cfg.Window.Milliseconds())
}

// Stats summarizes limiter activity for the admin API.
type Stats struct {
	BreakerState    string `json:"breaker_state"`
	StoreChecks     int64  `json:"store_checks"`
	FallbackChecks  int64  `json:"fallback_checks"`
	FallbackClients int    `json:"fallback_clients"`
}

func (l *Limiter) Stats() Stats {
	return Stats{
		BreakerState:    l.breaker.State().String(),
		StoreChecks:     l.storeChecks.Load(),
		FallbackChecks:  l.fallbackChecks.Load(),
		FallbackClients: l.fallback.Len(),
	}
}

// RunHealthLoop pings the store on an interval and sweeps stale fallback
// entries. Connectivity results are informational only; they never gate
// request processing. Blocks until ctx is done.
func (l *Limiter) RunHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, l.breakerCfg.CallTimeout)
			err := l.store.Ping(pingCtx)
			cancel()
			if err != nil {
				l.logger.Warn("rate limit store ping failed",
					zap.Error(err),
					zap.String("breaker_state", l.breaker.State().String()))
			} else {
				l.logger.Debug("rate limit store ping ok")
			}
			if evicted := l.fallback.Sweep(l.now()); evicted > 0 {
				l.logger.Debug("swept stale fallback counters", zap.Int("evicted", evicted))
			}
		}
	}
}

// Close clears in-memory counters. The store connection is owned and closed
// by its client.
func (l *Limiter) Close() {
	l.fallback.Clear()
}

func (l *Limiter) logDegraded(msg string, fields ...zap.Field) {
	if l.degradedLog.Allow() {
		l.logger.Warn(msg, fields...)
	}
}
