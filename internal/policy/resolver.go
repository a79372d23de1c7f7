// Package policy resolves the effective tier and limit for a client:
// a persisted per-client override when one exists, else the tier supplied
// by the authentication layer with configured defaults.
package policy

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ratelimit-gateway/internal/limiter"
	"ratelimit-gateway/internal/repository/scylla"
)

const lookupTimeout = 100 * time.Millisecond

// Resolution is the effective policy for one request.
type Resolution struct {
	Tier   limiter.Tier
	Limit  int64
	Source string // "default" or "override"
}

// Defaults carries the configured per-tier limits.
type Defaults struct {
	StandardLimit int64
	PremiumLimit  int64
}

// Resolver caches policy lookups in-process and collapses concurrent lookups
// for the same client. Lookup failures degrade to tier defaults; they never
// fail the request.
type Resolver struct {
	repo     scylla.PolicyRepository // nil when the policy store is disabled
	defaults Defaults
	cacheTTL time.Duration
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]cachedResolution
	group singleflight.Group

	now func() time.Time
}

type cachedResolution struct {
	resolution Resolution
	expires    time.Time
}

func NewResolver(repo scylla.PolicyRepository, defaults Defaults, cacheTTL time.Duration, logger *zap.Logger) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Resolver{
		repo:     repo,
		defaults: defaults,
		cacheTTL: cacheTTL,
		logger:   logger,
		cache:    make(map[string]cachedResolution),
		now:      time.Now,
	}
}

// Resolve returns the effective tier and limit for clientID. authTier is the
// tier asserted by the authentication layer; an unknown value already parses
// to standard at the boundary.
func (r *Resolver) Resolve(ctx context.Context, clientID string, authTier limiter.Tier) Resolution {
	if r.repo == nil {
		return r.defaultResolution(authTier)
	}

	r.mu.RLock()
	cached, ok := r.cache[clientID]
	r.mu.RUnlock()
	if ok && r.now().Before(cached.expires) {
		return cached.resolution
	}

	value, _, _ := r.group.Do(clientID, func() (interface{}, error) {
		return r.lookup(ctx, clientID, authTier), nil
	})
	return value.(Resolution)
}

func (r *Resolver) lookup(ctx context.Context, clientID string, authTier limiter.Tier) Resolution {
	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	resolution := r.defaultResolution(authTier)

	persisted, err := r.repo.GetPolicy(lookupCtx, clientID)
	switch {
	case err == nil:
		tier := limiter.ParseTier(persisted.Tier)
		limit := persisted.LimitOverride
		if limit <= 0 {
			limit = r.limitFor(tier)
		}
		resolution = Resolution{Tier: tier, Limit: limit, Source: "override"}
	case errors.Is(err, scylla.ErrPolicyNotFound):
		// No override; tier defaults apply.
	default:
		r.logger.Debug("policy lookup failed, using tier defaults",
			zap.String("client_id", clientID),
			zap.Error(err))
	}

	r.mu.Lock()
	r.cache[clientID] = cachedResolution{
		resolution: resolution,
		expires:    r.now().Add(r.cacheTTL),
	}
	r.mu.Unlock()

	return resolution
}

// Invalidate drops a client's cached resolution after an admin policy change.
func (r *Resolver) Invalidate(clientID string) {
	r.mu.Lock()
	delete(r.cache, clientID)
	r.mu.Unlock()
}

func (r *Resolver) defaultResolution(tier limiter.Tier) Resolution {
	return Resolution{Tier: tier, Limit: r.limitFor(tier), Source: "default"}
}

func (r *Resolver) limitFor(tier limiter.Tier) int64 {
	if tier == limiter.TierPremium {
		return r.defaults.PremiumLimit
	}
	return r.defaults.StandardLimit
}
