// Package middleware adapts the rate limiter to the HTTP transport. It is
// the only package that touches requests and responses.
package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ratelimit-gateway/internal/audit"
	"ratelimit-gateway/internal/config"
	"ratelimit-gateway/internal/limiter"
	"ratelimit-gateway/internal/policy"
)

// Rate limit response headers.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Trusted headers set by the upstream authentication layer.
const (
	headerAuthUserID = "X-Auth-User-Id"
	headerAuthTier   = "X-Auth-Tier"
)

type contextKey string

const identityKey contextKey = "ratelimit.identity"

// Identity is the authenticated caller, attached to the request context by
// an in-process auth layer when one is present.
type Identity struct {
	UserID string
	Tier   limiter.Tier
}

// WithIdentity attaches an authenticated identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// ClientIdentity extracts the rate-limit key and tier for a request:
// the authenticated user id when present (context first, then trusted
// headers), otherwise the remote address with the standard tier. Tier
// parsing happens here, at the boundary, not inside the counting logic.
func ClientIdentity(r *http.Request) (string, limiter.Tier) {
	if id, ok := r.Context().Value(identityKey).(Identity); ok && id.UserID != "" {
		return id.UserID, id.Tier
	}

	if userID := strings.TrimSpace(r.Header.Get(headerAuthUserID)); userID != "" {
		return userID, limiter.ParseTier(r.Header.Get(headerAuthTier))
	}

	// Anonymous caller: key on the network address. chi's RealIP middleware
	// has already rewritten RemoteAddr from X-Forwarded-For where trusted.
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host, limiter.TierStandard
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr, limiter.TierStandard
	}
	return "unknown", limiter.TierStandard
}

// Checker is the slice of the limiter the middleware depends on.
type Checker interface {
	CheckWithLimit(ctx context.Context, clientID string, limit int64) (limiter.Result, error)
}

// Options wires the rate-limit middleware.
type Options struct {
	Limiter  Checker
	Resolver *policy.Resolver
	Audit    *audit.Recorder // optional
	Fallback config.FallbackStrategy
	Logger   *zap.Logger
}

// RateLimit builds the middleware. Every completed decision carries the
// rate-limit headers; denials short-circuit with 429 and limiter faults are
// handled per the configured fallback strategy.
func RateLimit(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, tier := ClientIdentity(r)

			resolution := opts.Resolver.Resolve(r.Context(), clientID, tier)

			result, err := opts.Limiter.CheckWithLimit(r.Context(), clientID, resolution.Limit)
			if err != nil {
				// A genuine fault, not a limited result and not a store
				// outage (those fall back internally).
				opts.Logger.Error("rate limiter fault",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(err))

				if opts.Fallback == config.FallbackPermissive {
					next.ServeHTTP(w, r)
					return
				}
				writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
					"error": "Rate limiting service unavailable",
				})
				return
			}

			w.Header().Set(HeaderLimit, strconv.FormatInt(result.Total, 10))
			w.Header().Set(HeaderRemaining, strconv.FormatInt(result.Remaining, 10))
			w.Header().Set(HeaderReset, strconv.FormatInt(result.Reset, 10))

			if result.Limited {
				retryAfter := result.Reset - time.Now().Unix()
				if retryAfter < 0 {
					retryAfter = 0
				}
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))

				if opts.Audit != nil {
					opts.Audit.RecordLimited(clientID, resolution.Tier, r.Method, r.URL.Path, result.Total)
				}

				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error":      "Too many requests",
					"retryAfter": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
