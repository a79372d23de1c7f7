package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ratelimit-gateway/internal/client"
	"ratelimit-gateway/internal/limiter"
	"ratelimit-gateway/internal/util"
)

const windowKeyPrefix = "rate_limit:win:"

// takeScript evaluates the weighted two-bucket sliding window and increments
// the current bucket in a single atomic step. Returns {limited, weighted}.
// The bucket key rolls over every window, so refreshing the expiry on each
// write is safe.
const takeScript = `
local curr = tonumber(redis.call('GET', KEYS[1]) or '0')
local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local elapsed = now % window
local weighted = math.floor(prev * (window - elapsed) / window + curr)

if weighted >= limit then
    return {1, weighted}
end

redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], window)
return {0, weighted}
`

// WindowStore implements limiter.WindowStore on Redis. Bucket counters are
// shared across gateway instances; the Lua script keeps evaluate-and-increment
// atomic so concurrent requests for one client never undercount.
type WindowStore struct {
	client *client.RedisClient
}

func NewWindowStore(client *client.RedisClient) *WindowStore {
	return &WindowStore{client: client}
}

func (s *WindowStore) Take(ctx context.Context, clientID string, nowMs, windowMs, limit int64) (limiter.TakeResult, error) {
	currKey, prevKey := bucketKeys(clientID, nowMs, windowMs)

	result, err := s.client.Eval(ctx, takeScript, []string{currKey, prevKey}, nowMs, windowMs, limit)
	if err != nil {
		return limiter.TakeResult{}, fmt.Errorf("failed to execute sliding window script: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return limiter.TakeResult{}, fmt.Errorf("unexpected result format from sliding window script")
	}
	limited, ok1 := values[0].(int64)
	weighted, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return limiter.TakeResult{}, fmt.Errorf("unexpected result types from sliding window script")
	}

	util.Debug("sliding window check",
		zap.String("client_id", clientID),
		zap.Bool("limited", limited == 1),
		zap.Int64("weighted", weighted),
		zap.Int64("limit", limit))

	return limiter.TakeResult{Limited: limited == 1, Weighted: weighted}, nil
}

func (s *WindowStore) Counts(ctx context.Context, clientID string, nowMs, windowMs int64) (int64, int64, error) {
	currKey, prevKey := bucketKeys(clientID, nowMs, windowMs)

	vals, err := s.client.MGet(ctx, currKey, prevKey)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read window counters: %w", err)
	}

	current := parseCount(vals[0])
	previous := parseCount(vals[1])
	return current, previous, nil
}

func (s *WindowStore) Reset(ctx context.Context, clientID string, nowMs, windowMs int64) error {
	currKey, prevKey := bucketKeys(clientID, nowMs, windowMs)

	if err := s.client.Del(ctx, currKey, prevKey); err != nil {
		return fmt.Errorf("failed to reset window counters: %w", err)
	}
	util.Debug("window counters reset", zap.String("client_id", clientID))
	return nil
}

func (s *WindowStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// WindowInfo describes a client's live window state for the admin API.
type WindowInfo struct {
	ClientID      string        `json:"client_id"`
	CurrentCount  int64         `json:"current_count"`
	PreviousCount int64         `json:"previous_count"`
	TTL           time.Duration `json:"ttl"`
}

// Info reads both bucket counters and the current bucket's TTL.
func (s *WindowStore) Info(ctx context.Context, clientID string, nowMs, windowMs int64) (*WindowInfo, error) {
	current, previous, err := s.Counts(ctx, clientID, nowMs, windowMs)
	if err != nil {
		return nil, err
	}

	currKey, _ := bucketKeys(clientID, nowMs, windowMs)
	ttl, err := s.client.TTL(ctx, currKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read window TTL: %w", err)
	}

	return &WindowInfo{
		ClientID:      clientID,
		CurrentCount:  current,
		PreviousCount: previous,
		TTL:           ttl,
	}, nil
}

// ActiveClients counts live window keys, for limiter stats.
func (s *WindowStore) ActiveClients(ctx context.Context) (int, error) {
	keys, err := s.client.Scan(ctx, 0, windowKeyPrefix+"*", 1000)
	if err != nil {
		return 0, fmt.Errorf("failed to scan window keys: %w", err)
	}
	return len(keys), nil
}

func bucketKeys(clientID string, nowMs, windowMs int64) (current, previous string) {
	bucket := nowMs / windowMs
	current = fmt.Sprintf("%s%s:%d", windowKeyPrefix, clientID, bucket)
	previous = fmt.Sprintf("%s%s:%d", windowKeyPrefix, clientID, bucket-1)
	return current, previous
}

func parseCount(raw string) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
