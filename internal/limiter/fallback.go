package limiter

import (
	"sync"
	"time"
)

type localWindow struct {
	count       int64
	windowStart int64 // unix milliseconds
}

// LocalCounter enforces per-tier limits from process memory when the shared
// store is unreachable. Limits degrade from global to per-instance scope
// while it is in use; they are never silently raised.
type LocalCounter struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*localWindow
}

func NewLocalCounter(window time.Duration) *LocalCounter {
	return &LocalCounter{
		window:  window,
		entries: make(map[string]*localWindow),
	}
}

// Check applies a fixed-window count for clientID against limit.
func (c *LocalCounter) Check(clientID string, limit int64, now time.Time) Result {
	nowMs := now.UnixMilli()
	windowMs := c.window.Milliseconds()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[clientID]
	if !ok {
		entry = &localWindow{windowStart: nowMs}
		c.entries[clientID] = entry
	}
	if nowMs-entry.windowStart >= windowMs {
		entry.count = 0
		entry.windowStart = nowMs
	}

	reset := ceilDiv(entry.windowStart+windowMs, 1000)

	if entry.count >= limit {
		return Result{Limited: true, Remaining: 0, Reset: reset, Total: limit}
	}
	entry.count++
	return Result{Limited: false, Remaining: limit - entry.count, Reset: reset, Total: limit}
}

// Sweep evicts entries whose window has fully elapsed.
func (c *LocalCounter) Sweep(now time.Time) int {
	nowMs := now.UnixMilli()
	windowMs := c.window.Milliseconds()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, entry := range c.entries {
		if nowMs-entry.windowStart >= windowMs {
			delete(c.entries, id)
			evicted++
		}
	}
	return evicted
}

// Clear drops all counters. Called on shutdown.
func (c *LocalCounter) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*localWindow)
	c.mu.Unlock()
}

// Len reports the number of tracked clients.
func (c *LocalCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
