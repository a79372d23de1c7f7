package models

import "time"

// Throttle event types.
const (
	EventClientLimited = "client_limited"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClosed = "breaker_closed"
)

// ThrottleEvent records one rate-limit denial or breaker transition. The
// client identifier is pseudonymized before the event leaves the process;
// ClientRef carries the envelope-encrypted form.
type ThrottleEvent struct {
	EventBucket int       `db:"event_bucket" json:"event_bucket"`
	EventID     string    `db:"event_id" json:"event_id"`
	EventTime   time.Time `db:"event_time" json:"event_time"`
	EventType   string    `db:"event_type" json:"event_type"`
	ClientRef   string    `db:"client_ref" json:"client_ref"`
	Tier        string    `db:"tier" json:"tier"`
	Method      string    `db:"method" json:"method,omitempty"`
	Path        string    `db:"path" json:"path,omitempty"`
	Limit       int64     `db:"limit" json:"limit"`
	Details     string    `db:"details" json:"details,omitempty"`
}
