package models

import "time"

// RateLimitPolicy is a per-client override of the tier defaults, persisted
// in ScyllaDB and partitioned by a murmur3 bucket of the client id.
type RateLimitPolicy struct {
	Bucket        int       `db:"bucket" json:"-"`
	ClientID      string    `db:"client_id" json:"client_id"`
	Tier          string    `db:"tier" json:"tier"`
	LimitOverride int64     `db:"limit_override" json:"limit_override"` // 0 means use the tier default
	Note          string    `db:"note" json:"note,omitempty"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}
