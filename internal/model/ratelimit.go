package model

import "time"

// RateLimitDecision is the outcome of a single rate-limit check.
// A deny is a decision, not an error; RetryAfter is only set on denies.
type RateLimitDecision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}
