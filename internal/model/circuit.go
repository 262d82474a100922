package model

import "time"

// CircuitBreaker is one row per (component, endpoint) dependency. State
// transitions are driven by compare-and-swap updates so that multiple
// router instances coordinate through the store.
type CircuitBreaker struct {
	ID                  string       `db:"id" json:"id"`
	Component           string       `db:"component" json:"component"`
	Endpoint            string       `db:"endpoint" json:"endpoint"`
	State               CircuitState `db:"state" json:"state"`
	ConsecutiveFailures int          `db:"consecutive_failures" json:"consecutiveFailures"`
	FailureThreshold    int          `db:"failure_threshold" json:"failureThreshold"`
	TimeoutSeconds      int          `db:"timeout_seconds" json:"timeoutSeconds"`
	OpenedAt            *time.Time   `db:"opened_at" json:"openedAt,omitempty"`
	LastFailureAt       *time.Time   `db:"last_failure_at" json:"lastFailureAt,omitempty"`
	UpdatedAt           time.Time    `db:"updated_at" json:"updatedAt"`
}

// Timeout is how long an open circuit stays open before a probe is allowed.
func (cb *CircuitBreaker) Timeout() time.Duration {
	return time.Duration(cb.TimeoutSeconds) * time.Second
}

// OpenElapsed reports whether the open period has run out as of now.
func (cb *CircuitBreaker) OpenElapsed(now time.Time) bool {
	return cb.OpenedAt != nil && !now.Before(cb.OpenedAt.Add(cb.Timeout()))
}

// ProbeStale reports whether a half-open probe has been in flight longer
// than the timeout. UpdatedAt is set by every transition, so for a half-open
// row it marks when the probe was admitted; a probe older than the timeout
// died without reporting its outcome.
func (cb *CircuitBreaker) ProbeStale(now time.Time) bool {
	return cb.State == CircuitHalfOpen && !now.Before(cb.UpdatedAt.Add(cb.Timeout()))
}
