package model

import (
	"encoding/json"
	"time"
)

// ErrorRecord tracks one failure through its retry lifecycle: scheduled
// retries until resolved, or permanently unresolved once attempts run out.
type ErrorRecord struct {
	ID          string           `db:"id" json:"id"`
	Category    ErrorCategory    `db:"category" json:"category"`
	Severity    ErrorSeverity    `db:"severity" json:"severity"`
	Component   string           `db:"component" json:"component"`
	Message     string           `db:"message" json:"message"`
	Context     *json.RawMessage `db:"context" json:"context,omitempty"`
	Strategy    RetryStrategy    `db:"strategy" json:"strategy"`
	RetryCount  int              `db:"retry_count" json:"retryCount"`
	MaxRetries  int              `db:"max_retries" json:"maxRetries"`
	NextRetryAt *time.Time       `db:"next_retry_at" json:"nextRetryAt,omitempty"`
	Resolved    bool             `db:"resolved" json:"resolved"`
	Exhausted   bool             `db:"exhausted" json:"exhausted"`
	CreatedAt   time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updatedAt"`
}

type CreateErrorParams struct {
	Category    ErrorCategory
	Severity    ErrorSeverity
	Component   string
	Message     string
	Context     *json.RawMessage
	Strategy    RetryStrategy
	MaxRetries  int
	NextRetryAt *time.Time
}

// RetryAttempt is one attempt against an ErrorRecord.
type RetryAttempt struct {
	ID            string    `db:"id" json:"id"`
	ErrorID       string    `db:"error_id" json:"errorId"`
	AttemptNumber int       `db:"attempt_number" json:"attemptNumber"`
	Success       bool      `db:"success" json:"success"`
	OutcomeDetail *string   `db:"outcome_detail" json:"outcomeDetail,omitempty"`
	LatencyMs     *int      `db:"latency_ms" json:"latencyMs,omitempty"`
	AttemptedAt   time.Time `db:"attempted_at" json:"attemptedAt"`
}
