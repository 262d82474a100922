package model

import "time"

// FailoverEvent is the audit record for one session migration attempt.
// NewWorkerID is nil when no replacement existed and the session was left
// assigned but flagged degraded.
type FailoverEvent struct {
	ID              string    `db:"id" json:"id"`
	SessionID       string    `db:"session_id" json:"sessionId"`
	ConversationKey string    `db:"conversation_key" json:"conversationKey"`
	OldWorkerID     string    `db:"old_worker_id" json:"oldWorkerId"`
	NewWorkerID     *string   `db:"new_worker_id" json:"newWorkerId,omitempty"`
	Reason          string    `db:"reason" json:"reason"`
	OccurredAt      time.Time `db:"occurred_at" json:"occurredAt"`
}

type CreateFailoverEventParams struct {
	SessionID       string
	ConversationKey string
	OldWorkerID     string
	NewWorkerID     *string
	Reason          string
}
