package model

import (
	"encoding/json"
	"time"
)

type Session struct {
	ID              string           `db:"id" json:"id"`
	ConversationKey string           `db:"conversation_key" json:"conversationKey"`
	WorkerID        string           `db:"worker_id" json:"workerId"`
	WorkerEndpoint  string           `db:"worker_endpoint" json:"workerEndpoint"`
	SecurityToken   string           `db:"security_token" json:"-"`
	State           *json.RawMessage `db:"state" json:"state,omitempty"`
	Context         *json.RawMessage `db:"context" json:"context,omitempty"`
	MessageCount    int              `db:"message_count" json:"messageCount"`
	Active          bool             `db:"active" json:"active"`
	Degraded        bool             `db:"degraded" json:"degraded"`
	CreatedAt       time.Time        `db:"created_at" json:"createdAt"`
	LastActivityAt  time.Time        `db:"last_activity_at" json:"lastActivityAt"`
	ExpiresAt       time.Time        `db:"expires_at" json:"expiresAt"`
}

func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

type CreateSessionParams struct {
	ConversationKey string
	WorkerID        string
	WorkerEndpoint  string
	SecurityToken   string
	ExpiresAt       time.Time
}
