package model

import "time"

// RateLimitRule is the configured policy for one (entityType, limitType)
// pair. Rules live in code/config; trackers live in the store.
type RateLimitRule struct {
	EntityType        EntityType
	LimitType         LimitType
	MaxRequests       int
	Window            time.Duration
	BlockBase         time.Duration // zero means violations never block
	PenaltyMultiplier float64
}

// RateTracker is one row per tracked (entityType, entityValue, limitType)
// tuple: the current window, its count, and any active block.
type RateTracker struct {
	ID             string     `db:"id" json:"id"`
	EntityType     EntityType `db:"entity_type" json:"entityType"`
	EntityValue    string     `db:"entity_value" json:"entityValue"`
	LimitType      LimitType  `db:"limit_type" json:"limitType"`
	WindowStart    time.Time  `db:"window_start" json:"windowStart"`
	WindowSeconds  int        `db:"window_seconds" json:"windowSeconds"`
	Count          int        `db:"count" json:"count"`
	MaxRequests    int        `db:"max_requests" json:"maxRequests"`
	Blocked        bool       `db:"blocked" json:"blocked"`
	BlockedUntil   *time.Time `db:"blocked_until" json:"blockedUntil,omitempty"`
	ViolationCount int        `db:"violation_count" json:"violationCount"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

// RateLimitOverride replaces the default rule for one entity while
// unexpired (nil ExpiresAt means no expiry).
type RateLimitOverride struct {
	ID            string     `db:"id" json:"id"`
	EntityType    EntityType `db:"entity_type" json:"entityType"`
	EntityValue   string     `db:"entity_value" json:"entityValue"`
	LimitType     LimitType  `db:"limit_type" json:"limitType"`
	MaxRequests   int        `db:"max_requests" json:"maxRequests"`
	WindowSeconds int        `db:"window_seconds" json:"windowSeconds"`
	ExpiresAt     *time.Time `db:"expires_at" json:"expiresAt,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
}

func (o *RateLimitOverride) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

type RateLimitDecision struct {
	Allowed      bool       `json:"allowed"`
	Remaining    int        `json:"remaining"`
	ResetAt      time.Time  `json:"resetAt"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
}

// RateLimitViolation is the queryable audit record for every denial.
type RateLimitViolation struct {
	ID           string     `db:"id" json:"id"`
	EntityType   EntityType `db:"entity_type" json:"entityType"`
	EntityValue  string     `db:"entity_value" json:"entityValue"`
	LimitType    LimitType  `db:"limit_type" json:"limitType"`
	Count        int        `db:"count" json:"count"`
	MaxRequests  int        `db:"max_requests" json:"maxRequests"`
	BlockedUntil *time.Time `db:"blocked_until" json:"blockedUntil,omitempty"`
	OccurredAt   time.Time  `db:"occurred_at" json:"occurredAt"`
}
