package model

import "time"

// HealthRecord is one probe observation. Append-only; the source of truth
// for a worker's health summary.
type HealthRecord struct {
	ID                  string       `db:"id" json:"id"`
	WorkerID            string       `db:"worker_id" json:"workerId"`
	Status              HealthStatus `db:"status" json:"status"`
	LatencyMs           *int         `db:"latency_ms" json:"latencyMs,omitempty"`
	ConsecutiveFailures int          `db:"consecutive_failures" json:"consecutiveFailures"`
	ErrorDetail         *string      `db:"error_detail" json:"errorDetail,omitempty"`
	CheckedAt           time.Time    `db:"checked_at" json:"checkedAt"`
}

func (r *HealthRecord) Success() bool {
	return r.Status == HealthStatusHealthy || r.Status == HealthStatusDegraded
}

type CreateHealthRecordParams struct {
	WorkerID            string
	Status              HealthStatus
	LatencyMs           *int
	ConsecutiveFailures int
	ErrorDetail         *string
}

// HealthSummary is the derived rolling view, one row per worker, recomputed
// on every probe. Read on the routing hot path.
type HealthSummary struct {
	WorkerID            string       `db:"worker_id" json:"workerId"`
	Status              HealthStatus `db:"status" json:"status"`
	Score               int          `db:"score" json:"score"`
	UptimeRatio         float64      `db:"uptime_ratio" json:"uptimeRatio"`
	AvgLatencyMs        *float64     `db:"avg_latency_ms" json:"avgLatencyMs,omitempty"`
	ConsecutiveFailures int          `db:"consecutive_failures" json:"consecutiveFailures"`
	LastSuccessAt       *time.Time   `db:"last_success_at" json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time   `db:"last_failure_at" json:"lastFailureAt,omitempty"`
	AutoDisabled        bool         `db:"auto_disabled" json:"autoDisabled"`
	ManualOverride      bool         `db:"manual_override" json:"manualOverride"`
	UpdatedAt           time.Time    `db:"updated_at" json:"updatedAt"`
}
