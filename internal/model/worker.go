package model

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

type Worker struct {
	ID             string           `db:"id" json:"id"`
	Name           string           `db:"name" json:"name"`
	Type           WorkerType       `db:"type" json:"type"`
	EndpointURL    string           `db:"endpoint_url" json:"endpointUrl"`
	Status         WorkerStatus     `db:"status" json:"status"`
	Capacity       int              `db:"capacity" json:"capacity"`
	CurrentLoad    int              `db:"current_load" json:"currentLoad"`
	APIKeyHash     string           `db:"api_key_hash" json:"-"`
	Capabilities   *json.RawMessage `db:"capabilities" json:"capabilities,omitempty"`
	DisabledReason *string          `db:"disabled_reason" json:"disabledReason,omitempty"`
	LastSeenAt     *time.Time       `db:"last_seen_at" json:"lastSeenAt,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updatedAt"`
}

// LoadRatio is the selection comparator's second tier. A zero-capacity
// worker never gets this far (capacity is validated >= 1 at registration).
func (w *Worker) LoadRatio() float64 {
	return float64(w.CurrentLoad) / float64(w.Capacity)
}

type CreateWorkerParams struct {
	Name         string
	Type         WorkerType
	EndpointURL  string
	Capacity     int
	APIKeyHash   string
	Capabilities *json.RawMessage
}

// WorkerCandidate is a worker joined with its health summary for routing
// decisions. Health fields are nil when no probe has been recorded yet;
// such workers are treated as neutral candidates.
type WorkerCandidate struct {
	Worker
	HealthScore  *int     `db:"health_score" json:"healthScore,omitempty"`
	HealthStatus *string  `db:"health_status" json:"healthStatus,omitempty"`
	AvgLatencyMs *float64 `db:"avg_latency_ms" json:"avgLatencyMs,omitempty"`
}

// NeutralHealthScore is where workers with no probe history rank: above
// the degraded band, below proven healthy workers.
const NeutralHealthScore = 50

// RankScore is the selection comparator's first tier.
func (c *WorkerCandidate) RankScore() int {
	if c.HealthScore == nil {
		return NeutralHealthScore
	}
	return *c.HealthScore
}

func (c *WorkerCandidate) rankLatency() float64 {
	if c.AvgLatencyMs == nil {
		return math.MaxFloat64
	}
	return *c.AvgLatencyMs
}

// RankCandidates sorts candidates into routing order: health score
// descending, load ratio ascending, average latency ascending, worker id as
// the deterministic tiebreak. The eligibility query orders its rows the same
// way; this function is the comparator of record.
func RankCandidates(candidates []WorkerCandidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]
		if a.RankScore() != b.RankScore() {
			return a.RankScore() > b.RankScore()
		}
		if a.LoadRatio() != b.LoadRatio() {
			return a.LoadRatio() < b.LoadRatio()
		}
		if a.rankLatency() != b.rankLatency() {
			return a.rankLatency() < b.rankLatency()
		}
		return a.ID < b.ID
	})
}
