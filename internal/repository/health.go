package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/darkspere/agent-router/internal/database"
	"github.com/darkspere/agent-router/internal/model"
)

type HealthRepository interface {
	InsertRecord(ctx context.Context, params model.CreateHealthRecordParams) (*model.HealthRecord, error)
	// ListRecent returns the newest records for a worker, newest first,
	// bounded by both count and age.
	ListRecent(ctx context.Context, workerID string, since time.Time, limit int) ([]model.HealthRecord, error)
	ListByWorker(ctx context.Context, workerID string, limit, offset int) ([]model.HealthRecord, error)
	FindSummary(ctx context.Context, workerID string) (*model.HealthSummary, error)
	ListSummaries(ctx context.Context) ([]model.HealthSummary, error)
	UpsertSummary(ctx context.Context, summary model.HealthSummary) error
	SetManualOverride(ctx context.Context, workerID string, override bool) error
	DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	WithTx(tx *sqlx.Tx) HealthRepository
}

type healthRepo struct {
	db database.DBTX
}

func NewHealthRepository(db *sqlx.DB) HealthRepository {
	return &healthRepo{db: db}
}

func (r *healthRepo) WithTx(tx *sqlx.Tx) HealthRepository {
	return &healthRepo{db: tx}
}

func (r *healthRepo) InsertRecord(ctx context.Context, params model.CreateHealthRecordParams) (*model.HealthRecord, error) {
	var record model.HealthRecord
	err := r.db.GetContext(ctx, &record, `
		INSERT INTO health_records
			(id, worker_id, status, latency_ms, consecutive_failures, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, uuid.NewString(), params.WorkerID, params.Status, params.LatencyMs,
		params.ConsecutiveFailures, params.ErrorDetail)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *healthRepo) ListRecent(ctx context.Context, workerID string, since time.Time, limit int) ([]model.HealthRecord, error) {
	var records []model.HealthRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM health_records
		WHERE worker_id = $1 AND checked_at > $2
		ORDER BY checked_at DESC
		LIMIT $3
	`, workerID, since, limit)
	return records, err
}

func (r *healthRepo) ListByWorker(ctx context.Context, workerID string, limit, offset int) ([]model.HealthRecord, error) {
	var records []model.HealthRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM health_records
		WHERE worker_id = $1
		ORDER BY checked_at DESC
		LIMIT $2 OFFSET $3
	`, workerID, limit, offset)
	return records, err
}

func (r *healthRepo) FindSummary(ctx context.Context, workerID string) (*model.HealthSummary, error) {
	var summary model.HealthSummary
	err := r.db.GetContext(ctx, &summary, `
		SELECT * FROM health_summaries WHERE worker_id = $1
	`, workerID)
	return HandleNotFound(&summary, err)
}

func (r *healthRepo) ListSummaries(ctx context.Context) ([]model.HealthSummary, error) {
	var summaries []model.HealthSummary
	err := r.db.SelectContext(ctx, &summaries, `
		SELECT * FROM health_summaries ORDER BY worker_id
	`)
	return summaries, err
}

func (r *healthRepo) UpsertSummary(ctx context.Context, s model.HealthSummary) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO health_summaries
			(worker_id, status, score, uptime_ratio, avg_latency_ms,
			 consecutive_failures, last_success_at, last_failure_at,
			 auto_disabled, manual_override, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (worker_id) DO UPDATE SET
			status = EXCLUDED.status,
			score = EXCLUDED.score,
			uptime_ratio = EXCLUDED.uptime_ratio,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_success_at = EXCLUDED.last_success_at,
			last_failure_at = EXCLUDED.last_failure_at,
			auto_disabled = EXCLUDED.auto_disabled,
			manual_override = health_summaries.manual_override,
			updated_at = EXCLUDED.updated_at
	`, s.WorkerID, s.Status, s.Score, s.UptimeRatio, s.AvgLatencyMs,
		s.ConsecutiveFailures, s.LastSuccessAt, s.LastFailureAt,
		s.AutoDisabled, s.ManualOverride, time.Now().UTC())
	return err
}

func (r *healthRepo) SetManualOverride(ctx context.Context, workerID string, override bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO health_summaries (worker_id, status, score, uptime_ratio, manual_override, updated_at)
		VALUES ($1, 'healthy', 100, 1.0, $2, $3)
		ON CONFLICT (worker_id) DO UPDATE SET
			manual_override = EXCLUDED.manual_override,
			updated_at = EXCLUDED.updated_at
	`, workerID, override, time.Now().UTC())
	return err
}

func (r *healthRepo) DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM health_records WHERE checked_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
