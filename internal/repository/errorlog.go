package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/darkspere/agent-router/internal/database"
	"github.com/darkspere/agent-router/internal/model"
)

type ErrorRepository interface {
	Create(ctx context.Context, params model.CreateErrorParams) (*model.ErrorRecord, error)
	FindByID(ctx context.Context, id string) (*model.ErrorRecord, error)
	// FindByIDForUpdate locks the error row so attempt bookkeeping is atomic.
	FindByIDForUpdate(ctx context.Context, id string) (*model.ErrorRecord, error)
	InsertAttempt(ctx context.Context, attempt model.RetryAttempt) error
	MarkResolved(ctx context.Context, id string) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error
	MarkExhausted(ctx context.Context, id string, retryCount int) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.ErrorRecord, error)
	List(ctx context.Context, limit, offset int) ([]model.ErrorRecord, error)
	ListAttempts(ctx context.Context, errorID string) ([]model.RetryAttempt, error)
	CountUnresolved(ctx context.Context) (int, error)
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	WithTx(tx *sqlx.Tx) ErrorRepository
}

type errorRepo struct {
	db database.DBTX
}

func NewErrorRepository(db *sqlx.DB) ErrorRepository {
	return &errorRepo{db: db}
}

func (r *errorRepo) WithTx(tx *sqlx.Tx) ErrorRepository {
	return &errorRepo{db: tx}
}

func (r *errorRepo) Create(ctx context.Context, params model.CreateErrorParams) (*model.ErrorRecord, error) {
	var record model.ErrorRecord
	err := r.db.GetContext(ctx, &record, `
		INSERT INTO error_records
			(id, category, severity, component, message, context,
			 strategy, retry_count, max_retries, next_retry_at, resolved, exhausted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, false, $10)
		RETURNING *
	`, uuid.NewString(), params.Category, params.Severity, params.Component,
		params.Message, params.Context, params.Strategy, params.MaxRetries,
		params.NextRetryAt, params.Strategy == model.StrategyNoRetry)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *errorRepo) FindByID(ctx context.Context, id string) (*model.ErrorRecord, error) {
	var record model.ErrorRecord
	err := r.db.GetContext(ctx, &record, `
		SELECT * FROM error_records WHERE id = $1
	`, id)
	return HandleNotFound(&record, err)
}

func (r *errorRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.ErrorRecord, error) {
	var record model.ErrorRecord
	err := r.db.GetContext(ctx, &record, `
		SELECT * FROM error_records WHERE id = $1 FOR UPDATE
	`, id)
	return HandleNotFound(&record, err)
}

func (r *errorRepo) InsertAttempt(ctx context.Context, a model.RetryAttempt) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO retry_attempts
			(id, error_id, attempt_number, success, outcome_detail, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), a.ErrorID, a.AttemptNumber, a.Success, a.OutcomeDetail, a.LatencyMs)
	return err
}

func (r *errorRepo) MarkResolved(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE error_records SET
			resolved = true,
			next_retry_at = NULL,
			updated_at = $2
		WHERE id = $1
	`, id, time.Now().UTC())
	return err
}

func (r *errorRepo) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE error_records SET
			retry_count = $2,
			next_retry_at = $3,
			updated_at = $4
		WHERE id = $1
	`, id, retryCount, nextRetryAt, time.Now().UTC())
	return err
}

func (r *errorRepo) MarkExhausted(ctx context.Context, id string, retryCount int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE error_records SET
			retry_count = $2,
			next_retry_at = NULL,
			exhausted = true,
			updated_at = $3
		WHERE id = $1
	`, id, retryCount, time.Now().UTC())
	return err
}

func (r *errorRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]model.ErrorRecord, error) {
	var records []model.ErrorRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM error_records
		WHERE NOT resolved AND NOT exhausted
		  AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2
	`, now, limit)
	return records, err
}

func (r *errorRepo) List(ctx context.Context, limit, offset int) ([]model.ErrorRecord, error) {
	var records []model.ErrorRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM error_records
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	return records, err
}

func (r *errorRepo) ListAttempts(ctx context.Context, errorID string) ([]model.RetryAttempt, error) {
	var attempts []model.RetryAttempt
	err := r.db.SelectContext(ctx, &attempts, `
		SELECT * FROM retry_attempts
		WHERE error_id = $1
		ORDER BY attempt_number ASC
	`, errorID)
	return attempts, err
}

func (r *errorRepo) CountUnresolved(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM error_records WHERE NOT resolved
	`)
	return count, err
}

func (r *errorRepo) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM error_records WHERE resolved AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
