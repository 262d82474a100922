package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/darkspere/agent-router/internal/database"
	"github.com/darkspere/agent-router/internal/model"
)

type RateLimitRepository interface {
	// FindTrackerForUpdate locks the tracker row for the duration of the
	// enclosing transaction, making the check-and-consume read-modify-write
	// atomic across instances. Only meaningful on a repository bound to a tx.
	FindTrackerForUpdate(ctx context.Context, entityType model.EntityType, entityValue string, limitType model.LimitType) (*model.RateTracker, error)
	CreateTracker(ctx context.Context, tracker model.RateTracker) (*model.RateTracker, error)
	UpdateTracker(ctx context.Context, tracker model.RateTracker) error
	FindOverride(ctx context.Context, entityType model.EntityType, entityValue string, limitType model.LimitType) (*model.RateLimitOverride, error)
	UpsertOverride(ctx context.Context, override model.RateLimitOverride) (*model.RateLimitOverride, error)
	DeleteOverride(ctx context.Context, id string) error
	InsertViolation(ctx context.Context, v model.RateLimitViolation) error
	ListViolations(ctx context.Context, limit, offset int) ([]model.RateLimitViolation, error)
	WithTx(tx *sqlx.Tx) RateLimitRepository
}

type rateLimitRepo struct {
	db database.DBTX
}

func NewRateLimitRepository(db *sqlx.DB) RateLimitRepository {
	return &rateLimitRepo{db: db}
}

func (r *rateLimitRepo) WithTx(tx *sqlx.Tx) RateLimitRepository {
	return &rateLimitRepo{db: tx}
}

func (r *rateLimitRepo) FindTrackerForUpdate(ctx context.Context, entityType model.EntityType, entityValue string, limitType model.LimitType) (*model.RateTracker, error) {
	var tracker model.RateTracker
	err := r.db.GetContext(ctx, &tracker, `
		SELECT * FROM rate_trackers
		WHERE entity_type = $1 AND entity_value = $2 AND limit_type = $3
		FOR UPDATE
	`, entityType, entityValue, limitType)
	return HandleNotFound(&tracker, err)
}

func (r *rateLimitRepo) CreateTracker(ctx context.Context, t model.RateTracker) (*model.RateTracker, error) {
	var tracker model.RateTracker
	err := r.db.GetContext(ctx, &tracker, `
		INSERT INTO rate_trackers
			(id, entity_type, entity_value, limit_type, window_start,
			 window_seconds, count, max_requests, blocked, blocked_until, violation_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING *
	`, uuid.NewString(), t.EntityType, t.EntityValue, t.LimitType, t.WindowStart,
		t.WindowSeconds, t.Count, t.MaxRequests, t.Blocked, t.BlockedUntil, t.ViolationCount)
	if err != nil {
		return nil, err
	}
	return &tracker, nil
}

func (r *rateLimitRepo) UpdateTracker(ctx context.Context, t model.RateTracker) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE rate_trackers SET
			window_start = $2,
			window_seconds = $3,
			count = $4,
			max_requests = $5,
			blocked = $6,
			blocked_until = $7,
			violation_count = $8,
			updated_at = $9
		WHERE id = $1
	`, t.ID, t.WindowStart, t.WindowSeconds, t.Count, t.MaxRequests,
		t.Blocked, t.BlockedUntil, t.ViolationCount, time.Now().UTC())
	return err
}

func (r *rateLimitRepo) FindOverride(ctx context.Context, entityType model.EntityType, entityValue string, limitType model.LimitType) (*model.RateLimitOverride, error) {
	var override model.RateLimitOverride
	err := r.db.GetContext(ctx, &override, `
		SELECT * FROM rate_limit_overrides
		WHERE entity_type = $1 AND entity_value = $2 AND limit_type = $3
	`, entityType, entityValue, limitType)
	return HandleNotFound(&override, err)
}

func (r *rateLimitRepo) UpsertOverride(ctx context.Context, o model.RateLimitOverride) (*model.RateLimitOverride, error) {
	var override model.RateLimitOverride
	err := r.db.GetContext(ctx, &override, `
		INSERT INTO rate_limit_overrides
			(id, entity_type, entity_value, limit_type, max_requests, window_seconds, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_type, entity_value, limit_type) DO UPDATE SET
			max_requests = EXCLUDED.max_requests,
			window_seconds = EXCLUDED.window_seconds,
			expires_at = EXCLUDED.expires_at
		RETURNING *
	`, uuid.NewString(), o.EntityType, o.EntityValue, o.LimitType,
		o.MaxRequests, o.WindowSeconds, o.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &override, nil
}

func (r *rateLimitRepo) DeleteOverride(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM rate_limit_overrides WHERE id = $1`, id)
	return err
}

func (r *rateLimitRepo) InsertViolation(ctx context.Context, v model.RateLimitViolation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rate_limit_violations
			(id, entity_type, entity_value, limit_type, count, max_requests, blocked_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), v.EntityType, v.EntityValue, v.LimitType,
		v.Count, v.MaxRequests, v.BlockedUntil)
	return err
}

func (r *rateLimitRepo) ListViolations(ctx context.Context, limit, offset int) ([]model.RateLimitViolation, error) {
	var violations []model.RateLimitViolation
	err := r.db.SelectContext(ctx, &violations, `
		SELECT * FROM rate_limit_violations
		ORDER BY occurred_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	return violations, err
}
