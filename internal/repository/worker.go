package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/darkspere/agent-router/internal/database"
	"github.com/darkspere/agent-router/internal/model"
)

type WorkerRepository interface {
	Create(ctx context.Context, params model.CreateWorkerParams) (*model.Worker, error)
	FindByID(ctx context.Context, id string) (*model.Worker, error)
	FindByName(ctx context.Context, name string) (*model.Worker, error)
	FindByAPIKeyHash(ctx context.Context, hash string) (*model.Worker, error)
	List(ctx context.Context, limit, offset int) ([]model.Worker, error)
	Count(ctx context.Context) (int, error)
	UpdateStatus(ctx context.Context, id string, status model.WorkerStatus, reason *string) error
	UpdateCapabilities(ctx context.Context, id string, capabilities []byte) error
	Heartbeat(ctx context.Context, id string) error
	// IncrementLoad atomically bumps current_load if the worker is active and
	// below capacity. Returns false when the guard did not match.
	IncrementLoad(ctx context.Context, id string) (bool, error)
	// DecrementLoad atomically drops current_load by n if at least n is held.
	// Returns false when the guard did not match; callers treat that as an
	// invariant violation, never as something to clamp.
	DecrementLoad(ctx context.Context, id string, n int) (bool, error)
	// ListEligible returns active workers with spare capacity whose health is
	// healthy (or unknown), ranked by the routing comparator (the ORDER BY
	// mirrors model.RankCandidates): health score descending, load ratio
	// ascending, average latency ascending, id as the deterministic tiebreak.
	// Workers without health data rank at a neutral midpoint score.
	ListEligible(ctx context.Context, workerType model.WorkerType, minHealthScore int) ([]model.WorkerCandidate, error)
	WithTx(tx *sqlx.Tx) WorkerRepository
}

type workerRepo struct {
	db database.DBTX
}

func NewWorkerRepository(db *sqlx.DB) WorkerRepository {
	return &workerRepo{db: db}
}

func (r *workerRepo) WithTx(tx *sqlx.Tx) WorkerRepository {
	return &workerRepo{db: tx}
}

func (r *workerRepo) Create(ctx context.Context, params model.CreateWorkerParams) (*model.Worker, error) {
	var worker model.Worker
	err := r.db.GetContext(ctx, &worker, `
		INSERT INTO workers (id, name, type, endpoint_url, status, capacity, current_load, api_key_hash, capabilities)
		VALUES ($1, $2, $3, $4, 'active', $5, 0, $6, $7)
		RETURNING *
	`, uuid.NewString(), params.Name, params.Type, params.EndpointURL,
		params.Capacity, params.APIKeyHash, params.Capabilities)
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (r *workerRepo) FindByID(ctx context.Context, id string) (*model.Worker, error) {
	var worker model.Worker
	err := r.db.GetContext(ctx, &worker, `
		SELECT * FROM workers WHERE id = $1
	`, id)
	return HandleNotFound(&worker, err)
}

func (r *workerRepo) FindByName(ctx context.Context, name string) (*model.Worker, error) {
	var worker model.Worker
	err := r.db.GetContext(ctx, &worker, `
		SELECT * FROM workers WHERE name = $1
	`, name)
	return HandleNotFound(&worker, err)
}

func (r *workerRepo) FindByAPIKeyHash(ctx context.Context, hash string) (*model.Worker, error) {
	var worker model.Worker
	err := r.db.GetContext(ctx, &worker, `
		SELECT * FROM workers WHERE api_key_hash = $1
	`, hash)
	return HandleNotFound(&worker, err)
}

func (r *workerRepo) List(ctx context.Context, limit, offset int) ([]model.Worker, error) {
	var workers []model.Worker
	err := r.db.SelectContext(ctx, &workers, `
		SELECT * FROM workers
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	return workers, err
}

func (r *workerRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM workers`)
	return count, err
}

func (r *workerRepo) UpdateStatus(ctx context.Context, id string, status model.WorkerStatus, reason *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workers SET
			status = $2,
			disabled_reason = $3,
			updated_at = $4
		WHERE id = $1
	`, id, status, reason, time.Now().UTC())
	return err
}

func (r *workerRepo) UpdateCapabilities(ctx context.Context, id string, capabilities []byte) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workers SET
			capabilities = $2,
			last_seen_at = $3,
			updated_at = $3
		WHERE id = $1
	`, id, capabilities, time.Now().UTC())
	return err
}

func (r *workerRepo) Heartbeat(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workers SET last_seen_at = $2 WHERE id = $1
	`, id, time.Now().UTC())
	return err
}

func (r *workerRepo) IncrementLoad(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE workers SET
			current_load = current_load + 1,
			updated_at = $2
		WHERE id = $1 AND status = 'active' AND current_load < capacity
	`, id, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return rowsAffected(result), nil
}

func (r *workerRepo) DecrementLoad(ctx context.Context, id string, n int) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE workers SET
			current_load = current_load - $2,
			updated_at = $3
		WHERE id = $1 AND current_load >= $2
	`, id, n, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return rowsAffected(result), nil
}

func (r *workerRepo) ListEligible(ctx context.Context, workerType model.WorkerType, minHealthScore int) ([]model.WorkerCandidate, error) {
	var candidates []model.WorkerCandidate
	err := r.db.SelectContext(ctx, &candidates, `
		SELECT w.*,
		       h.score AS health_score,
		       h.status AS health_status,
		       h.avg_latency_ms
		FROM workers w
		LEFT JOIN health_summaries h ON h.worker_id = w.id
		WHERE w.status = 'active'
		  AND w.current_load < w.capacity
		  AND ($1 = '' OR w.type = $1)
		  AND (h.worker_id IS NULL OR (h.status = 'healthy' AND h.score >= $2))
		ORDER BY COALESCE(h.score, 50) DESC,
		         (w.current_load::float / w.capacity) ASC,
		         COALESCE(h.avg_latency_ms, 1e9) ASC,
		         w.id ASC
	`, string(workerType), minHealthScore)
	return candidates, err
}

func rowsAffected(result sql.Result) bool {
	n, err := result.RowsAffected()
	return err == nil && n > 0
}
