package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/darkspere/agent-router/internal/database"
	"github.com/darkspere/agent-router/internal/model"
)

type FailoverRepository interface {
	Insert(ctx context.Context, params model.CreateFailoverEventParams) (*model.FailoverEvent, error)
	ListRecent(ctx context.Context, limit, offset int) ([]model.FailoverEvent, error)
	ListByWorker(ctx context.Context, workerID string, limit, offset int) ([]model.FailoverEvent, error)
	WithTx(tx *sqlx.Tx) FailoverRepository
}

type failoverRepo struct {
	db database.DBTX
}

func NewFailoverRepository(db *sqlx.DB) FailoverRepository {
	return &failoverRepo{db: db}
}

func (r *failoverRepo) WithTx(tx *sqlx.Tx) FailoverRepository {
	return &failoverRepo{db: tx}
}

func (r *failoverRepo) Insert(ctx context.Context, params model.CreateFailoverEventParams) (*model.FailoverEvent, error) {
	var event model.FailoverEvent
	err := r.db.GetContext(ctx, &event, `
		INSERT INTO failover_events
			(id, session_id, conversation_key, old_worker_id, new_worker_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, uuid.NewString(), params.SessionID, params.ConversationKey,
		params.OldWorkerID, params.NewWorkerID, params.Reason)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *failoverRepo) ListRecent(ctx context.Context, limit, offset int) ([]model.FailoverEvent, error) {
	var events []model.FailoverEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT * FROM failover_events
		ORDER BY occurred_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	return events, err
}

func (r *failoverRepo) ListByWorker(ctx context.Context, workerID string, limit, offset int) ([]model.FailoverEvent, error) {
	var events []model.FailoverEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT * FROM failover_events
		WHERE old_worker_id = $1 OR new_worker_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2 OFFSET $3
	`, workerID, limit, offset)
	return events, err
}
