package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/darkspere/agent-router/internal/database"
	"github.com/darkspere/agent-router/internal/model"
)

// SessionExpiry is a (session, worker) pair reported by DeactivateIdle so
// the caller can settle load counters inside the same transaction.
type SessionExpiry struct {
	ID       string `db:"id"`
	WorkerID string `db:"worker_id"`
}

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// FindActiveByKey returns the single active session for a conversation
	// key, or nil. The partial unique index on (conversation_key) WHERE
	// active guarantees at most one exists.
	FindActiveByKey(ctx context.Context, conversationKey string) (*model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	Touch(ctx context.Context, id string, expiresAt time.Time) error
	AppendContext(ctx context.Context, id string, context []byte, expiresAt time.Time) error
	Deactivate(ctx context.Context, id string) (bool, error)
	// Reassign moves an active session to a new worker, updating the cached
	// endpoint and clearing any degraded flag. Returns false if the session
	// was no longer active on the expected worker.
	Reassign(ctx context.Context, id string, oldWorkerID, newWorkerID, newEndpoint string) (bool, error)
	MarkDegraded(ctx context.Context, id string) error
	ListActiveByWorker(ctx context.Context, workerID string) ([]model.Session, error)
	CountActiveByWorker(ctx context.Context, workerID string) (int, error)
	CountActive(ctx context.Context) (int, error)
	// DeactivateIdle flips active sessions idle past the cutoff to inactive
	// and reports which workers held them.
	DeactivateIdle(ctx context.Context, cutoff time.Time) ([]SessionExpiry, error)
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindActiveByKey(ctx context.Context, conversationKey string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions
		WHERE conversation_key = $1 AND active
	`, conversationKey)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions
			(id, conversation_key, worker_id, worker_endpoint, security_token, active, expires_at)
		VALUES ($1, $2, $3, $4, $5, true, $6)
		RETURNING *
	`, uuid.NewString(), params.ConversationKey, params.WorkerID,
		params.WorkerEndpoint, params.SecurityToken, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) Touch(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			last_activity_at = $2,
			message_count = message_count + 1,
			expires_at = $3
		WHERE id = $1 AND active
	`, id, time.Now().UTC(), expiresAt)
	return err
}

func (r *sessionRepo) AppendContext(ctx context.Context, id string, context []byte, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			context = $2,
			last_activity_at = $3,
			message_count = message_count + 1,
			expires_at = $4
		WHERE id = $1 AND active
	`, id, context, time.Now().UTC(), expiresAt)
	return err
}

func (r *sessionRepo) Deactivate(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			active = false,
			last_activity_at = $2
		WHERE id = $1 AND active
	`, id, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return rowsAffected(result), nil
}

func (r *sessionRepo) Reassign(ctx context.Context, id string, oldWorkerID, newWorkerID, newEndpoint string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			worker_id = $3,
			worker_endpoint = $4,
			degraded = false,
			last_activity_at = $5
		WHERE id = $1 AND worker_id = $2 AND active
	`, id, oldWorkerID, newWorkerID, newEndpoint, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return rowsAffected(result), nil
}

func (r *sessionRepo) MarkDegraded(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET degraded = true WHERE id = $1 AND active
	`, id)
	return err
}

func (r *sessionRepo) ListActiveByWorker(ctx context.Context, workerID string) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE worker_id = $1 AND active
		ORDER BY created_at ASC
	`, workerID)
	return sessions, err
}

func (r *sessionRepo) CountActiveByWorker(ctx context.Context, workerID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sessions WHERE worker_id = $1 AND active
	`, workerID)
	return count, err
}

func (r *sessionRepo) CountActive(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sessions WHERE active
	`)
	return count, err
}

func (r *sessionRepo) DeactivateIdle(ctx context.Context, cutoff time.Time) ([]SessionExpiry, error) {
	var expired []SessionExpiry
	err := r.db.SelectContext(ctx, &expired, `
		UPDATE sessions SET active = false
		WHERE active AND last_activity_at < $1
		RETURNING id, worker_id
	`, cutoff)
	return expired, err
}
