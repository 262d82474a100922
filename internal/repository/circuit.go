package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/darkspere/agent-router/internal/database"
	"github.com/darkspere/agent-router/internal/model"
)

type CircuitRepository interface {
	Find(ctx context.Context, component, endpoint string) (*model.CircuitBreaker, error)
	// Ensure returns the breaker row, creating a closed one with the given
	// defaults when absent. A concurrent create loses the unique race and
	// re-reads.
	Ensure(ctx context.Context, component, endpoint string, threshold, timeoutSeconds int) (*model.CircuitBreaker, error)
	// Transition performs a compare-and-swap state change. Returns false when
	// another instance already moved the row out of the expected state.
	Transition(ctx context.Context, id string, from, to model.CircuitState, openedAt *time.Time) (bool, error)
	// ReclaimProbe re-arms a half-open breaker whose probe went stale before
	// reporting an outcome. The staleness guard makes it a CAS: exactly one
	// of the racing callers wins and becomes the new probe.
	ReclaimProbe(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	// RecordFailure bumps the consecutive failure counter while closed and
	// returns the new count.
	RecordFailure(ctx context.Context, id string) (int, error)
	ResetFailures(ctx context.Context, id string) error
	List(ctx context.Context) ([]model.CircuitBreaker, error)
	WithTx(tx *sqlx.Tx) CircuitRepository
}

type circuitRepo struct {
	db database.DBTX
}

func NewCircuitRepository(db *sqlx.DB) CircuitRepository {
	return &circuitRepo{db: db}
}

func (r *circuitRepo) WithTx(tx *sqlx.Tx) CircuitRepository {
	return &circuitRepo{db: tx}
}

func (r *circuitRepo) Find(ctx context.Context, component, endpoint string) (*model.CircuitBreaker, error) {
	var cb model.CircuitBreaker
	err := r.db.GetContext(ctx, &cb, `
		SELECT * FROM circuit_breakers
		WHERE component = $1 AND endpoint = $2
	`, component, endpoint)
	return HandleNotFound(&cb, err)
}

func (r *circuitRepo) Ensure(ctx context.Context, component, endpoint string, threshold, timeoutSeconds int) (*model.CircuitBreaker, error) {
	cb, err := r.Find(ctx, component, endpoint)
	if err != nil || cb != nil {
		return cb, err
	}

	var created model.CircuitBreaker
	err = r.db.GetContext(ctx, &created, `
		INSERT INTO circuit_breakers
			(id, component, endpoint, state, consecutive_failures, failure_threshold, timeout_seconds)
		VALUES ($1, $2, $3, 'closed', 0, $4, $5)
		RETURNING *
	`, uuid.NewString(), component, endpoint, threshold, timeoutSeconds)
	if err != nil {
		if IsUniqueViolation(err) {
			return r.Find(ctx, component, endpoint)
		}
		return nil, err
	}
	return &created, nil
}

func (r *circuitRepo) Transition(ctx context.Context, id string, from, to model.CircuitState, openedAt *time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE circuit_breakers SET
			state = $3,
			opened_at = COALESCE($4, opened_at),
			consecutive_failures = CASE WHEN $3 = 'closed' THEN 0 ELSE consecutive_failures END,
			updated_at = $5
		WHERE id = $1 AND state = $2
	`, id, from, to, openedAt, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return rowsAffected(result), nil
}

func (r *circuitRepo) ReclaimProbe(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE circuit_breakers SET
			updated_at = $3
		WHERE id = $1 AND state = 'half_open' AND updated_at <= $2
	`, id, staleBefore, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return rowsAffected(result), nil
}

func (r *circuitRepo) RecordFailure(ctx context.Context, id string) (int, error) {
	var failures int
	err := r.db.GetContext(ctx, &failures, `
		UPDATE circuit_breakers SET
			consecutive_failures = consecutive_failures + 1,
			last_failure_at = $2,
			updated_at = $2
		WHERE id = $1
		RETURNING consecutive_failures
	`, id, time.Now().UTC())
	return failures, err
}

func (r *circuitRepo) ResetFailures(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE circuit_breakers SET
			consecutive_failures = 0,
			updated_at = $2
		WHERE id = $1
	`, id, time.Now().UTC())
	return err
}

func (r *circuitRepo) List(ctx context.Context) ([]model.CircuitBreaker, error) {
	var breakers []model.CircuitBreaker
	err := r.db.SelectContext(ctx, &breakers, `
		SELECT * FROM circuit_breakers ORDER BY component, endpoint
	`)
	return breakers, err
}
