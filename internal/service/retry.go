package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/database"
	apperrors "github.com/darkspere/agent-router/internal/errors"
	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/observability"
	"github.com/darkspere/agent-router/internal/repository"
)

// retryPolicy maps an error category to its retry behavior. Validation and
// authentication failures are never retried; retrying them just repeats the
// same rejection.
type retryPolicy struct {
	strategy   model.RetryStrategy
	maxRetries int
}

// RetryService is the error manager: it records failures, schedules their
// retries according to per-category strategy, and tracks every attempt until
// the error resolves or its budget runs out.
type RetryService struct {
	db       database.TxRunner
	repo     repository.ErrorRepository
	policies map[model.ErrorCategory]retryPolicy
	base     time.Duration
	maxDelay time.Duration
	now      func() time.Time
}

func NewRetryService(db database.TxRunner, repo repository.ErrorRepository, maxRetries int, base, maxDelay time.Duration) *RetryService {
	return &RetryService{
		db:   db,
		repo: repo,
		policies: map[model.ErrorCategory]retryPolicy{
			model.CategoryNetwork:          {model.StrategyExponential, maxRetries},
			model.CategoryTimeout:          {model.StrategyExponential, maxRetries},
			model.CategoryAgentUnavailable: {model.StrategyExponential, maxRetries},
			model.CategoryAgentError:       {model.StrategyLinear, maxRetries},
			model.CategoryDatabase:         {model.StrategyFixedDelay, maxRetries},
			model.CategoryInternal:         {model.StrategyFixedDelay, maxRetries},
			model.CategoryValidation:       {model.StrategyNoRetry, 0},
			model.CategoryAuthentication:   {model.StrategyNoRetry, 0},
		},
		base:     base,
		maxDelay: maxDelay,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type LogErrorParams struct {
	Category  model.ErrorCategory
	Severity  model.ErrorSeverity
	Component string
	Message   string
	Context   map[string]any
}

// LogError records a failure and schedules its first retry per the
// category's policy. no_retry categories are created already exhausted.
func (s *RetryService) LogError(ctx context.Context, params LogErrorParams) (*model.ErrorRecord, error) {
	policy, ok := s.policies[params.Category]
	if !ok {
		policy = retryPolicy{model.StrategyFixedDelay, 0}
	}

	create := model.CreateErrorParams{
		Category:   params.Category,
		Severity:   params.Severity,
		Component:  params.Component,
		Message:    params.Message,
		Strategy:   policy.strategy,
		MaxRetries: policy.maxRetries,
	}

	if params.Context != nil {
		raw, err := json.Marshal(params.Context)
		if err != nil {
			return nil, fmt.Errorf("marshal error context: %w", err)
		}
		rawMsg := json.RawMessage(raw)
		create.Context = &rawMsg
	}

	if policy.strategy != model.StrategyNoRetry && policy.maxRetries > 0 {
		next := s.now().Add(RetryDelay(policy.strategy, 0, s.base, s.maxDelay))
		create.NextRetryAt = &next
	}

	record, err := s.repo.Create(ctx, create)
	if err != nil {
		return nil, fmt.Errorf("create error record: %w", err)
	}

	observability.ErrorsLogged.WithLabelValues(string(params.Category)).Inc()

	evt := log.Warn()
	if params.Severity == model.SeverityHigh || params.Severity == model.SeverityCritical {
		evt = log.Error()
	}
	evt.
		Str("errorId", record.ID).
		Str("category", string(params.Category)).
		Str("severity", string(params.Severity)).
		Str("component", params.Component).
		Str("strategy", string(policy.strategy)).
		Msg(params.Message)

	return record, nil
}

// RecordAttempt books one retry attempt against an error record. Success
// resolves the record; failure schedules the next retry or, once the budget
// is spent, marks the record permanently unresolved. The record row stays
// locked for the duration so concurrent retriers cannot double-count.
func (s *RetryService) RecordAttempt(ctx context.Context, errorID string, success bool, outcomeDetail *string, latencyMs *int) (*model.ErrorRecord, error) {
	var updated *model.ErrorRecord

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		repo := s.repo.WithTx(tx)

		record, err := repo.FindByIDForUpdate(ctx, errorID)
		if err != nil {
			return fmt.Errorf("find error record: %w", err)
		}
		if record == nil {
			return apperrors.NotFound("error record")
		}
		if record.Resolved {
			return apperrors.New(apperrors.ErrCodeConflict, "error already resolved")
		}

		attemptNumber := record.RetryCount + 1
		if err := repo.InsertAttempt(ctx, model.RetryAttempt{
			ErrorID:       errorID,
			AttemptNumber: attemptNumber,
			Success:       success,
			OutcomeDetail: outcomeDetail,
			LatencyMs:     latencyMs,
		}); err != nil {
			return fmt.Errorf("insert retry attempt: %w", err)
		}

		switch {
		case success:
			if err := repo.MarkResolved(ctx, errorID); err != nil {
				return fmt.Errorf("mark resolved: %w", err)
			}
			record.Resolved = true
			record.NextRetryAt = nil
		case attemptNumber >= record.MaxRetries || record.Strategy == model.StrategyNoRetry:
			if err := repo.MarkExhausted(ctx, errorID, attemptNumber); err != nil {
				return fmt.Errorf("mark exhausted: %w", err)
			}
			record.Exhausted = true
			record.NextRetryAt = nil
		default:
			next := s.now().Add(RetryDelay(record.Strategy, attemptNumber, s.base, s.maxDelay))
			if err := repo.ScheduleRetry(ctx, errorID, attemptNumber, next); err != nil {
				return fmt.Errorf("schedule retry: %w", err)
			}
			record.NextRetryAt = &next
		}
		record.RetryCount = attemptNumber

		updated = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated.Exhausted && !updated.Resolved {
		log.Error().
			Str("errorId", updated.ID).
			Str("category", string(updated.Category)).
			Int("retryCount", updated.RetryCount).
			Msg("retry budget exhausted, error permanently unresolved")
	}

	return updated, nil
}

// DueForRetry lists unresolved, unexhausted errors whose next retry time has
// passed, oldest first.
func (s *RetryService) DueForRetry(ctx context.Context, limit int) ([]model.ErrorRecord, error) {
	return s.repo.ListDue(ctx, s.now(), limit)
}

func (s *RetryService) Resolve(ctx context.Context, errorID string) error {
	record, err := s.repo.FindByID(ctx, errorID)
	if err != nil {
		return fmt.Errorf("find error record: %w", err)
	}
	if record == nil {
		return apperrors.NotFound("error record")
	}
	return s.repo.MarkResolved(ctx, errorID)
}

func (s *RetryService) Get(ctx context.Context, errorID string) (*model.ErrorRecord, error) {
	return s.repo.FindByID(ctx, errorID)
}

func (s *RetryService) List(ctx context.Context, limit, offset int) ([]model.ErrorRecord, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *RetryService) Attempts(ctx context.Context, errorID string) ([]model.RetryAttempt, error) {
	return s.repo.ListAttempts(ctx, errorID)
}

func (s *RetryService) UnresolvedCount(ctx context.Context) (int, error) {
	return s.repo.CountUnresolved(ctx)
}

// RetryDelay computes the wait before the attempt after `attempt` completed
// attempts. Exponential doubles from base, linear grows by base per attempt,
// fixed_delay always waits base, immediate never waits. The result is capped
// at maxDelay.
func RetryDelay(strategy model.RetryStrategy, attempt int, base, maxDelay time.Duration) time.Duration {
	var delay time.Duration
	switch strategy {
	case model.StrategyImmediate:
		return 0
	case model.StrategyExponential:
		delay = time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	case model.StrategyLinear:
		delay = base * time.Duration(attempt+1)
	case model.StrategyFixedDelay:
		delay = base
	case model.StrategyNoRetry:
		return 0
	default:
		delay = base
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
