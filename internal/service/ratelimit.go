package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/audit"
	"github.com/darkspere/agent-router/internal/database"
	apperrors "github.com/darkspere/agent-router/internal/errors"
	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/observability"
	"github.com/darkspere/agent-router/internal/repository"
)

// RateLimiterService enforces per-entity sliding fixed-window quotas with
// escalating temporary blocks. All tracker state lives in the store, one row
// per (entityType, entityValue, limitType); the check-and-consume runs as a
// single transaction with the tracker row locked, so concurrent router
// instances serialize on the same entity. Blocks expire lazily at check
// time; no background sweep is needed.
type RateLimiterService struct {
	db    database.TxRunner
	repo  repository.RateLimitRepository
	rules map[ruleKey]model.RateLimitRule
	now   func() time.Time
}

type ruleKey struct {
	entityType model.EntityType
	limitType  model.LimitType
}

func NewRateLimiterService(
	db database.TxRunner,
	repo repository.RateLimitRepository,
	blockBase time.Duration,
	penaltyMultiplier float64,
	edgeLimitPerMin int,
) *RateLimiterService {
	s := &RateLimiterService{
		db:    db,
		repo:  repo,
		rules: make(map[ruleKey]model.RateLimitRule),
		now:   func() time.Time { return time.Now().UTC() },
	}

	s.SetRule(model.RateLimitRule{
		EntityType: model.EntityPhone, LimitType: model.LimitMessage,
		MaxRequests: 30, Window: time.Minute,
		BlockBase: blockBase, PenaltyMultiplier: penaltyMultiplier,
	})
	s.SetRule(model.RateLimitRule{
		EntityType: model.EntityUser, LimitType: model.LimitAPI,
		MaxRequests: 120, Window: time.Minute,
		BlockBase: blockBase, PenaltyMultiplier: penaltyMultiplier,
	})
	s.SetRule(model.RateLimitRule{
		EntityType: model.EntityIP, LimitType: model.LimitAPI,
		MaxRequests: edgeLimitPerMin, Window: time.Minute,
		BlockBase: blockBase, PenaltyMultiplier: penaltyMultiplier,
	})
	s.SetRule(model.RateLimitRule{
		EntityType: model.EntityWorker, LimitType: model.LimitSession,
		MaxRequests: 60, Window: time.Minute,
		BlockBase: 0, PenaltyMultiplier: 1,
	})

	return s
}

func (s *RateLimiterService) SetRule(rule model.RateLimitRule) {
	s.rules[ruleKey{rule.EntityType, rule.LimitType}] = rule
}

// CheckAndConsume consumes one slot for the entity, or explains the denial.
// A per-entity override replaces the default rule's max/window while
// unexpired; block escalation always follows the default rule.
func (s *RateLimiterService) CheckAndConsume(ctx context.Context, entityType model.EntityType, entityValue string, limitType model.LimitType) (*model.RateLimitDecision, error) {
	rule, ok := s.rules[ruleKey{entityType, limitType}]
	if !ok {
		return nil, apperrors.Internal(fmt.Sprintf("no rate limit rule for %s/%s", entityType, limitType))
	}

	now := s.now()
	var decision model.RateLimitDecision

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		repo := s.repo.WithTx(tx)

		override, err := repo.FindOverride(ctx, entityType, entityValue, limitType)
		if err != nil {
			return fmt.Errorf("find override: %w", err)
		}
		if override != nil && !override.Expired(now) {
			rule.MaxRequests = override.MaxRequests
			rule.Window = time.Duration(override.WindowSeconds) * time.Second
		}

		tracker, err := repo.FindTrackerForUpdate(ctx, entityType, entityValue, limitType)
		if err != nil {
			return fmt.Errorf("find tracker: %w", err)
		}

		if tracker == nil {
			created := model.RateTracker{
				EntityType:    entityType,
				EntityValue:   entityValue,
				LimitType:     limitType,
				WindowStart:   now,
				WindowSeconds: int(rule.Window.Seconds()),
				Count:         1,
				MaxRequests:   rule.MaxRequests,
			}
			if _, err := repo.CreateTracker(ctx, created); err != nil {
				if repository.IsUniqueViolation(err) {
					// Concurrent first request for the same entity; the row
					// lock settles it on retry.
					return apperrors.New(apperrors.ErrCodeConflict, "tracker race")
				}
				return fmt.Errorf("create tracker: %w", err)
			}
			decision = model.RateLimitDecision{
				Allowed:   true,
				Remaining: rule.MaxRequests - 1,
				ResetAt:   now.Add(rule.Window),
			}
			return nil
		}

		var violated bool
		decision, violated = ApplyWindow(tracker, rule, now)

		if err := repo.UpdateTracker(ctx, *tracker); err != nil {
			return fmt.Errorf("update tracker: %w", err)
		}

		if violated {
			if err := repo.InsertViolation(ctx, model.RateLimitViolation{
				EntityType:   entityType,
				EntityValue:  entityValue,
				LimitType:    limitType,
				Count:        tracker.Count,
				MaxRequests:  rule.MaxRequests,
				BlockedUntil: tracker.BlockedUntil,
			}); err != nil {
				return fmt.Errorf("insert violation: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeConflict) {
			return s.CheckAndConsume(ctx, entityType, entityValue, limitType)
		}
		return nil, err
	}

	s.observe(entityType, entityValue, limitType, &decision)
	return &decision, nil
}

func (s *RateLimiterService) observe(entityType model.EntityType, entityValue string, limitType model.LimitType, decision *model.RateLimitDecision) {
	outcome := "allowed"
	if !decision.Allowed {
		outcome = "denied"
		if decision.BlockedUntil != nil {
			outcome = "blocked"
		}

		log.Warn().
			Str("entityType", string(entityType)).
			Str("entityValue", entityValue).
			Str("limitType", string(limitType)).
			Time("resetAt", decision.ResetAt).
			Msg("rate limit exceeded")

		eventType := audit.EventRateLimitExceed
		if decision.BlockedUntil != nil {
			eventType = audit.EventRateLimitBlocked
		}
		audit.Log(audit.Event{
			Type:   eventType,
			Entity: fmt.Sprintf("%s:%s", entityType, entityValue),
			Details: map[string]interface{}{
				"limitType": string(limitType),
			},
		})
	}
	observability.RateLimitDecisions.WithLabelValues(string(entityType), outcome).Inc()
}

func (s *RateLimiterService) SetOverride(ctx context.Context, override model.RateLimitOverride) (*model.RateLimitOverride, error) {
	return s.repo.UpsertOverride(ctx, override)
}

func (s *RateLimiterService) Violations(ctx context.Context, limit, offset int) ([]model.RateLimitViolation, error) {
	return s.repo.ListViolations(ctx, limit, offset)
}

// ApplyWindow advances one tracker through a single request at `now`,
// mutating it in place. Returns the decision and whether this request was a
// fresh violation (as opposed to a request denied by an existing block).
func ApplyWindow(t *model.RateTracker, rule model.RateLimitRule, now time.Time) (model.RateLimitDecision, bool) {
	// Lazy block expiry. A block carrying no expiry is treated as already
	// elapsed rather than dereferenced.
	if t.Blocked && (t.BlockedUntil == nil || !now.Before(*t.BlockedUntil)) {
		t.Blocked = false
		t.BlockedUntil = nil
	}

	if t.Blocked {
		return model.RateLimitDecision{
			Allowed:      false,
			Remaining:    0,
			ResetAt:      *t.BlockedUntil,
			BlockedUntil: t.BlockedUntil,
		}, false
	}

	window := time.Duration(t.WindowSeconds) * time.Second
	windowEnd := t.WindowStart.Add(window)

	// A request outside the window slides it forward and starts a new count.
	if !now.Before(windowEnd) {
		t.WindowStart = now
		t.WindowSeconds = int(rule.Window.Seconds())
		t.MaxRequests = rule.MaxRequests
		t.Count = 1
		windowEnd = now.Add(rule.Window)
		return model.RateLimitDecision{
			Allowed:   true,
			Remaining: rule.MaxRequests - 1,
			ResetAt:   windowEnd,
		}, false
	}

	if t.Count < rule.MaxRequests {
		t.Count++
		return model.RateLimitDecision{
			Allowed:   true,
			Remaining: rule.MaxRequests - t.Count,
			ResetAt:   windowEnd,
		}, false
	}

	// Violation: escalate the block exponentially on repeat offenders.
	decision := model.RateLimitDecision{
		Allowed:   false,
		Remaining: 0,
		ResetAt:   windowEnd,
	}

	if rule.BlockBase > 0 {
		blockDur := time.Duration(float64(rule.BlockBase) * math.Pow(rule.PenaltyMultiplier, float64(t.ViolationCount)))
		until := now.Add(blockDur)
		t.Blocked = true
		t.BlockedUntil = &until
		decision.BlockedUntil = &until
		decision.ResetAt = until
	}
	t.ViolationCount++

	return decision, true
}
