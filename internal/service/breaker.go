package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/audit"
	apperrors "github.com/darkspere/agent-router/internal/errors"
	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/observability"
	"github.com/darkspere/agent-router/internal/repository"
)

// BreakerService wraps outbound calls in a per-(component, endpoint)
// circuit breaker backed by the store. State changes go through
// compare-and-swap updates, so when several instances race on the same
// breaker exactly one wins each transition; the open-to-half-open winner is
// the caller whose request becomes the single probe.
type BreakerService struct {
	repo             repository.CircuitRepository
	failureThreshold int
	timeoutSeconds   int
	now              func() time.Time
}

func NewBreakerService(repo repository.CircuitRepository, failureThreshold, timeoutSeconds int) *BreakerService {
	return &BreakerService{
		repo:             repo,
		failureThreshold: failureThreshold,
		timeoutSeconds:   timeoutSeconds,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Allow reports whether a call to the dependency may proceed. While the
// circuit is open and the timeout has not elapsed it returns a CIRCUIT_OPEN
// error; once the timeout elapses, the first caller to win the CAS moves the
// breaker to half-open and proceeds as the probe, while losers stay blocked.
// A half-open probe that never reports back is reclaimed the same way once
// it is older than the timeout.
func (s *BreakerService) Allow(ctx context.Context, component, endpoint string) error {
	cb, err := s.repo.Ensure(ctx, component, endpoint, s.failureThreshold, s.timeoutSeconds)
	if err != nil {
		return fmt.Errorf("ensure breaker: %w", err)
	}

	switch cb.State {
	case model.CircuitClosed:
		return nil
	case model.CircuitHalfOpen:
		// A probe is in flight; if it went stale without reporting back
		// (the prober crashed), the first caller to win the reclaim CAS
		// becomes the new probe instead of the row staying wedged.
		now := s.now()
		if cb.ProbeStale(now) {
			won, err := s.repo.ReclaimProbe(ctx, cb.ID, now.Add(-cb.Timeout()))
			if err != nil {
				return fmt.Errorf("reclaim breaker probe: %w", err)
			}
			if won {
				log.Warn().
					Str("component", component).
					Str("endpoint", endpoint).
					Msg("stale half-open probe reclaimed")
				return nil
			}
		}
		return apperrors.CircuitOpen(component, endpoint)
	case model.CircuitOpen:
		now := s.now()
		if !cb.OpenElapsed(now) {
			return apperrors.CircuitOpen(component, endpoint)
		}
		won, err := s.repo.Transition(ctx, cb.ID, model.CircuitOpen, model.CircuitHalfOpen, nil)
		if err != nil {
			return fmt.Errorf("transition breaker: %w", err)
		}
		if !won {
			return apperrors.CircuitOpen(component, endpoint)
		}
		observability.CircuitTransitions.WithLabelValues(component, string(model.CircuitHalfOpen)).Inc()
		log.Info().
			Str("component", component).
			Str("endpoint", endpoint).
			Msg("circuit half-open, probing")
		return nil
	default:
		return apperrors.Internal(fmt.Sprintf("unknown circuit state %q", cb.State))
	}
}

// RecordOutcome feeds the result of a completed call back into the breaker.
// A half-open success closes the circuit; a half-open failure reopens it with
// a fresh timeout. Closed-state failures accumulate until the threshold
// trips the circuit open.
func (s *BreakerService) RecordOutcome(ctx context.Context, component, endpoint string, success bool) error {
	cb, err := s.repo.Ensure(ctx, component, endpoint, s.failureThreshold, s.timeoutSeconds)
	if err != nil {
		return fmt.Errorf("ensure breaker: %w", err)
	}

	if success {
		return s.recordSuccess(ctx, cb, component, endpoint)
	}
	return s.recordFailure(ctx, cb, component, endpoint)
}

func (s *BreakerService) recordSuccess(ctx context.Context, cb *model.CircuitBreaker, component, endpoint string) error {
	switch cb.State {
	case model.CircuitHalfOpen:
		won, err := s.repo.Transition(ctx, cb.ID, model.CircuitHalfOpen, model.CircuitClosed, nil)
		if err != nil {
			return fmt.Errorf("close breaker: %w", err)
		}
		if won {
			observability.CircuitTransitions.WithLabelValues(component, string(model.CircuitClosed)).Inc()
			audit.Log(audit.Event{
				Type:   audit.EventCircuitClosed,
				Entity: fmt.Sprintf("%s/%s", component, endpoint),
			})
			log.Info().
				Str("component", component).
				Str("endpoint", endpoint).
				Msg("circuit closed after successful probe")
		}
		return nil
	case model.CircuitClosed:
		if cb.ConsecutiveFailures > 0 {
			return s.repo.ResetFailures(ctx, cb.ID)
		}
		return nil
	default:
		// A success observed against an open circuit is a late responder;
		// the open timeout governs recovery, not stragglers.
		return nil
	}
}

func (s *BreakerService) recordFailure(ctx context.Context, cb *model.CircuitBreaker, component, endpoint string) error {
	now := s.now()

	switch cb.State {
	case model.CircuitHalfOpen:
		won, err := s.repo.Transition(ctx, cb.ID, model.CircuitHalfOpen, model.CircuitOpen, &now)
		if err != nil {
			return fmt.Errorf("reopen breaker: %w", err)
		}
		if won {
			s.noteOpened(component, endpoint, cb.ConsecutiveFailures, "probe failed")
		}
		return nil
	case model.CircuitClosed:
		failures, err := s.repo.RecordFailure(ctx, cb.ID)
		if err != nil {
			return fmt.Errorf("record breaker failure: %w", err)
		}
		if failures >= cb.FailureThreshold {
			won, err := s.repo.Transition(ctx, cb.ID, model.CircuitClosed, model.CircuitOpen, &now)
			if err != nil {
				return fmt.Errorf("open breaker: %w", err)
			}
			if won {
				s.noteOpened(component, endpoint, failures, "failure threshold reached")
			}
		}
		return nil
	default:
		return nil
	}
}

func (s *BreakerService) noteOpened(component, endpoint string, failures int, reason string) {
	observability.CircuitTransitions.WithLabelValues(component, string(model.CircuitOpen)).Inc()
	audit.Log(audit.Event{
		Type:   audit.EventCircuitOpened,
		Entity: fmt.Sprintf("%s/%s", component, endpoint),
		Details: map[string]interface{}{
			"consecutiveFailures": failures,
			"reason":              reason,
		},
	})
	log.Warn().
		Str("component", component).
		Str("endpoint", endpoint).
		Int("consecutiveFailures", failures).
		Str("reason", reason).
		Msg("circuit opened")
}

// List returns every breaker row for the admin API.
func (s *BreakerService) List(ctx context.Context) ([]model.CircuitBreaker, error) {
	return s.repo.List(ctx)
}
