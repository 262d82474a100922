package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/database"
	apperrors "github.com/darkspere/agent-router/internal/errors"
	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/observability"
	"github.com/darkspere/agent-router/internal/repository"
	"github.com/darkspere/agent-router/internal/util"
)

// RouterService owns conversation-to-worker assignment. A conversation is
// sticky: repeated calls return the existing active session until the worker
// becomes ineligible or the session expires. Session creation and the load
// increment on the chosen worker commit as one transaction, so a crash can
// never leave a session without its load slot or vice versa.
type RouterService struct {
	db             database.TxRunner
	sessionRepo    repository.SessionRepository
	workerRepo     repository.WorkerRepository
	tokenSecret    string
	sessionTTL     time.Duration
	minHealthScore int
}

func NewRouterService(
	db database.TxRunner,
	sessionRepo repository.SessionRepository,
	workerRepo repository.WorkerRepository,
	tokenSecret string,
	sessionTTL time.Duration,
	minHealthScore int,
) *RouterService {
	return &RouterService{
		db:             db,
		sessionRepo:    sessionRepo,
		workerRepo:     workerRepo,
		tokenSecret:    tokenSecret,
		sessionTTL:     sessionTTL,
		minHealthScore: minHealthScore,
	}
}

// GetOrCreateSession returns the active session for conversationKey,
// creating one on the best eligible worker when none exists. Losing the
// unique-active-session race against a concurrent caller is handled by
// retrying the lookup once and returning the winner's session.
func (s *RouterService) GetOrCreateSession(ctx context.Context, conversationKey string, preferredType model.WorkerType) (*model.Session, error) {
	if conversationKey == "" {
		return nil, apperrors.MissingRequired("conversationKey")
	}

	now := time.Now().UTC()

	existing, err := s.sessionRepo.FindActiveByKey(ctx, conversationKey)
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}

	if existing != nil {
		if !existing.Expired(now) {
			if err := s.sessionRepo.Touch(ctx, existing.ID, now.Add(s.sessionTTL)); err != nil {
				return nil, fmt.Errorf("touch session: %w", err)
			}
			observability.RoutingDecisions.WithLabelValues("sticky").Inc()
			return existing, nil
		}

		// Expired but not yet swept; settle it before re-routing.
		if err := s.TerminateSession(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("terminate expired session: %w", err)
		}
	}

	session, err := s.createSession(ctx, conversationKey, preferredType, now)
	if err == nil {
		observability.RoutingDecisions.WithLabelValues("created").Inc()
		return session, nil
	}

	if !apperrors.HasCode(err, apperrors.ErrCodeSessionRace) {
		return nil, err
	}

	// Lost the unique-active-session race: a concurrent caller created the
	// session first. Read-your-write retry, exactly once.
	observability.RoutingDecisions.WithLabelValues("race_retry").Inc()
	winner, lookupErr := s.sessionRepo.FindActiveByKey(ctx, conversationKey)
	if lookupErr != nil {
		return nil, fmt.Errorf("race retry lookup: %w", lookupErr)
	}
	if winner == nil {
		return nil, err
	}

	log.Debug().
		Str("conversationKey", conversationKey).
		Str("sessionId", winner.ID).
		Msg("session race resolved to concurrent winner")
	return winner, nil
}

func (s *RouterService) createSession(ctx context.Context, conversationKey string, preferredType model.WorkerType, now time.Time) (*model.Session, error) {
	candidates, err := s.workerRepo.ListEligible(ctx, preferredType, s.minHealthScore)
	if err != nil {
		return nil, fmt.Errorf("list eligible workers: %w", err)
	}
	if len(candidates) == 0 {
		observability.RoutingDecisions.WithLabelValues("no_worker").Inc()
		return nil, apperrors.NoEligibleWorker(string(preferredType))
	}
	model.RankCandidates(candidates)

	var session *model.Session
	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		workers := s.workerRepo.WithTx(tx)
		sessions := s.sessionRepo.WithTx(tx)

		for i := range candidates {
			candidate := &candidates[i]

			// The capacity guard re-checks inside the transaction; a miss
			// means a concurrent assignment filled the worker since the
			// candidate list was read, so fall through to the next one.
			ok, err := workers.IncrementLoad(ctx, candidate.ID)
			if err != nil {
				return fmt.Errorf("increment load: %w", err)
			}
			if !ok {
				continue
			}

			token, err := util.SessionToken(s.tokenSecret, conversationKey, candidate.ID, now)
			if err != nil {
				return fmt.Errorf("derive session token: %w", err)
			}

			created, err := sessions.Create(ctx, model.CreateSessionParams{
				ConversationKey: conversationKey,
				WorkerID:        candidate.ID,
				WorkerEndpoint:  candidate.EndpointURL,
				SecurityToken:   token,
				ExpiresAt:       now.Add(s.sessionTTL),
			})
			if err != nil {
				if repository.IsUniqueViolation(err) {
					return apperrors.SessionRace(conversationKey).WithCause(err)
				}
				return fmt.Errorf("create session: %w", err)
			}

			session = created
			return nil
		}

		return apperrors.NoEligibleWorker(string(preferredType))
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("conversationKey", conversationKey).
		Str("workerId", session.WorkerID).
		Msg("session created")

	return session, nil
}

// SelectWorker returns the best eligible worker of the given type, skipping
// excludeWorkerID. Used by the failover coordinator to re-home sessions.
func (s *RouterService) SelectWorker(ctx context.Context, workerType model.WorkerType, excludeWorkerID string) (*model.WorkerCandidate, error) {
	candidates, err := s.workerRepo.ListEligible(ctx, workerType, s.minHealthScore)
	if err != nil {
		return nil, fmt.Errorf("list eligible workers: %w", err)
	}
	model.RankCandidates(candidates)
	for i := range candidates {
		if candidates[i].ID != excludeWorkerID {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// TerminateSession deactivates a session and releases its load slot in one
// transaction. A decrement guard miss means load accounting has already
// drifted, which is a bug; it is surfaced, never clamped.
func (s *RouterService) TerminateSession(ctx context.Context, sessionID string) error {
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("find session: %w", err)
	}
	if session == nil {
		return apperrors.NotFound("Session")
	}

	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		deactivated, err := s.sessionRepo.WithTx(tx).Deactivate(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("deactivate session: %w", err)
		}
		if !deactivated {
			// Already inactive; nothing to release.
			return nil
		}

		ok, err := s.workerRepo.WithTx(tx).DecrementLoad(ctx, session.WorkerID, 1)
		if err != nil {
			return fmt.Errorf("decrement load: %w", err)
		}
		if !ok {
			log.Error().
				Str("sessionId", sessionID).
				Str("workerId", session.WorkerID).
				Msg("load counter invariant violated on session termination")
			return apperrors.LoadInvariant(session.WorkerID, "terminate")
		}
		return nil
	})
}

// RecordActivity appends conversation context to the session's rolling
// window and refreshes its activity timestamps.
func (s *RouterService) RecordActivity(ctx context.Context, sessionID string, context []byte) error {
	now := time.Now().UTC()
	if context == nil {
		return s.sessionRepo.Touch(ctx, sessionID, now.Add(s.sessionTTL))
	}
	return s.sessionRepo.AppendContext(ctx, sessionID, context, now.Add(s.sessionTTL))
}

func (s *RouterService) FindSession(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.sessionRepo.FindByID(ctx, sessionID)
}

func (s *RouterService) FindActiveByKey(ctx context.Context, conversationKey string) (*model.Session, error) {
	return s.sessionRepo.FindActiveByKey(ctx, conversationKey)
}
