package service

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/audit"
	"github.com/darkspere/agent-router/internal/database"
	apperrors "github.com/darkspere/agent-router/internal/errors"
	"github.com/darkspere/agent-router/internal/events"
	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/observability"
	"github.com/darkspere/agent-router/internal/repository"
)

// FailoverService re-homes active sessions off a worker that dropped out of
// eligibility. Each migration is a single transaction touching only indexed
// single-row updates: the session reassignment, the two load counters, and
// the audit entry. Sessions with no replacement are flagged degraded and
// surfaced through the error manager; conversation state is never dropped.
type FailoverService struct {
	db           database.TxRunner
	sessionRepo  repository.SessionRepository
	workerRepo   repository.WorkerRepository
	failoverRepo repository.FailoverRepository
	router       *RouterService
	errorMgr     *RetryService
	broker       EventPublisher
}

func NewFailoverService(
	db database.TxRunner,
	sessionRepo repository.SessionRepository,
	workerRepo repository.WorkerRepository,
	failoverRepo repository.FailoverRepository,
	router *RouterService,
	errorMgr *RetryService,
	broker EventPublisher,
) *FailoverService {
	return &FailoverService{
		db:           db,
		sessionRepo:  sessionRepo,
		workerRepo:   workerRepo,
		failoverRepo: failoverRepo,
		router:       router,
		errorMgr:     errorMgr,
		broker:       broker,
	}
}

// HandleWorkerDown migrates every active session off the given worker.
// Individual session failures do not abort the sweep; each session either
// migrates, degrades, or records its error.
func (s *FailoverService) HandleWorkerDown(ctx context.Context, workerID, reason string) error {
	worker, err := s.workerRepo.FindByID(ctx, workerID)
	if err != nil {
		return fmt.Errorf("find worker: %w", err)
	}
	if worker == nil {
		return apperrors.NotFound("Worker")
	}

	sessions, err := s.sessionRepo.ListActiveByWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	migrated, degraded, skipped := 0, 0, 0
	for i := range sessions {
		outcome, err := s.failoverSession(ctx, &sessions[i], worker, reason)
		if err != nil {
			observability.Failovers.WithLabelValues("failed").Inc()
			log.Error().Err(err).
				Str("sessionId", sessions[i].ID).
				Str("workerId", workerID).
				Msg("session failover failed")
			continue
		}
		switch outcome {
		case failoverMigrated:
			migrated++
		case failoverDegraded:
			degraded++
		case failoverSkipped:
			skipped++
		}
	}

	log.Info().
		Str("workerId", workerID).
		Int("migrated", migrated).
		Int("degraded", degraded).
		Int("skipped", skipped).
		Str("reason", reason).
		Msg("worker failover completed")

	s.broker.PublishJSON(ctx, events.TopicFailover, "worker_failover", map[string]any{
		"workerId": workerID,
		"migrated": migrated,
		"degraded": degraded,
		"skipped":  skipped,
		"reason":   reason,
	})

	return nil
}

type failoverOutcome int

const (
	failoverMigrated failoverOutcome = iota
	failoverDegraded
	failoverSkipped
)

// failoverSession moves one session; reports whether it migrated, degraded
// in place, or was skipped because it had already been terminated or moved.
func (s *FailoverService) failoverSession(ctx context.Context, session *model.Session, oldWorker *model.Worker, reason string) (failoverOutcome, error) {
	replacement, err := s.router.SelectWorker(ctx, oldWorker.Type, oldWorker.ID)
	if err != nil {
		return failoverSkipped, fmt.Errorf("select replacement: %w", err)
	}

	if replacement == nil {
		if err := s.degradeSession(ctx, session, oldWorker.ID, reason); err != nil {
			return failoverSkipped, err
		}
		return failoverDegraded, nil
	}

	var moved bool
	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		sessions := s.sessionRepo.WithTx(tx)
		workers := s.workerRepo.WithTx(tx)

		var err error
		moved, err = sessions.Reassign(ctx, session.ID, oldWorker.ID, replacement.ID, replacement.EndpointURL)
		if err != nil {
			return fmt.Errorf("reassign session: %w", err)
		}
		if !moved {
			// Session already terminated or moved concurrently.
			return nil
		}

		ok, err := workers.IncrementLoad(ctx, replacement.ID)
		if err != nil {
			return fmt.Errorf("increment replacement load: %w", err)
		}
		if !ok {
			return apperrors.CapacityExceeded(replacement.ID)
		}

		ok, err = workers.DecrementLoad(ctx, oldWorker.ID, 1)
		if err != nil {
			return fmt.Errorf("decrement old worker load: %w", err)
		}
		if !ok {
			return apperrors.LoadInvariant(oldWorker.ID, "failover")
		}

		newID := replacement.ID
		if _, err := s.failoverRepo.WithTx(tx).Insert(ctx, model.CreateFailoverEventParams{
			SessionID:       session.ID,
			ConversationKey: session.ConversationKey,
			OldWorkerID:     oldWorker.ID,
			NewWorkerID:     &newID,
			Reason:          reason,
		}); err != nil {
			return fmt.Errorf("insert failover event: %w", err)
		}

		return nil
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeCapacity) {
			// The replacement filled up between selection and commit; the
			// transaction rolled back, so degrade in place instead.
			if derr := s.degradeSession(ctx, session, oldWorker.ID, reason); derr != nil {
				return failoverSkipped, derr
			}
			return failoverDegraded, nil
		}
		return failoverSkipped, err
	}

	if !moved {
		observability.Failovers.WithLabelValues("skipped").Inc()
		log.Debug().
			Str("sessionId", session.ID).
			Str("oldWorkerId", oldWorker.ID).
			Msg("session gone before reassignment, skipped")
		return failoverSkipped, nil
	}

	observability.Failovers.WithLabelValues("migrated").Inc()

	audit.Log(audit.Event{
		Type:     audit.EventFailover,
		WorkerID: oldWorker.ID,
		Entity:   session.ConversationKey,
		Details: map[string]interface{}{
			"sessionId":   session.ID,
			"newWorkerId": replacement.ID,
			"reason":      reason,
		},
	})

	log.Info().
		Str("sessionId", session.ID).
		Str("oldWorkerId", oldWorker.ID).
		Str("newWorkerId", replacement.ID).
		Msg("session migrated")

	return failoverMigrated, nil
}

func (s *FailoverService) degradeSession(ctx context.Context, session *model.Session, workerID, reason string) error {
	if err := s.sessionRepo.MarkDegraded(ctx, session.ID); err != nil {
		return fmt.Errorf("mark session degraded: %w", err)
	}

	if _, err := s.failoverRepo.Insert(ctx, model.CreateFailoverEventParams{
		SessionID:       session.ID,
		ConversationKey: session.ConversationKey,
		OldWorkerID:     workerID,
		NewWorkerID:     nil,
		Reason:          reason,
	}); err != nil {
		return fmt.Errorf("insert failover event: %w", err)
	}

	if _, err := s.errorMgr.LogError(ctx, LogErrorParams{
		Category:  model.CategoryAgentUnavailable,
		Severity:  model.SeverityHigh,
		Component: "failover",
		Message:   fmt.Sprintf("no replacement worker for session %s", session.ID),
		Context: map[string]any{
			"sessionId":       session.ID,
			"conversationKey": session.ConversationKey,
			"workerId":        workerID,
			"reason":          reason,
		},
	}); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to log degraded session error")
	}

	observability.Failovers.WithLabelValues("degraded").Inc()

	audit.Log(audit.Event{
		Type:     audit.EventFailoverDegraded,
		WorkerID: workerID,
		Entity:   session.ConversationKey,
		Details:  map[string]interface{}{"sessionId": session.ID, "reason": reason},
	})

	log.Warn().
		Str("sessionId", session.ID).
		Str("workerId", workerID).
		Msg("session degraded, no replacement worker")

	return nil
}

func (s *FailoverService) History(ctx context.Context, limit, offset int) ([]model.FailoverEvent, error) {
	return s.failoverRepo.ListRecent(ctx, limit, offset)
}
