package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/database"
	"github.com/darkspere/agent-router/internal/observability"
	"github.com/darkspere/agent-router/internal/repository"
)

// CleanupJob expires idle sessions and prunes aged health records and
// resolved errors. Session expiry settles the owning workers' load counters
// in the same transaction, so a crash between the two can never leak load.
type CleanupJob struct {
	db             database.TxRunner
	sessionRepo    repository.SessionRepository
	workerRepo     repository.WorkerRepository
	healthRepo     repository.HealthRepository
	errorRepo      repository.ErrorRepository
	interval       time.Duration
	sessionTTL     time.Duration
	healthRetain   time.Duration
	resolvedRetain time.Duration
	done           chan struct{}
}

func NewCleanupJob(
	db database.TxRunner,
	sessionRepo repository.SessionRepository,
	workerRepo repository.WorkerRepository,
	healthRepo repository.HealthRepository,
	errorRepo repository.ErrorRepository,
	interval, sessionTTL, healthRetain, resolvedRetain time.Duration,
) *CleanupJob {
	return &CleanupJob{
		db:             db,
		sessionRepo:    sessionRepo,
		workerRepo:     workerRepo,
		healthRepo:     healthRepo,
		errorRepo:      errorRepo,
		interval:       interval,
		sessionTTL:     sessionTTL,
		healthRetain:   healthRetain,
		resolvedRetain: resolvedRetain,
		done:           make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := j.expireIdleSessions(ctx); err != nil {
		log.Error().Err(err).Msg("failed to expire idle sessions")
	}

	j.prune(ctx, "health records", func() (int64, error) {
		return j.healthRepo.DeleteRecordsBefore(ctx, time.Now().UTC().Add(-j.healthRetain))
	})
	j.prune(ctx, "resolved errors", func() (int64, error) {
		return j.errorRepo.DeleteResolvedBefore(ctx, time.Now().UTC().Add(-j.resolvedRetain))
	})

	if count, err := j.sessionRepo.CountActive(ctx); err == nil {
		observability.SessionsActive.Set(float64(count))
	}
}

// expireIdleSessions deactivates every session idle past the TTL and
// decrements each owning worker's load in the same transaction.
func (j *CleanupJob) expireIdleSessions(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-j.sessionTTL)

	return j.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		sessionRepo := j.sessionRepo.WithTx(tx)
		workerRepo := j.workerRepo.WithTx(tx)

		expired, err := sessionRepo.DeactivateIdle(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("deactivate idle sessions: %w", err)
		}
		if len(expired) == 0 {
			return nil
		}

		byWorker := make(map[string]int)
		for _, exp := range expired {
			byWorker[exp.WorkerID]++
		}

		for workerID, count := range byWorker {
			ok, err := workerRepo.DecrementLoad(ctx, workerID, count)
			if err != nil {
				return fmt.Errorf("decrement load for worker %s: %w", workerID, err)
			}
			if !ok {
				// The sessions are gone either way; surface the counter
				// drift instead of silently clamping.
				log.Error().
					Str("workerId", workerID).
					Int("count", count).
					Msg("load counter below expired session count")
			}
		}

		log.Info().
			Int("sessions", len(expired)).
			Int("workers", len(byWorker)).
			Msg("expired idle sessions")

		return nil
	})
}

func (j *CleanupJob) prune(ctx context.Context, what string, fn func() (int64, error)) {
	deleted, err := fn()
	if err != nil {
		log.Error().Err(err).Str("what", what).Msg("cleanup failed")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Str("what", what).Msg("cleanup completed")
	}
}
