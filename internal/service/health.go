package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/audit"
	"github.com/darkspere/agent-router/internal/config"
	apperrors "github.com/darkspere/agent-router/internal/errors"
	"github.com/darkspere/agent-router/internal/events"
	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/observability"
	"github.com/darkspere/agent-router/internal/repository"
)

// FailoverTrigger is invoked when a worker is auto-disabled. Implemented by
// the failover coordinator; injected after construction to break the
// health -> failover -> router -> health wiring cycle.
type FailoverTrigger interface {
	HandleWorkerDown(ctx context.Context, workerID, reason string) error
}

// EventPublisher is the broker surface the monitor needs. Satisfied by
// *events.Broker; faked in tests.
type EventPublisher interface {
	PublishJSON(ctx context.Context, topic, eventType string, payload any)
}

type HealthWeights struct {
	Uptime  int
	Latency int
	Failure int
}

type ProbeOutcome struct {
	WorkerID    string
	Status      model.HealthStatus
	LatencyMs   *int
	ErrorDetail *string
}

// HealthService ingests probe outcomes, maintains the per-worker rolling
// summary, and drives auto-disable/auto-recovery. The rolling window is the
// last config.HealthWindowProbes probes, additionally capped to the trailing
// config.HealthWindowMaxAge.
type HealthService struct {
	healthRepo       repository.HealthRepository
	workerRepo       repository.WorkerRepository
	broker           EventPublisher
	weights          HealthWeights
	failureThreshold int
	autoDisable      bool
	failover         FailoverTrigger
}

func NewHealthService(
	healthRepo repository.HealthRepository,
	workerRepo repository.WorkerRepository,
	broker EventPublisher,
	weights HealthWeights,
	failureThreshold int,
	autoDisable bool,
) *HealthService {
	return &HealthService{
		healthRepo:       healthRepo,
		workerRepo:       workerRepo,
		broker:           broker,
		weights:          weights,
		failureThreshold: failureThreshold,
		autoDisable:      autoDisable,
	}
}

func (s *HealthService) SetFailoverTrigger(trigger FailoverTrigger) {
	s.failover = trigger
}

// RecordProbe appends a probe observation and recomputes the worker's
// summary. Crossing the consecutive-failure threshold auto-disables the
// worker and hands its sessions to the failover coordinator; a success on an
// auto-disabled worker restores it. Both transitions are suppressed while a
// manual override is set.
func (s *HealthService) RecordProbe(ctx context.Context, probe ProbeOutcome) (*model.HealthSummary, error) {
	worker, err := s.workerRepo.FindByID(ctx, probe.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("find worker: %w", err)
	}
	if worker == nil {
		return nil, apperrors.NotFound("Worker")
	}

	prev, err := s.healthRepo.FindSummary(ctx, probe.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("find health summary: %w", err)
	}

	record := model.HealthRecord{Status: probe.Status}
	consecutiveFailures := 0
	if !record.Success() {
		if prev != nil {
			consecutiveFailures = prev.ConsecutiveFailures + 1
		} else {
			consecutiveFailures = 1
		}
	}

	inserted, err := s.healthRepo.InsertRecord(ctx, model.CreateHealthRecordParams{
		WorkerID:            probe.WorkerID,
		Status:              probe.Status,
		LatencyMs:           probe.LatencyMs,
		ConsecutiveFailures: consecutiveFailures,
		ErrorDetail:         probe.ErrorDetail,
	})
	if err != nil {
		return nil, fmt.Errorf("insert health record: %w", err)
	}

	since := time.Now().UTC().Add(-config.HealthWindowMaxAge)
	window, err := s.healthRepo.ListRecent(ctx, probe.WorkerID, since, config.HealthWindowProbes)
	if err != nil {
		return nil, fmt.Errorf("list recent records: %w", err)
	}
	if len(window) == 0 {
		window = []model.HealthRecord{*inserted}
	}

	summary := ComputeHealthSummary(probe.WorkerID, window, consecutiveFailures, s.weights)
	if prev != nil {
		summary.ManualOverride = prev.ManualOverride
		summary.AutoDisabled = prev.AutoDisabled
		summary.LastSuccessAt = prev.LastSuccessAt
		summary.LastFailureAt = prev.LastFailureAt
	}

	now := inserted.CheckedAt
	if inserted.Success() {
		summary.LastSuccessAt = &now
	} else {
		summary.LastFailureAt = &now
	}

	manualOverride := prev != nil && prev.ManualOverride

	if inserted.Success() && summary.AutoDisabled && !manualOverride {
		if err := s.recoverWorker(ctx, worker); err != nil {
			return nil, err
		}
		summary.AutoDisabled = false
	}

	shouldDisable := !inserted.Success() &&
		consecutiveFailures >= s.failureThreshold &&
		s.autoDisable &&
		!manualOverride &&
		worker.Status == model.WorkerStatusActive

	if shouldDisable {
		summary.AutoDisabled = true
	}

	if err := s.healthRepo.UpsertSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("upsert health summary: %w", err)
	}

	observability.HealthScore.WithLabelValues(probe.WorkerID).Set(float64(summary.Score))

	if shouldDisable {
		if err := s.disableWorker(ctx, worker, consecutiveFailures); err != nil {
			return nil, err
		}
	}

	return &summary, nil
}

func (s *HealthService) disableWorker(ctx context.Context, worker *model.Worker, failures int) error {
	reason := fmt.Sprintf("auto-disabled after %d consecutive failed probes", failures)
	if err := s.workerRepo.UpdateStatus(ctx, worker.ID, model.WorkerStatusInactive, &reason); err != nil {
		return fmt.Errorf("auto-disable worker: %w", err)
	}

	log.Warn().
		Str("workerId", worker.ID).
		Int("consecutiveFailures", failures).
		Msg("worker auto-disabled")

	audit.Log(audit.Event{
		Type:     audit.EventWorkerAutoDisabled,
		WorkerID: worker.ID,
		Details:  map[string]interface{}{"consecutiveFailures": failures},
	})

	s.broker.PublishJSON(ctx, events.TopicHealth, "worker_disabled", map[string]any{
		"workerId": worker.ID,
		"reason":   reason,
	})

	if s.failover != nil {
		if err := s.failover.HandleWorkerDown(ctx, worker.ID, reason); err != nil {
			// Sessions stay assigned and degrade on their own probes; the
			// next health transition retries the migration.
			log.Error().Err(err).Str("workerId", worker.ID).Msg("failover after auto-disable failed")
		}
	}

	return nil
}

func (s *HealthService) recoverWorker(ctx context.Context, worker *model.Worker) error {
	if err := s.workerRepo.UpdateStatus(ctx, worker.ID, model.WorkerStatusActive, nil); err != nil {
		return fmt.Errorf("auto-recover worker: %w", err)
	}

	log.Info().Str("workerId", worker.ID).Msg("worker auto-recovered")

	s.broker.PublishJSON(ctx, events.TopicHealth, "worker_recovered", map[string]any{
		"workerId": worker.ID,
	})

	return nil
}

func (s *HealthService) Summary(ctx context.Context, workerID string) (*model.HealthSummary, error) {
	return s.healthRepo.FindSummary(ctx, workerID)
}

func (s *HealthService) Summaries(ctx context.Context) ([]model.HealthSummary, error) {
	return s.healthRepo.ListSummaries(ctx)
}

func (s *HealthService) History(ctx context.Context, workerID string, limit, offset int) ([]model.HealthRecord, error) {
	return s.healthRepo.ListByWorker(ctx, workerID, limit, offset)
}

// ComputeHealthSummary derives the rolling summary from a probe window
// (newest first). Score is a weighted blend of uptime ratio, an average
// latency band and a recent-failure penalty, clamped to [0,100].
func ComputeHealthSummary(workerID string, window []model.HealthRecord, consecutiveFailures int, weights HealthWeights) model.HealthSummary {
	successes := 0
	latencySum := 0
	latencyCount := 0

	for i := range window {
		if window[i].Success() {
			successes++
		}
		if window[i].LatencyMs != nil {
			latencySum += *window[i].LatencyMs
			latencyCount++
		}
	}

	uptimeRatio := float64(successes) / float64(len(window))

	var avgLatency *float64
	latencyBand := 0.0
	if latencyCount > 0 {
		avg := float64(latencySum) / float64(latencyCount)
		avgLatency = &avg
		latencyBand = LatencyBand(avg)
	}

	score := int(math.Round(
		uptimeRatio*float64(weights.Uptime) +
			latencyBand*float64(weights.Latency) +
			FailurePenalty(consecutiveFailures)*float64(weights.Failure)))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return model.HealthSummary{
		WorkerID:            workerID,
		Status:              classifyHealth(window[0].Status, score),
		Score:               score,
		UptimeRatio:         uptimeRatio,
		AvgLatencyMs:        avgLatency,
		ConsecutiveFailures: consecutiveFailures,
	}
}

// LatencyBand maps average latency to the scoring band.
func LatencyBand(avgMs float64) float64 {
	switch {
	case avgMs < 500:
		return 1.0
	case avgMs < 1000:
		return 0.67
	case avgMs < 2000:
		return 0.33
	default:
		return 0
	}
}

// FailurePenalty maps the consecutive-failure count to the scoring band.
func FailurePenalty(consecutiveFailures int) float64 {
	switch consecutiveFailures {
	case 0:
		return 1.0
	case 1:
		return 0.7
	case 2:
		return 0.3
	default:
		return 0
	}
}

func classifyHealth(latest model.HealthStatus, score int) model.HealthStatus {
	if latest == model.HealthStatusUnreachable {
		return model.HealthStatusUnreachable
	}
	switch {
	case score >= config.HealthyScoreFloor:
		return model.HealthStatusHealthy
	case score >= config.DegradedScoreFloor:
		return model.HealthStatusDegraded
	default:
		return model.HealthStatusUnhealthy
	}
}
