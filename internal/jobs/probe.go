package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/darkspere/agent-router/internal/agent"
	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/repository"
	"github.com/darkspere/agent-router/internal/service"
)

const (
	probeConcurrency = 8
	probePageSize    = 100
)

// ProbeJob sweeps every registered worker on a fixed cadence, probing its
// health endpoint and feeding the outcome to the health monitor. Workers in
// maintenance are skipped; auto-disabled workers keep getting probed so a
// recovery can re-enable them.
type ProbeJob struct {
	workerRepo repository.WorkerRepository
	health     *service.HealthService
	client     *agent.Client
	timeout    time.Duration
	cron       *cron.Cron
}

func NewProbeJob(
	workerRepo repository.WorkerRepository,
	health *service.HealthService,
	client *agent.Client,
	interval, timeout time.Duration,
) (*ProbeJob, error) {
	j := &ProbeJob{
		workerRepo: workerRepo,
		health:     health,
		client:     client,
		timeout:    timeout,
		cron:       cron.New(),
	}

	if _, err := j.cron.AddFunc(fmt.Sprintf("@every %s", interval), j.sweep); err != nil {
		return nil, fmt.Errorf("schedule probe sweep: %w", err)
	}

	return j, nil
}

func (j *ProbeJob) Start() {
	j.cron.Start()
	log.Info().Dur("timeout", j.timeout).Msg("probe job started")
}

func (j *ProbeJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("probe job stopped")
}

func (j *ProbeJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	probed := 0

	for offset := 0; ; offset += probePageSize {
		workers, err := j.workerRepo.List(ctx, probePageSize, offset)
		if err != nil {
			log.Error().Err(err).Msg("probe sweep: failed to list workers")
			return
		}
		if len(workers) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(probeConcurrency)

		for _, worker := range workers {
			if worker.Status == model.WorkerStatusMaintenance {
				continue
			}
			probed++

			g.Go(func() error {
				j.probeWorker(gctx, worker)
				return nil
			})
		}

		g.Wait()

		if len(workers) < probePageSize {
			break
		}
	}

	log.Debug().Int("probed", probed).Msg("probe sweep completed")
}

func (j *ProbeJob) probeWorker(ctx context.Context, worker model.Worker) {
	probeCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	outcome := j.client.Probe(probeCtx, worker.ID, worker.EndpointURL)

	if _, err := j.health.RecordProbe(ctx, outcome); err != nil {
		log.Error().Err(err).Str("workerId", worker.ID).Msg("failed to record probe outcome")
	}
}
