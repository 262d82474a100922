package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/audit"
	apperrors "github.com/darkspere/agent-router/internal/errors"
	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/repository"
	"github.com/darkspere/agent-router/internal/util"
)

const (
	minWorkerNameLen = 3
	maxWorkerNameLen = 100
	minCapacity      = 1
	maxCapacity      = 1000
)

type RegisterWorkerParams struct {
	Name         string           `json:"name"`
	Type         model.WorkerType `json:"type"`
	EndpointURL  string           `json:"endpointUrl"`
	Capacity     int              `json:"capacity"`
	Capabilities []string         `json:"capabilities,omitempty"`
}

type RegisterWorkerResult struct {
	Worker *model.Worker `json:"worker"`
	// APIKey is returned exactly once at registration; only its hash is stored.
	APIKey string `json:"apiKey"`
}

type RegistryService struct {
	workerRepo repository.WorkerRepository
	healthRepo repository.HealthRepository
}

func NewRegistryService(
	workerRepo repository.WorkerRepository,
	healthRepo repository.HealthRepository,
) *RegistryService {
	return &RegistryService{
		workerRepo: workerRepo,
		healthRepo: healthRepo,
	}
}

func (s *RegistryService) Register(ctx context.Context, params RegisterWorkerParams) (*RegisterWorkerResult, error) {
	if err := validateRegistration(params); err != nil {
		return nil, err
	}

	existing, err := s.workerRepo.FindByName(ctx, params.Name)
	if err != nil {
		return nil, fmt.Errorf("find worker by name: %w", err)
	}
	if existing != nil {
		return nil, apperrors.AlreadyExists("Worker with this name")
	}

	apiKey, err := util.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	var capabilities *json.RawMessage
	if params.Capabilities != nil {
		data, _ := json.Marshal(params.Capabilities)
		raw := json.RawMessage(data)
		capabilities = &raw
	}

	if params.Capacity == 0 {
		params.Capacity = 10
	}

	worker, err := s.workerRepo.Create(ctx, model.CreateWorkerParams{
		Name:         params.Name,
		Type:         params.Type,
		EndpointURL:  params.EndpointURL,
		Capacity:     params.Capacity,
		APIKeyHash:   util.HashToken(apiKey),
		Capabilities: capabilities,
	})
	if err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, apperrors.AlreadyExists("Worker with this name")
		}
		return nil, fmt.Errorf("create worker: %w", err)
	}

	log.Info().
		Str("workerId", worker.ID).
		Str("name", worker.Name).
		Str("type", string(worker.Type)).
		Int("capacity", worker.Capacity).
		Msg("worker registered")

	audit.Log(audit.Event{
		Type:     audit.EventWorkerRegister,
		WorkerID: worker.ID,
		Details:  map[string]interface{}{"name": worker.Name, "type": string(worker.Type)},
	})

	return &RegisterWorkerResult{Worker: worker, APIKey: apiKey}, nil
}

// SetStatus applies an operator status change. Maintenance sets a manual
// override on the health summary so the monitor neither auto-disables nor
// auto-recovers the worker until the override is cleared.
func (s *RegistryService) SetStatus(ctx context.Context, id string, status model.WorkerStatus, reason *string) error {
	worker, err := s.workerRepo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("find worker: %w", err)
	}
	if worker == nil {
		return apperrors.NotFound("Worker")
	}

	if err := s.workerRepo.UpdateStatus(ctx, id, status, reason); err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}

	if err := s.healthRepo.SetManualOverride(ctx, id, status == model.WorkerStatusMaintenance); err != nil {
		return fmt.Errorf("set manual override: %w", err)
	}

	log.Info().
		Str("workerId", id).
		Str("status", string(status)).
		Msg("worker status changed")

	audit.Log(audit.Event{
		Type:     audit.EventWorkerStatusChange,
		WorkerID: id,
		Details:  map[string]interface{}{"status": string(status)},
	})

	return nil
}

func (s *RegistryService) Authenticate(ctx context.Context, apiKey string) (*model.Worker, error) {
	worker, err := s.workerRepo.FindByAPIKeyHash(ctx, util.HashToken(apiKey))
	if err != nil {
		return nil, fmt.Errorf("find worker by api key: %w", err)
	}
	return worker, nil
}

func (s *RegistryService) Heartbeat(ctx context.Context, id string) error {
	return s.workerRepo.Heartbeat(ctx, id)
}

func (s *RegistryService) UpdateCapabilities(ctx context.Context, id string, capabilities []string) error {
	data, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	return s.workerRepo.UpdateCapabilities(ctx, id, data)
}

func (s *RegistryService) Get(ctx context.Context, id string) (*model.Worker, error) {
	return s.workerRepo.FindByID(ctx, id)
}

func (s *RegistryService) List(ctx context.Context, limit, offset int) ([]model.Worker, int, error) {
	workers, err := s.workerRepo.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	count, err := s.workerRepo.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return workers, count, nil
}

func validateRegistration(params RegisterWorkerParams) error {
	if params.Name == "" {
		return apperrors.MissingRequired("name")
	}
	if len(params.Name) < minWorkerNameLen || len(params.Name) > maxWorkerNameLen {
		return apperrors.InvalidInput("name", fmt.Sprintf("must be between %d and %d characters", minWorkerNameLen, maxWorkerNameLen))
	}

	validType := false
	for _, t := range model.AllowedWorkerTypes {
		if params.Type == t {
			validType = true
			break
		}
	}
	if !validType {
		return apperrors.InvalidInput("type", "must be one of: general, specialized, mcp, custom")
	}

	if params.EndpointURL == "" {
		return apperrors.MissingRequired("endpointUrl")
	}
	if !util.IsValidEndpointURL(params.EndpointURL) {
		return apperrors.InvalidInput("endpointUrl", "must be a valid http(s) URL")
	}

	if params.Capacity != 0 && (params.Capacity < minCapacity || params.Capacity > maxCapacity) {
		return apperrors.InvalidInput("capacity", fmt.Sprintf("must be between %d and %d", minCapacity, maxCapacity))
	}

	return nil
}
