package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/audit"
	apperrors "github.com/darkspere/agent-router/internal/errors"
	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/service"
)

// AdminHandler exposes the operator API: worker management, health and
// failover history, rate limit overrides, breaker state and the error log.
type AdminHandler struct {
	registry        *service.RegistryService
	health          *service.HealthService
	failover        *service.FailoverService
	rateLimiter     *service.RateLimiterService
	breaker         *service.BreakerService
	errorMgr        *service.RetryService
	adminMiddleware func(http.Handler) http.Handler
}

func NewAdminHandler(
	registry *service.RegistryService,
	health *service.HealthService,
	failover *service.FailoverService,
	rateLimiter *service.RateLimiterService,
	breaker *service.BreakerService,
	errorMgr *service.RetryService,
	adminMiddleware func(http.Handler) http.Handler,
) *AdminHandler {
	return &AdminHandler{
		registry:        registry,
		health:          health,
		failover:        failover,
		rateLimiter:     rateLimiter,
		breaker:         breaker,
		errorMgr:        errorMgr,
		adminMiddleware: adminMiddleware,
	}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.adminMiddleware)

	r.Get("/stats", h.Stats)

	r.Get("/workers", h.ListWorkers)
	r.Get("/workers/{id}", h.GetWorker)
	r.Patch("/workers/{id}/status", h.SetWorkerStatus)
	r.Get("/workers/{id}/health", h.WorkerHealth)
	r.Get("/workers/{id}/health/history", h.WorkerHealthHistory)

	r.Get("/health", h.HealthSummaries)
	r.Get("/failovers", h.FailoverHistory)

	r.Get("/rate-limits/violations", h.RateLimitViolations)
	r.Put("/rate-limits/overrides", h.SetRateLimitOverride)

	r.Get("/breakers", h.ListBreakers)

	r.Get("/errors", h.ListErrors)
	r.Get("/errors/{id}/attempts", h.ListErrorAttempts)
	r.Post("/errors/{id}/resolve", h.ResolveError)

	return r
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	workers, total, err := h.registry.List(r.Context(), MaxLimit, 0)
	if err != nil {
		log.Error().Err(err).Msg("failed to list workers for stats")
		writeError(w, err)
		return
	}

	active := 0
	totalLoad := 0
	totalCapacity := 0
	for _, worker := range workers {
		if worker.Status == model.WorkerStatusActive {
			active++
			totalCapacity += worker.Capacity
		}
		totalLoad += worker.CurrentLoad
	}

	unresolved, err := h.errorMgr.UnresolvedCount(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to count unresolved errors")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"totalWorkers":     total,
		"activeWorkers":    active,
		"totalLoad":        totalLoad,
		"totalCapacity":    totalCapacity,
		"unresolvedErrors": unresolved,
	})
}

func (h *AdminHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)

	workers, total, err := h.registry.List(r.Context(), p.Limit, p.Offset)
	if err != nil {
		log.Error().Err(err).Msg("failed to list workers")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": workers,
		"total": total,
	})
}

func (h *AdminHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if worker == nil {
		writeError(w, apperrors.NotFound("Worker"))
		return
	}

	writeJSON(w, http.StatusOK, worker)
}

func (h *AdminHandler) SetWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Status model.WorkerStatus `json:"status"`
		Reason *string            `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	if err := h.registry.SetStatus(r.Context(), id, req.Status, req.Reason); err != nil {
		if !apperrors.IsAppError(err) {
			log.Error().Err(err).Str("workerId", id).Msg("status change failed")
		}
		writeError(w, err)
		return
	}

	audit.Log(audit.Event{
		Type:     audit.EventAdminAction,
		WorkerID: id,
		Details:  map[string]interface{}{"action": "set_status", "status": string(req.Status)},
	})

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *AdminHandler) WorkerHealth(w http.ResponseWriter, r *http.Request) {
	summary, err := h.health.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if summary == nil {
		writeError(w, apperrors.NotFound("Health summary"))
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (h *AdminHandler) WorkerHealthHistory(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)

	records, err := h.health.History(r.Context(), chi.URLParam(r, "id"), p.Limit, p.Offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": records,
		"total": len(records),
	})
}

func (h *AdminHandler) HealthSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.health.Summaries(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": summaries,
		"total": len(summaries),
	})
}

func (h *AdminHandler) FailoverHistory(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)

	events, err := h.failover.History(r.Context(), p.Limit, p.Offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": events,
		"total": len(events),
	})
}

func (h *AdminHandler) RateLimitViolations(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)

	violations, err := h.rateLimiter.Violations(r.Context(), p.Limit, p.Offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": violations,
		"total": len(violations),
	})
}

func (h *AdminHandler) SetRateLimitOverride(w http.ResponseWriter, r *http.Request) {
	var override model.RateLimitOverride
	if err := json.NewDecoder(r.Body).Decode(&override); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if override.EntityValue == "" || override.MaxRequests <= 0 || override.WindowSeconds <= 0 {
		writeError(w, apperrors.ValidationError("entityValue, maxRequests and windowSeconds are required"))
		return
	}

	saved, err := h.rateLimiter.SetOverride(r.Context(), override)
	if err != nil {
		log.Error().Err(err).Msg("failed to set rate limit override")
		writeError(w, err)
		return
	}

	audit.Log(audit.Event{
		Type:   audit.EventAdminAction,
		Entity: override.EntityValue,
		Details: map[string]interface{}{
			"action":      "set_rate_limit_override",
			"entityType":  string(override.EntityType),
			"limitType":   string(override.LimitType),
			"maxRequests": override.MaxRequests,
		},
	})

	writeJSON(w, http.StatusOK, saved)
}

func (h *AdminHandler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	breakers, err := h.breaker.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": breakers,
		"total": len(breakers),
	})
}

func (h *AdminHandler) ListErrors(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)

	records, err := h.errorMgr.List(r.Context(), p.Limit, p.Offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": records,
		"total": len(records),
	})
}

func (h *AdminHandler) ListErrorAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.errorMgr.Attempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": attempts,
		"total": len(attempts),
	})
}

func (h *AdminHandler) ResolveError(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.errorMgr.Resolve(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	audit.Log(audit.Event{
		Type:    audit.EventAdminAction,
		Details: map[string]interface{}{"action": "resolve_error", "errorId": id},
	})

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
