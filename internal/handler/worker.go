package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/darkspere/agent-router/internal/errors"
	"github.com/darkspere/agent-router/internal/middleware"
	"github.com/darkspere/agent-router/internal/service"
	"github.com/darkspere/agent-router/internal/util"
)

// WorkerHandler serves the worker-facing API: registration, heartbeats and
// capability updates. Registration is gated by a shared secret; everything
// else authenticates with the per-worker API key.
type WorkerHandler struct {
	registry           *service.RegistryService
	workerAuth         *middleware.WorkerAuthMiddleware
	registrationSecret string
}

func NewWorkerHandler(
	registry *service.RegistryService,
	workerAuth *middleware.WorkerAuthMiddleware,
	registrationSecret string,
) *WorkerHandler {
	return &WorkerHandler{
		registry:           registry,
		workerAuth:         workerAuth,
		registrationSecret: registrationSecret,
	}
}

func (h *WorkerHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/register", h.Register)

	r.Group(func(r chi.Router) {
		r.Use(h.workerAuth.Handler)
		r.Post("/heartbeat", h.Heartbeat)
		r.Put("/capabilities", h.UpdateCapabilities)
		r.Get("/me", h.Me)
	})

	return r
}

func (h *WorkerHandler) Register(w http.ResponseWriter, r *http.Request) {
	if h.registrationSecret != "" {
		secret := r.Header.Get("X-Registration-Secret")
		if !util.ConstantTimeEqual(secret, h.registrationSecret) {
			log.Warn().Str("ip", r.RemoteAddr).Msg("registration attempt with bad secret")
			writeError(w, apperrors.Unauthorized("Invalid registration secret"))
			return
		}
	}

	var params service.RegisterWorkerParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	result, err := h.registry.Register(r.Context(), params)
	if err != nil {
		if !apperrors.IsAppError(err) {
			log.Error().Err(err).Msg("worker registration failed")
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (h *WorkerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	worker := middleware.GetWorker(r.Context())

	if err := h.registry.Heartbeat(r.Context(), worker.ID); err != nil {
		log.Error().Err(err).Str("workerId", worker.ID).Msg("heartbeat failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *WorkerHandler) UpdateCapabilities(w http.ResponseWriter, r *http.Request) {
	worker := middleware.GetWorker(r.Context())

	var req struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	if err := h.registry.UpdateCapabilities(r.Context(), worker.ID, req.Capabilities); err != nil {
		log.Error().Err(err).Str("workerId", worker.ID).Msg("capability update failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *WorkerHandler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, middleware.GetWorker(r.Context()))
}
