package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/agent"
	apperrors "github.com/darkspere/agent-router/internal/errors"
	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/service"
)

// RoutingHandler is the inbound edge: route a conversation to a worker,
// relay messages over the established session, and manage session lifecycle.
type RoutingHandler struct {
	router      *service.RouterService
	rateLimiter *service.RateLimiterService
	agentClient *agent.Client
	errorMgr    *service.RetryService
}

func NewRoutingHandler(
	router *service.RouterService,
	rateLimiter *service.RateLimiterService,
	agentClient *agent.Client,
	errorMgr *service.RetryService,
) *RoutingHandler {
	return &RoutingHandler{
		router:      router,
		rateLimiter: rateLimiter,
		agentClient: agentClient,
		errorMgr:    errorMgr,
	}
}

func (h *RoutingHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/route", h.Route)
	r.Post("/messages", h.SendMessage)
	r.Get("/sessions/{id}", h.GetSession)
	r.Post("/sessions/{id}/activity", h.RecordActivity)
	r.Delete("/sessions/{id}", h.TerminateSession)

	return r
}

type routeRequest struct {
	ConversationKey string           `json:"conversationKey"`
	WorkerType      model.WorkerType `json:"workerType,omitempty"`
}

func (h *RoutingHandler) Route(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.ConversationKey == "" {
		writeError(w, apperrors.MissingRequired("conversationKey"))
		return
	}

	session, err := h.router.GetOrCreateSession(r.Context(), req.ConversationKey, req.WorkerType)
	if err != nil {
		if !apperrors.IsAppError(err) {
			log.Error().Err(err).Str("conversationKey", req.ConversationKey).Msg("routing failed")
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

type sendMessageRequest struct {
	ConversationKey string           `json:"conversationKey"`
	WorkerType      model.WorkerType `json:"workerType,omitempty"`
	Message         string           `json:"message"`
}

// SendMessage is the full inbound path: rate limit, route, relay, record.
func (h *RoutingHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.ConversationKey == "" {
		writeError(w, apperrors.MissingRequired("conversationKey"))
		return
	}
	if req.Message == "" {
		writeError(w, apperrors.MissingRequired("message"))
		return
	}

	decision, err := h.rateLimiter.CheckAndConsume(r.Context(), model.EntityPhone, req.ConversationKey, model.LimitMessage)
	if err != nil {
		log.Error().Err(err).Str("conversationKey", req.ConversationKey).Msg("rate limit check failed")
		writeError(w, err)
		return
	}
	if !decision.Allowed {
		writeError(w, apperrors.RateLimited("Message rate limit exceeded"))
		return
	}

	session, err := h.router.GetOrCreateSession(r.Context(), req.ConversationKey, req.WorkerType)
	if err != nil {
		if !apperrors.IsAppError(err) {
			log.Error().Err(err).Str("conversationKey", req.ConversationKey).Msg("routing failed")
		}
		writeError(w, err)
		return
	}

	resp, err := h.agentClient.SendMessage(r.Context(), session.WorkerEndpoint, session.SecurityToken, agent.MessageRequest{
		SessionID:       session.ID,
		ConversationKey: session.ConversationKey,
		Message:         req.Message,
		Context:         session.Context,
	})
	if err != nil {
		h.logRelayFailure(r, session, err)
		writeError(w, relayError(err))
		return
	}

	var contextData []byte
	if resp.Context != nil {
		contextData = *resp.Context
	}
	if err := h.router.RecordActivity(r.Context(), session.ID, contextData); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to record session activity")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": session.ID,
		"workerId":  session.WorkerID,
		"reply":     resp.Reply,
	})
}

func (h *RoutingHandler) logRelayFailure(r *http.Request, session *model.Session, err error) {
	category := model.CategoryInternal
	var relayErr *agent.RelayError
	if errors.As(err, &relayErr) {
		category = relayErr.Category
	} else if apperrors.HasCode(err, apperrors.ErrCodeCircuitOpen) {
		category = model.CategoryAgentUnavailable
	}

	if _, logErr := h.errorMgr.LogError(r.Context(), service.LogErrorParams{
		Category:  category,
		Severity:  model.SeverityMedium,
		Component: "relay",
		Message:   err.Error(),
		Context: map[string]any{
			"sessionId":       session.ID,
			"conversationKey": session.ConversationKey,
			"workerId":        session.WorkerID,
		},
	}); logErr != nil {
		log.Error().Err(logErr).Str("sessionId", session.ID).Msg("failed to log relay error")
	}
}

// relayError maps an outbound failure onto the response error taxonomy.
// Circuit-open and other app errors pass through untouched.
func relayError(err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	var relayErr *agent.RelayError
	if errors.As(err, &relayErr) {
		switch relayErr.Category {
		case model.CategoryValidation:
			return apperrors.ValidationError("Agent rejected the message")
		case model.CategoryAuthentication:
			return apperrors.Unauthorized("Agent rejected the session token")
		default:
			return apperrors.External("agent", relayErr)
		}
	}
	return apperrors.External("agent", err)
}

func (h *RoutingHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.router.FindSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if session == nil {
		writeError(w, apperrors.NotFound("Session"))
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *RoutingHandler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Context json.RawMessage `json:"context,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	if err := h.router.RecordActivity(r.Context(), chi.URLParam(r, "id"), req.Context); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *RoutingHandler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	if err := h.router.TerminateSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
