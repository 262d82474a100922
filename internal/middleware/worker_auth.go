package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/repository"
	"github.com/darkspere/agent-router/internal/util"
)

type contextKey string

const WorkerContextKey contextKey = "worker"

func GetWorker(ctx context.Context) *model.Worker {
	if worker, ok := ctx.Value(WorkerContextKey).(*model.Worker); ok {
		return worker
	}
	return nil
}

// WorkerAuthMiddleware authenticates worker-facing endpoints by the API key
// issued at registration. Keys are stored hashed; the lookup is by hash.
type WorkerAuthMiddleware struct {
	workerRepo repository.WorkerRepository
}

func NewWorkerAuthMiddleware(workerRepo repository.WorkerRepository) *WorkerAuthMiddleware {
	return &WorkerAuthMiddleware{workerRepo: workerRepo}
}

func (m *WorkerAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := extractAPIKey(r)
		if apiKey == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing API key",
			})
			return
		}

		keyHash := util.HashToken(apiKey)
		worker, err := m.workerRepo.FindByAPIKeyHash(r.Context(), keyHash)
		if err != nil {
			log.Error().Err(err).Msg("worker auth middleware: database error")
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "Authentication failed",
			})
			return
		}

		if worker == nil {
			log.Warn().Msg("worker auth middleware: invalid API key attempt")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid API key",
			})
			return
		}

		ctx := context.WithValue(r.Context(), WorkerContextKey, worker)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
