package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/audit"
	"github.com/darkspere/agent-router/internal/util"
)

// AdminAuthMiddleware protects the admin API with a single bcrypt-hashed
// password supplied via the X-Admin-Password header. Failed attempts are
// audited with the caller's address.
type AdminAuthMiddleware struct {
	passwordHash string
	loginLimiter *LoginRateLimiter
}

func NewAdminAuthMiddleware(passwordHash string) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{
		passwordHash: passwordHash,
		loginLimiter: NewLoginRateLimiter(),
	}
}

func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return m.loginLimiter.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.passwordHash == "" {
			log.Error().Msg("admin auth middleware: no password hash configured")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "Admin API not configured",
			})
			return
		}

		password := r.Header.Get("X-Admin-Password")
		if password == "" || !util.CheckPasswordHash(password, m.passwordHash) {
			audit.Log(audit.Event{
				Type: audit.EventAuthFailure,
				IP:   clientIP(r),
				Details: map[string]interface{}{
					"path": r.URL.Path,
				},
			})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid admin credentials",
			})
			return
		}

		next.ServeHTTP(w, r)
	}))
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}
