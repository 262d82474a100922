package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestEdgeRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("allows requests under the limit", func(t *testing.T) {
		limiter := NewEdgeRateLimiter(newTestRedis(t))

		for i := 0; i < 5; i++ {
			allowed, remaining, _ := limiter.Check(ctx, "10.0.0.1", 10)
			assert.True(t, allowed)
			assert.Equal(t, 10-i-1, remaining)
		}
	})

	t.Run("denies requests over the limit", func(t *testing.T) {
		limiter := NewEdgeRateLimiter(newTestRedis(t))

		for i := 0; i < 5; i++ {
			limiter.Check(ctx, "10.0.0.2", 5)
		}

		allowed, remaining, resetAt := limiter.Check(ctx, "10.0.0.2", 5)
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)
		assert.Greater(t, resetAt, int64(0))
	})

	t.Run("tracks addresses separately", func(t *testing.T) {
		limiter := NewEdgeRateLimiter(newTestRedis(t))

		for i := 0; i < 5; i++ {
			limiter.Check(ctx, "10.0.0.3", 5)
		}

		allowed, _, _ := limiter.Check(ctx, "10.0.0.4", 5)
		assert.True(t, allowed)
	})

	t.Run("fails open when redis is down", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
		defer client.Close()
		limiter := NewEdgeRateLimiter(client)

		allowed, _, _ := limiter.Check(ctx, "10.0.0.5", 5)
		assert.True(t, allowed)
	})
}

func TestEdgeRateLimitMiddleware(t *testing.T) {
	t.Run("passes allowed requests through with headers", func(t *testing.T) {
		middleware := NewEdgeRateLimitMiddleware(newTestRedis(t), 10)
		handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("GET", "/v1/messages", nil)
		req.RemoteAddr = "10.0.0.1:51234"
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("returns 429 once the limit is hit", func(t *testing.T) {
		middleware := NewEdgeRateLimitMiddleware(newTestRedis(t), 2)
		handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		for i := 0; i < 3; i++ {
			req := httptest.NewRequest("GET", "/v1/messages", nil)
			req.RemoteAddr = "10.0.0.2:51234"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if i < 2 {
				assert.Equal(t, http.StatusOK, rec.Code)
			} else {
				assert.Equal(t, http.StatusTooManyRequests, rec.Code)
				assert.Equal(t, "60", rec.Header().Get("Retry-After"))
			}
		}
	})

	t.Run("honors X-Forwarded-For", func(t *testing.T) {
		middleware := NewEdgeRateLimitMiddleware(newTestRedis(t), 1)
		handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		for _, ip := range []string{"203.0.113.7", "203.0.113.8"} {
			req := httptest.NewRequest("GET", "/v1/messages", nil)
			req.RemoteAddr = "10.0.0.1:51234"
			req.Header.Set("X-Forwarded-For", ip)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			// Each forwarded address gets its own budget.
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	})
}
