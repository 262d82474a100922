package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/observability"
)

const (
	edgeLimitKeyPrefix = "edgelimit:"
	edgeLimitWindow    = 60 * time.Second
)

// Sliding-window counter over a sorted set. Runs atomically in Redis so
// every instance sees the same counts.
var edgeLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, 0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

local remaining = limit - count - 1
local resetAt = now + window

return {1, remaining, resetAt}
`)

// EdgeRateLimiter is the first line of defense: a cheap per-IP sliding
// window in Redis, applied before any handler or store access. The DB-backed
// limiter handles per-entity policy; this one just absorbs floods. It fails
// open when Redis is unavailable.
type EdgeRateLimiter struct {
	client *redis.Client
}

func NewEdgeRateLimiter(client *redis.Client) *EdgeRateLimiter {
	return &EdgeRateLimiter{client: client}
}

func (rl *EdgeRateLimiter) Check(ctx context.Context, ip string, limit int) (allowed bool, remaining int, resetAt int64) {
	now := time.Now().Unix()
	key := edgeLimitKeyPrefix + ip

	result, err := edgeLimitScript.Run(ctx, rl.client, []string{key}, now, int64(edgeLimitWindow.Seconds()), limit).Int64Slice()
	if err != nil {
		log.Warn().Err(err).Str("ip", ip).Msg("redis edge limit check failed, allowing request")
		return true, limit - 1, now + int64(edgeLimitWindow.Seconds())
	}

	if len(result) != 3 {
		log.Warn().Str("ip", ip).Msg("unexpected redis edge limit result")
		return true, limit - 1, now + int64(edgeLimitWindow.Seconds())
	}

	return result[0] == 1, int(result[1]), result[2]
}

type EdgeRateLimitMiddleware struct {
	limiter *EdgeRateLimiter
	limit   int
}

func NewEdgeRateLimitMiddleware(redisClient *redis.Client, limitPerMin int) *EdgeRateLimitMiddleware {
	return &EdgeRateLimitMiddleware{
		limiter: NewEdgeRateLimiter(redisClient),
		limit:   limitPerMin,
	}
}

func (m *EdgeRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		allowed, remaining, resetAt := m.limiter.Check(r.Context(), ip, m.limit)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			log.Warn().Str("ip", ip).Msg("edge rate limit exceeded")
			observability.RateLimitDecisions.WithLabelValues("ip", "edge_denied").Inc()
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
