package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"huddle-backend/internal/database"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/response"
)

// RateLimiter is a fixed-window limiter keyed by user (or client IP). Counts live in
// Redis; while Redis is degraded an in-process window takes over.
type RateLimiter struct {
	redis    *database.RedisClient
	prefix   string
	requests int
	window   time.Duration
	now      func() time.Time

	mu       sync.Mutex
	fallback map[string]*localWindow
}

type localWindow struct {
	count int
	start int64
}

// NewRateLimiter creates a limiter allowing requests per window. redis may be nil.
func NewRateLimiter(redis *database.RedisClient, prefix string, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:    redis,
		prefix:   prefix,
		requests: requests,
		window:   window,
		now:      time.Now,
		fallback: make(map[string]*localWindow),
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		}

		allowed, remaining, resetAt := rl.Allow(c.Request.Context(), identifier)

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			response.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Allow counts one request for identifier
func (rl *RateLimiter) Allow(ctx context.Context, identifier string) (allowed bool, remaining int, resetAt int64) {
	windowSecs := int64(rl.window.Seconds())
	if windowSecs <= 0 {
		windowSecs = 1
	}
	start := rl.now().Unix() / windowSecs * windowSecs
	resetAt = start + windowSecs

	count, err := rl.redisCount(ctx, identifier, start)
	if err != nil {
		if rl.redis != nil && !rl.redis.IsDegraded() {
			logger.Warn("Rate limit check failed, using local window", zap.Error(err))
		}
		count = rl.localCount(identifier, start)
	}

	remaining = rl.requests - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.requests, remaining, resetAt
}

func (rl *RateLimiter) redisCount(ctx context.Context, identifier string, start int64) (int, error) {
	if rl.redis == nil {
		return 0, fmt.Errorf("no redis client")
	}
	key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.prefix, identifier, start)
	count, err := rl.redis.SafeIncr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	if count == 1 {
		rl.redis.SafeExpire(ctx, key, rl.window)
	}
	return int(count), nil
}

func (rl *RateLimiter) localCount(identifier string, start int64) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.fallback[identifier]
	if !ok || w.start != start {
		w = &localWindow{start: start}
		rl.fallback[identifier] = w
	}
	w.count++

	// drop stale windows so the map does not grow without bound
	if len(rl.fallback) > 10000 {
		for id, other := range rl.fallback {
			if other.start != start {
				delete(rl.fallback, id)
			}
		}
	}
	return w.count
}
