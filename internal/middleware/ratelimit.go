package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peercall-backend/internal/database"
	"peercall-backend/pkg/logger"
)

// RateLimiter enforces a fixed-window request cap per user (falling back
// to client IP before authentication). Used on dial to curb call spam.
type RateLimiter struct {
	redis    *database.RedisClient
	requests int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter allowing `requests` per `window`.
func NewRateLimiter(redis *database.RedisClient, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:    redis,
		requests: requests,
		window:   window,
	}
}

// Middleware returns the Gin handler. Fails open when Redis is degraded
// or unreachable so signaling keeps working without it.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID := c.GetString("user_id"); userID != "" {
			identifier = "user:" + userID
		}

		count, err := rl.bump(c.Request.Context(), identifier)
		if err != nil {
			logger.Warn("rate limit check failed", zap.String("identifier", identifier), zap.Error(err))
			c.Next()
			return
		}

		remaining := rl.requests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if count > rl.requests {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"limit": rl.requests,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) bump(ctx context.Context, identifier string) (int, error) {
	if rl.redis.IsDegraded() {
		return 0, fmt.Errorf("redis degraded")
	}

	key := "ratelimit:" + identifier
	pipe := rl.redis.Client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to bump rate limit: %w", err)
	}
	return int(incr.Val()), nil
}
