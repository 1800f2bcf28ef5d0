package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"storylab-backend/pkg/logger"
)

// RateLimiter caps requests per caller within a window
type RateLimiter struct {
	limiter *limiter.Limiter
	scope   string
}

// NewRateLimiter allows requests hits per window for each caller within scope
func NewRateLimiter(store limiter.Store, scope string, requests int, window time.Duration) *RateLimiter {
	rate := limiter.Rate{Period: window, Limit: int64(requests)}
	return &RateLimiter{
		limiter: limiter.New(store, rate),
		scope:   scope,
	}
}

// NewRedisStore keeps rate limit counters in Redis so every instance shares them
func NewRedisStore(client *redis.Client) (limiter.Store, error) {
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: "ratelimit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit store: %w", err)
	}
	return store, nil
}

// Middleware returns a Gin middleware for rate limiting. Requests pass when
// the store is unavailable.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, exists := c.Get(ContextUserID); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		}
		key := rl.scope + ":" + identifier

		lctx, err := rl.limiter.Get(c.Request.Context(), key)
		if err != nil {
			logger.Warn("Rate limit check failed, allowing request",
				zap.String("key", key),
				zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":    "Rate limit exceeded",
				"limit":    lctx.Limit,
				"reset_at": lctx.Reset,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
