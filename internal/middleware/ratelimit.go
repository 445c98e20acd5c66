package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitMiddleware counts requests per caller in a fixed redis window.
// Authenticated callers are keyed by user id, others by IP. Redis failures
// let the request through.
func RateLimitMiddleware(rdb *redis.Client, limit int, window time.Duration, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller := "ip:" + c.IP()
		if id := GetUserID(c); id != uuid.Nil {
			caller = "user:" + id.String()
		}
		key := fmt.Sprintf("rl:%s:%s", c.Route().Path, caller)

		ctx := context.Background()
		pipe := rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Warn("rate limiter unavailable", zap.Error(err))
			return c.Next()
		}

		count := incr.Val()
		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit) {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(window.Seconds())))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}

		return c.Next()
	}
}
