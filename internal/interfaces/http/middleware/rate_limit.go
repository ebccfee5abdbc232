// internal/interfaces/http/middleware/rate_limit.go
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RateLimit implements a fixed one-minute window per client IP in Redis.
// When Redis is down requests are let through.
func RateLimit(limit int, redisClient *redis.Client, logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("rate_limit:%s", c.ClientIP())

		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		var ttl *redis.DurationCmd
		count, err := redisClient.Incr(ctx, key).Result()
		if err == nil {
			_, err = redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if count == 1 {
					pipe.Expire(ctx, key, time.Minute)
				}
				ttl = pipe.TTL(ctx, key)
				return nil
			})
		}
		if err != nil {
			logger.WithError(err).Debug("Rate limiter unavailable, allowing request")
			c.Next()
			return
		}

		current := int(count)
		reset := ttl.Val()
		if reset <= 0 {
			reset = time.Minute
		}

		remaining := limit - current
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(reset).Unix(), 10))

		if current > limit {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": int(reset.Seconds()),
			})
			return
		}

		c.Next()
	}
}
