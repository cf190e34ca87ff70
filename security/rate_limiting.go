package security

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/hook"
	"github.com/redis/go-redis/v9"
)

const rateWindow = time.Minute

type RateLimiter struct {
	redis *redis.Client
	limit int
}

// NewRateLimiter limits booking requests to limit per minute. A nil client
// disables the limit.
func NewRateLimiter(redisClient *redis.Client, limit int) *RateLimiter {
	if limit <= 0 {
		limit = 10
	}
	return &RateLimiter{redis: redisClient, limit: limit}
}

// BookingRateLimit counts requests per authenticated user, or per client IP
// for anonymous callers, in a fixed one minute window. Redis failures let
// the request through.
func (r *RateLimiter) BookingRateLimit() *hook.Handler[*core.RequestEvent] {
	return &hook.Handler[*core.RequestEvent]{
		Id: "webEqBookingRateLimit",
		Func: func(e *core.RequestEvent) error {
			if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
				return apis.NewForbiddenError("Access denied", nil)
			}
			if r.redis == nil {
				return e.Next()
			}

			ctx := e.Request.Context()
			key := fmt.Sprintf("ratelimit:booking:%s", identity(e))

			count, err := r.redis.Incr(ctx, key).Result()
			if err != nil {
				slog.Warn("Rate limit check failed, allowing request", "error", err)
				return e.Next()
			}
			if count == 1 {
				r.redis.Expire(ctx, key, rateWindow)
			}
			if count > int64(r.limit) {
				return apis.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
			}

			return e.Next()
		},
	}
}

func identity(e *core.RequestEvent) string {
	if e.Auth != nil && e.Auth.Id != "" {
		return "user:" + e.Auth.Id
	}
	return "ip:" + e.RealIP()
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
