package webhooks

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
)

// fixedWindowScript counts a hit and starts the window on the first one.
var fixedWindowScript = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RateLimiter is a per-key fixed-window limiter shared by all gateway
// replicas through Redis.
type RateLimiter struct {
	rdb    goredis.UniversalClient
	limit  int
	window time.Duration
	logger logging.Logger
}

// NewRateLimiter creates a per-key fixed-window limiter.
func NewRateLimiter(rdb goredis.UniversalClient, limit int, window time.Duration, logger logging.Logger) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{rdb: rdb, limit: limit, window: window, logger: logger}
}

func rateKey(key string) string {
	return "webhook:rl:{" + key + "}"
}

// Allow returns true if the request is permitted for the key. A Redis
// failure lets the request through; the signature check still applies.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if key == "" {
		key = "unknown"
	}
	n, err := fixedWindowScript.Run(ctx, rl.rdb, []string{rateKey(key)}, rl.window.Milliseconds()).Int64()
	if err != nil {
		rl.logger.WithError(err).Warn("Webhook rate limiter unavailable")
		return true
	}
	return n <= int64(rl.limit)
}
