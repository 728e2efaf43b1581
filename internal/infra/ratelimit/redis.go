package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custodia/internal/domain"

	"github.com/redis/go-redis/v9"
)

// redisLimiter keeps fixed-window counters in redis so that every
// replica of the service draws from the same per-tenant quota. Each key
// is INCRed atomically; the first hit in a window arms the expiry.
type redisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

var fixedWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

func NewRedisLimiter(addr, password string, db int, now func() time.Time) (domain.RateLimiter, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if now == nil {
		now = time.Now
	}
	return &redisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		now:    now,
	}, nil
}

func (r *redisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	ttlArg := window.Milliseconds()
	if ttlArg <= 0 {
		ttlArg = 1000
	}

	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, ttlArg).Result()
	if err != nil {
		return domain.RateLimitDecision{}, fmt.Errorf("rate limit script: %w", err)
	}
	count, ttlMillis, err := parseScriptReply(raw)
	if err != nil {
		return domain.RateLimitDecision{}, err
	}

	resetAt := r.now()
	if ttlMillis > 0 {
		resetAt = resetAt.Add(time.Duration(ttlMillis) * time.Millisecond)
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateLimitDecision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func parseScriptReply(raw any) (count, ttlMillis int64, err error) {
	values, ok := raw.([]any)
	if !ok || len(values) < 2 {
		return 0, 0, errors.New("unexpected rate limit script reply")
	}
	count, ok = values[0].(int64)
	if !ok {
		return 0, 0, errors.New("non-integer rate limit counter")
	}
	ttlMillis, _ = values[1].(int64)
	return count, ttlMillis, nil
}
