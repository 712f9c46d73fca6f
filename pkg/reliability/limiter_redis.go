package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSlidingWindowScript implements the sliding window atomically. A
// sorted set per (tenant, resource) holds admitted request timestamps in
// microseconds; expired members are trimmed before the admission decision.
// KEYS[1] = window key
// ARGV[1] = window length in microseconds
// ARGV[2] = max requests
// ARGV[3] = current unix time in microseconds
var redisSlidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)

local allowed = 0
if count < max then
    redis.call("ZADD", key, now, now .. "-" .. math.random(1000000))
    count = count + 1
    allowed = 1
end
redis.call("PEXPIRE", key, math.ceil(window / 1000))

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local reset = now + window
if oldest[2] then
    reset = tonumber(oldest[2]) + window
end

return {allowed, max - count, reset}
`)

// RedisLimiter is the multi-node Limiter. The Lua script keeps trim,
// count, and admit atomic so concurrent nodes never over-admit.
type RedisLimiter struct {
	client   *redis.Client
	policies map[string]LimitPolicy
	fallback LimitPolicy
	now      func() time.Time
}

// NewRedisLimiter creates a limiter on an existing Redis client.
func NewRedisLimiter(client *redis.Client, policies map[string]LimitPolicy, fallback LimitPolicy) *RedisLimiter {
	if fallback.MaxRequests <= 0 {
		fallback = LimitPolicy{MaxRequests: 100, Window: time.Minute}
	}
	return &RedisLimiter{client: client, policies: policies, fallback: fallback, now: time.Now}
}

func (l *RedisLimiter) policy(resource string) LimitPolicy {
	if p, ok := l.policies[resource]; ok && p.MaxRequests > 0 {
		return p
	}
	return l.fallback
}

func (l *RedisLimiter) Check(ctx context.Context, tenantID, resource string) (LimitResult, error) {
	policy := l.policy(resource)
	key := fmt.Sprintf("ratelimit:%s:%s", tenantID, resource)
	nowMicros := l.now().UnixMicro()
	windowMicros := policy.Window.Microseconds()

	res, err := redisSlidingWindowScript.Run(ctx, l.client, []string{key},
		windowMicros, policy.MaxRequests, nowMicros).Result()
	if err != nil {
		return LimitResult{}, fmt.Errorf("reliability: redis limiter failed: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return LimitResult{}, fmt.Errorf("reliability: unexpected limiter script response %v", res)
	}

	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	resetMicros, _ := vals[2].(int64)
	if remaining < 0 {
		remaining = 0
	}

	resetAt := time.UnixMicro(resetMicros)
	out := LimitResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}
	if !out.Allowed {
		out.RetryAfter = resetAt.Sub(l.now())
		if out.RetryAfter < 0 {
			out.RetryAfter = 0
		}
	}
	return out, nil
}
