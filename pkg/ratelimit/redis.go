package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript bumps the caller's counter and returns it with the
// remaining window in milliseconds. The PTTL guard covers keys that
// exist without an expiry (seeded by hand or left over from a crash).
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisLimiter shares one fixed window across gateway replicas. Any
// Redis failure degrades to the in-process fallback rather than
// rejecting traffic: throttling is advisory, decisions are not.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *MemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.degrade(key, limit)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := windowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Result()
	if err != nil {
		return l.degrade(key, limit)
	}
	count, ttl, ok := parseScriptReply(res)
	if !ok {
		return l.degrade(key, limit)
	}
	if ttl <= 0 {
		ttl = l.Window
	}
	return clamp(Decision{
		Allowed: count <= limit,
		Count:   count,
		Limit:   limit,
		ResetAt: time.Now().UTC().Add(ttl),
	})
}

// degrade serves the decision from the in-process counter, or allows
// outright when no fallback was configured.
func (l *RedisLimiter) degrade(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   time.Now().UTC().Add(l.Window),
	}
}

func parseScriptReply(res interface{}) (count int, ttl time.Duration, ok bool) {
	vals, isSlice := res.([]interface{})
	if !isSlice || len(vals) < 2 {
		return 0, 0, false
	}
	n, okN := vals[0].(int64)
	ms, okMS := vals[1].(int64)
	if !okN || !okMS {
		return 0, 0, false
	}
	return int(n), time.Duration(ms) * time.Millisecond, true
}
