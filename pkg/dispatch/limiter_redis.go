package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes one bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
// ARGV[5] = ttl seconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// RedisLimiterStore shares buckets between dispatcher instances through Redis.
type RedisLimiterStore struct {
	client redis.Scripter
	prefix string
	ttl    time.Duration
	clock  func() time.Time
}

// NewRedisLimiterStore uses client for bucket state under "orchestra:limiter:".
func NewRedisLimiterStore(client redis.Scripter) *RedisLimiterStore {
	return &RedisLimiterStore{
		client: client,
		prefix: "orchestra:limiter:",
		ttl:    time.Minute,
		clock:  time.Now,
	}
}

// DialRedisLimiterStore connects to addr.
func DialRedisLimiterStore(addr, password string, db int) *RedisLimiterStore {
	return NewRedisLimiterStore(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// WithClock overrides the clock for testing.
func (s *RedisLimiterStore) WithClock(clock func() time.Time) *RedisLimiterStore {
	s.clock = clock
	return s
}

// WithPrefix overrides the bucket key prefix.
func (s *RedisLimiterStore) WithPrefix(prefix string) *RedisLimiterStore {
	s.prefix = prefix
	return s
}

func (s *RedisLimiterStore) Allow(ctx context.Context, agent string, policy Policy, cost int) (bool, error) {
	key := s.prefix + agent
	now := float64(s.clock().UnixMicro()) / 1e6
	ttl := int(s.ttl.Seconds())

	res, err := tokenBucketScript.Run(ctx, s.client, []string{key},
		policy.perSecond(), policy.burst(), cost, now, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script reply %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
