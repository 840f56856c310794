package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bucket describes one token bucket shape: bursts up to Capacity, refilling
// at RefillRate tokens per second. IdleTTL garbage-collects untouched keys;
// it must comfortably exceed Capacity/RefillRate so an idle expiry never
// grants more than a full bucket would.
type Bucket struct {
	Capacity   float64
	RefillRate float64
	IdleTTL    time.Duration
}

// takeScript refills the bucket from elapsed wall time, then attempts to
// subtract the cost. State is persisted only when the take succeeds, so a
// denied request never mutates the bucket; the TTL refresh on denial keeps a
// hammered-but-empty key from expiring into a fresh full bucket.
const takeScript = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "t", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = now - ts
if elapsed < 0 then
  elapsed = 0
end
tokens = tokens + elapsed * rate / 1000
if tokens > capacity then
  tokens = capacity
end

if tokens < cost then
  if ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
  end
  return {0, tostring(tokens)}
end

tokens = tokens - cost
redis.call("HSET", KEYS[1], "t", tostring(tokens), "ts", tostring(now))
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return {1, tostring(tokens)}
`

var takeLua = redis.NewScript(takeScript)

// Limiter is a shared token-bucket engine. All instances keyed into the same
// Redis draw from the same buckets, and concurrent takes for one key are
// linearized by the script: two calls cannot both win the last token.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	bucket Bucket
	now    func() time.Time
}

// New creates a Limiter for one bucket shape. prefix namespaces its keys so
// the per-identity and per-origin instances never collide.
func New(redisClient redis.UniversalClient, prefix string, bucket Bucket) *Limiter {
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
		bucket: bucket,
		now:    time.Now,
	}
}

// Allow attempts to take cost tokens for key. It returns nil on success,
// ErrRateLimited when the bucket is short, and ErrRedisUnavailable wrapping
// the cause on infrastructure failure.
func (l *Limiter) Allow(ctx context.Context, key string, cost float64) error {
	nowMillis := l.now().UnixMilli()
	result, err := takeLua.Run(
		ctx,
		l.redis,
		[]string{l.prefix + ":" + key},
		formatFloat(l.bucket.Capacity),
		formatFloat(l.bucket.RefillRate),
		nowMillis,
		formatFloat(cost),
		l.bucket.IdleTTL.Milliseconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return fmt.Errorf("%w: invalid bucket script response", ErrRedisUnavailable)
	}
	allowed, ok := parts[0].(int64)
	if !ok {
		return fmt.Errorf("%w: invalid bucket script status", ErrRedisUnavailable)
	}
	if allowed != 1 {
		return ErrRateLimited
	}
	return nil
}

// Remaining reports the token count a fresh take would observe for key.
// Missing keys report a full bucket and do not reveal key existence.
func (l *Limiter) Remaining(ctx context.Context, key string) (float64, error) {
	state, err := l.redis.HMGet(ctx, l.prefix+":"+key, "t", "ts").Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	tokens, ok1 := parseFloatField(state[0])
	ts, ok2 := parseFloatField(state[1])
	if !ok1 || !ok2 {
		return l.bucket.Capacity, nil
	}

	elapsed := float64(l.now().UnixMilli()) - ts
	if elapsed < 0 {
		elapsed = 0
	}
	tokens += elapsed * l.bucket.RefillRate / 1000
	if tokens > l.bucket.Capacity {
		tokens = l.bucket.Capacity
	}
	return tokens, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloatField(v interface{}) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
