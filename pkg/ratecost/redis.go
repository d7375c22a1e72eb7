package ratecost

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var slidingScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
if count < tonumber(ARGV[2]) then
  redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
  redis.call("PEXPIRE", KEYS[1], ARGV[5])
  return {1, count + 1}
end
return {0, count}
`)

// RedisLimiter is a sliding-window limiter backed by a Redis sorted set per
// key. On any Redis failure it falls back to the in-memory limiter.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *SlidingLimiter
}

func NewRedisLimiter(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Fallback: NewSliding(window),
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.Fallback.Allow(key, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().UTC()
	nowMs := now.UnixMilli()
	cutoffMs := nowMs - l.Window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.New().String()
	res, err := slidingScript.Run(ctx, l.Client, []string{l.Prefix + key},
		cutoffMs, limit, nowMs, member, l.Window.Milliseconds()).Result()
	if err != nil {
		return l.Fallback.Allow(key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.Fallback.Allow(key, limit)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed == 1,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		RetryAt:   now.Add(l.Window),
	}
}

// RedisCosts accumulates daily token spend in Redis counters, falling back
// to in-memory totals when Redis is unreachable.
type RedisCosts struct {
	Client   *redis.Client
	Prefix   string
	Fallback *DailyCosts
}

func NewRedisCosts(client *redis.Client) *RedisCosts {
	return &RedisCosts{Client: client, Prefix: "cost:", Fallback: NewDailyCosts()}
}

func (c *RedisCosts) key(principal string) string {
	day := time.Now().UTC().Format("2006-01-02")
	return c.Prefix + principal + ":" + day
}

func (c *RedisCosts) Add(principal string, tokens int64) int64 {
	if tokens < 0 {
		tokens = 0
	}
	if c.Client == nil {
		return c.Fallback.Add(principal, tokens)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := c.key(principal)
	total, err := c.Client.IncrBy(ctx, key, tokens).Result()
	if err != nil {
		return c.Fallback.Add(principal, tokens)
	}
	_ = c.Client.Expire(ctx, key, 48*time.Hour).Err()
	return total
}

func (c *RedisCosts) Total(principal string) int64 {
	if c.Client == nil {
		return c.Fallback.Total(principal)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := c.Client.Get(ctx, c.key(principal)).Result()
	if err != nil {
		return c.Fallback.Total(principal)
	}
	total, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return total
}
