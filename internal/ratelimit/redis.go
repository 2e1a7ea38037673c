package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes expired entries, admits the request when
// under the limit, and returns {allowed, count, oldest_ms}. Running it
// as one script keeps check-and-record atomic across gateway replicas.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now_ms - window_ms)
local count = redis.call('ZCARD', key)

local allowed = 0
if count < limit then
    redis.call('ZADD', key, now_ms, member)
    redis.call('PEXPIRE', key, window_ms)
    allowed = 1
    count = count + 1
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldest_ms = now_ms
if oldest[2] then
    oldest_ms = tonumber(oldest[2])
end
return {allowed, count, oldest_ms}
`)

// RedisLimiter is a sliding-window limiter backed by Redis sorted
// sets, shared across gateway replicas.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter. prefix namespaces
// the keys; "ratelimit" when empty.
func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}
}

func (l *RedisLimiter) key(key string) string {
	return l.prefix + ":" + key
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := l.now()
	vals, err := slidingWindowScript.Run(ctx, l.client, []string{l.key(key)},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("rate limit script: unexpected reply %v", vals)
	}

	allowed := vals[0] == 1
	count := int(vals[1])
	oldest := time.UnixMilli(vals[2])

	res := Result{
		Allowed:   allowed,
		Current:   count,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetAt:   oldest.Add(window),
	}
	if !allowed {
		res.RetryAfter = max(0, res.ResetAt.Sub(now))
	}
	return res, nil
}

func (l *RedisLimiter) Inspect(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := l.now()
	rkey := l.key(key)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", fmt.Sprintf("%d", now.Add(-window).UnixMilli()))
	card := pipe.ZCard(ctx, rkey)
	oldest := pipe.ZRangeWithScores(ctx, rkey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit inspect: %w", err)
	}

	count := int(card.Val())
	res := Result{
		Allowed:   count < limit,
		Current:   count,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetAt:   now.Add(window),
	}
	if members := oldest.Val(); len(members) > 0 {
		res.ResetAt = time.UnixMilli(int64(members[0].Score)).Add(window)
		if !res.Allowed {
			res.RetryAfter = max(0, res.ResetAt.Sub(now))
		}
	}
	return res, nil
}
