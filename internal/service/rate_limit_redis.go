package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/pkg/database"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes, counts and records in one round trip so
// concurrent instances cannot both take the last slot. Scores are unix ms.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1, 0}
end

local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// RedisRateLimiter keeps sliding window logs in Redis sorted sets shared by
// every instance
type RedisRateLimiter struct {
	redis *database.Redis
	now   func() time.Time
}

// NewRedisRateLimiter creates a new Redis-backed rate limiter
func NewRedisRateLimiter(redis *database.Redis, now func() time.Time) *RedisRateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RedisRateLimiter{redis: redis, now: now}
}

func rateLimitKey(key string) string {
	return fmt.Sprintf("ratelimit:%s", key)
}

// Acquire checks and records one request
func (r *RedisRateLimiter) Acquire(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := r.now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	result, err := slidingWindowScript.Run(ctx, r.redis.Client,
		[]string{rateLimitKey(key)},
		now.UnixMilli(), window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run rate limit script: %w", err)
	}

	if len(result) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %v", result)
	}

	return Decision{
		Allowed:    result[0] == 1,
		Limit:      limit,
		Remaining:  int(result[1]),
		RetryAfter: time.Duration(result[2]) * time.Millisecond,
	}, nil
}

// Window returns a snapshot of the window without recording a request
func (r *RedisRateLimiter) Window(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitWindow, error) {
	now := r.now()
	redisKey := rateLimitKey(key)

	var (
		count  *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := r.redis.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%d", now.Add(-window).UnixMilli()))
		count = pipe.ZCard(ctx, redisKey)
		oldest = pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
		return nil
	})
	if err != nil {
		return domain.RateLimitWindow{}, fmt.Errorf("failed to read rate limit window: %w", err)
	}

	start := now
	if entries := oldest.Val(); len(entries) > 0 {
		start = time.UnixMilli(int64(entries[0].Score))
	}

	return domain.RateLimitWindow{
		Key:            key,
		WindowStart:    start,
		RequestCount:   int(count.Val()),
		Limit:          limit,
		WindowDuration: window,
	}, nil
}
