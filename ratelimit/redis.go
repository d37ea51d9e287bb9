package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a Redis-backed sliding window limiter, shared by every
// instance pointed at the same server.
type RedisLimiter struct {
	client    redis.Cmdable
	keyPrefix string
	rate      int
	window    time.Duration
}

// RedisConfig holds Redis rate limiter configuration.
type RedisConfig struct {
	// Client is the Redis client to use.
	Client redis.Cmdable

	// KeyPrefix is the prefix for all rate limit keys.
	// Defaults to "agentauth:ratelimit:".
	KeyPrefix string

	// Rate is the number of attempts allowed per window.
	Rate int

	// Window is the time window for the rate limit.
	Window time.Duration
}

// NewRedisLimiter creates a new Redis-backed rate limiter.
func NewRedisLimiter(cfg *RedisConfig) *RedisLimiter {
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentauth:ratelimit:"
	}

	return &RedisLimiter{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		rate:      cfg.Rate,
		window:    cfg.Window,
	}
}

// slidingWindow trims entries older than the window, then admits n more if
// they fit. Members are unique per call so concurrent callers landing on
// the same microsecond are all counted.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local window_start = tonumber(ARGV[1])
	local now = tonumber(ARGV[2])
	local rate = tonumber(ARGV[3])
	local n = tonumber(ARGV[4])
	local window_ms = tonumber(ARGV[5])
	local nonce = ARGV[6]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)
	if count + n > rate then
		return 0
	end

	for i = 1, n do
		redis.call('ZADD', key, now, nonce .. ':' .. i)
	end
	redis.call('PEXPIRE', key, window_ms)

	return 1
`)

// Allow consumes one attempt for the given key.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN consumes n attempts for the given key.
func (r *RedisLimiter) AllowN(ctx context.Context, key string, n int) (bool, error) {
	now := time.Now()
	result, err := slidingWindow.Run(ctx, r.client, []string{r.keyPrefix + key},
		now.Add(-r.window).UnixMicro(),
		now.UnixMicro(),
		r.rate,
		n,
		r.window.Milliseconds(),
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate limit script failed: %w", err)
	}

	return result == 1, nil
}

// Exhausted reports whether the key has used its whole window budget.
func (r *RedisLimiter) Exhausted(ctx context.Context, key string) (bool, error) {
	remaining, err := r.Remaining(ctx, key)
	if err != nil {
		return false, err
	}
	return remaining == 0, nil
}

// Remaining returns the number of attempts left in the current window.
func (r *RedisLimiter) Remaining(ctx context.Context, key string) (int, error) {
	redisKey := r.keyPrefix + key
	windowStart := time.Now().Add(-r.window).UnixMicro()

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return max(r.rate-int(countCmd.Val()), 0), nil
}

// Reset resets the rate limit for the given key.
func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.keyPrefix+key).Err()
}

// Close is a no-op; the client is managed by the caller.
func (r *RedisLimiter) Close() error {
	return nil
}

var (
	_ Limiter = (*MemoryLimiter)(nil)
	_ Limiter = (*RedisLimiter)(nil)
)
