package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter allows at most Limit requests per key within any Window,
// counted in a Redis sorted set shared by every instance.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisLimiter creates a sliding-window limiter. The caller owns client
// unless Close is called.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "shiken:rl"
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: int64(limit), window: window}
}

// NewRedisLimiterFromRate derives the window from a sustained rate: burst
// requests are allowed per burst/rps seconds.
func NewRedisLimiterFromRate(client *redis.Client, rps float64, burst int) *RedisLimiter {
	window := time.Duration(float64(burst) / rps * float64(time.Second))
	return NewRedisLimiter(client, "", burst, window)
}

// Allow records the request and reports whether the window still had room.
// Denied requests are not counted against later windows.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	k := l.prefix + ":" + key
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()[:8]
	floor := strconv.FormatInt(now.Add(-l.window).UnixNano(), 10)

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", "("+floor)
		p.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixNano()), Member: member})
		card = p.ZCard(ctx, k)
		p.PExpire(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if card.Val() <= l.limit {
		return true, nil
	}
	if err := l.client.ZRem(ctx, k, member).Err(); err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return false, nil
}

// Close closes the Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
