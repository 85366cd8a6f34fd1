package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisLimiter is a sliding-window limiter shared by every instance that
// points at the same Redis. Each key allows at most limit requests in any
// trailing window.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter creates a limiter storing one sorted set per key under
// prefix. The client is owned by the caller.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

// Allow records the request and reports whether key is still within its
// window budget. Rejected requests do not count against the budget.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now()
	k := l.prefix + ":" + key
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(now.Add(-l.window).UnixNano(), 10))
	count := pipe.ZCard(ctx, k)
	pipe.ZAdd(ctx, k, &redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.PExpire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: redis window %s: %w", k, err)
	}

	if count.Val() >= int64(l.limit) {
		if err := l.client.ZRem(ctx, k, member).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: redis undo %s: %w", k, err)
		}
		return false, nil
	}
	return true, nil
}

// Close is a no-op; the Redis client is shared and closed by its owner.
func (l *RedisLimiter) Close() error { return nil }
