package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow counts requests per key in fixed windows stored in Redis, so
// every replica draws from the same budget.
type RedisWindow struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisWindow allows limit requests per window for each key.
func NewRedisWindow(client *redis.Client, limit int, window time.Duration) *RedisWindow {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisWindow{
		client: client,
		limit:  int64(max(limit, 1)),
		window: window,
		prefix: "scanguard:ratelimit:",
		now:    time.Now,
	}
}

// WithPrefix namespaces the Redis keys.
func (w *RedisWindow) WithPrefix(p string) *RedisWindow {
	w.prefix = p
	return w
}

// Take implements Backend.
func (w *RedisWindow) Take(ctx context.Context, key string) (Decision, error) {
	now := w.now()
	slot := now.UnixNano() / int64(w.window)
	rkey := fmt.Sprintf("%s%s:%d", w.prefix, key, slot)

	pipe := w.client.TxPipeline()
	incr := pipe.Incr(ctx, rkey)
	pipe.Expire(ctx, rkey, 2*w.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis incr: %w", err)
	}

	if incr.Val() <= w.limit {
		return Decision{Allowed: true}, nil
	}
	windowEnd := time.Unix(0, (slot+1)*int64(w.window))
	return Decision{RetryAfter: windowEnd.Sub(now)}, nil
}

var _ Backend = (*RedisWindow)(nil)
