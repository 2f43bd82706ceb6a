package geoanalytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spaolacci/murmur3"

	"github.com/mbd888/scanguard/internal/circuitbreaker"
	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/metrics"
	"github.com/mbd888/scanguard/internal/syncutil"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent.
var ErrCacheMiss = errors.New("geoanalytics: cache miss")

// CacheBreakerKey is the circuit breaker key guarding the snapshot cache.
const CacheBreakerKey = "snapshot_cache"

// Cache stores serialized snapshots.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// NopCache never stores anything.
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

func (NopCache) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// RedisCache is a Cache backed by Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache parses a redis:// URL and returns a cache using it.
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Client exposes the underlying connection for other Redis users (the
// shared rate limiter).
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping checks connectivity, for health checks.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// MemoryCache is an in-process Cache for development and tests.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: append([]byte(nil), value...), expires: m.now().Add(ttl)}
	return nil
}

// CacheKey derives the cache key for a request. The account ID stays
// readable so keys can be purged per account.
func CacheKey(req Request) string {
	product := "all"
	if req.ProductID != nil {
		product = strconv.FormatInt(*req.ProductID, 10)
	}
	h := murmur3.Sum64([]byte(req.AccountID + "|" + product + "|" + strconv.Itoa(req.WindowDays)))
	return fmt.Sprintf("scanguard:geo:%s:%016x", req.AccountID, h)
}

// CachedAggregator serves snapshots from a short-TTL cache. Concurrent
// misses for the same request recompute once; cache outages are isolated by
// a circuit breaker and fall through to the aggregator.
type CachedAggregator struct {
	inner   Reader
	cache   Cache
	ttl     time.Duration
	breaker *circuitbreaker.Breaker
	locks   *syncutil.Striped
}

// NewCachedAggregator wraps inner with cache.
func NewCachedAggregator(inner Reader, cache Cache, ttl time.Duration) *CachedAggregator {
	return &CachedAggregator{
		inner:   inner,
		cache:   cache,
		ttl:     ttl,
		breaker: circuitbreaker.New(5, 30*time.Second),
		locks:   syncutil.NewStriped(syncutil.DefaultStripes),
	}
}

// WithBreaker replaces the circuit breaker.
func (c *CachedAggregator) WithBreaker(b *circuitbreaker.Breaker) *CachedAggregator {
	c.breaker = b
	return c
}

func isMiss(err error) bool { return errors.Is(err, ErrCacheMiss) }

func (c *CachedAggregator) lookup(ctx context.Context, key string) *Snapshot {
	var raw []byte
	err := c.breaker.Execute(CacheBreakerKey, func() error {
		var err error
		raw, err = c.cache.Get(ctx, key)
		return err
	}, isMiss)
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.SnapshotCacheTotal.WithLabelValues("bypass").Inc()
		return nil
	case isMiss(err):
		metrics.SnapshotCacheTotal.WithLabelValues("miss").Inc()
		return nil
	case err != nil:
		metrics.SnapshotCacheTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Warn("snapshot cache read failed", "key", key, "error", err)
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		metrics.SnapshotCacheTotal.WithLabelValues("error").Inc()
		return nil
	}
	metrics.SnapshotCacheTotal.WithLabelValues("hit").Inc()
	return &snap
}

func (c *CachedAggregator) store(ctx context.Context, key string, snap *Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	err = c.breaker.Execute(CacheBreakerKey, func() error {
		return c.cache.Set(ctx, key, raw, c.ttl)
	})
	if err != nil && !errors.Is(err, circuitbreaker.ErrOpen) {
		logging.L(ctx).Warn("snapshot cache write failed", "key", key, "error", err)
	}
}

// Snapshot returns a cached snapshot or computes and caches a fresh one.
func (c *CachedAggregator) Snapshot(ctx context.Context, req Request) (*Snapshot, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := CacheKey(req)
	if snap := c.lookup(ctx, key); snap != nil {
		return snap, nil
	}

	unlock, err := c.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another request may have filled the key while we waited.
	if snap := c.lookup(ctx, key); snap != nil {
		return snap, nil
	}
	snap, err := c.inner.Snapshot(ctx, req)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, snap)
	return snap, nil
}

var _ Reader = (*CachedAggregator)(nil)
