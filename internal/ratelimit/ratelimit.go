// Package ratelimit throttles public scan ingestion per client IP. A local
// token bucket serves single instances; a Redis fixed window shares the
// budget across replicas and falls back to the local bucket when Redis fails.
package ratelimit

import (
	"context"
	"time"
)

// Config sets the per-key budget.
type Config struct {
	RequestsPerMinute int           // sustained rate
	BurstSize         int           // bucket capacity (local limiter only)
	CleanupInterval   time.Duration // how often idle local buckets are dropped
}

// DefaultConfig fits a shopper scanning a shelf: bursts of 20, two scans a
// second sustained.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 120, BurstSize: 20, CleanupInterval: time.Minute}
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // meaningful when !Allowed
}

// Backend spends one unit of key's budget.
type Backend interface {
	Take(ctx context.Context, key string) (Decision, error)
}

// retrySeconds rounds d up to whole seconds, minimum 1, for Retry-After.
func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	return max(secs, 1)
}
