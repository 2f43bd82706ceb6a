package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter is an in-process token bucket per key.
type Limiter struct {
	cfg     Config
	perSec  float64
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

// New starts a limiter with a background sweeper; call Stop to end it.
func New(cfg Config) *Limiter {
	cfg.BurstSize = max(cfg.BurstSize, 1)
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		perSec:  float64(cfg.RequestsPerMinute) / 60,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// WithClock swaps the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

// Allow spends a token for key if one is available.
func (l *Limiter) Allow(key string) bool {
	d, _ := l.Take(context.Background(), key)
	return d.Allowed
}

// Take implements Backend. It never fails.
func (l *Limiter) Take(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	capacity := float64(l.cfg.BurstSize)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, seen: now}
		l.buckets[key] = b
	}
	b.tokens = min(capacity, b.tokens+now.Sub(b.seen).Seconds()*l.perSec)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: l.refill(1 - b.tokens)}, nil
}

// refill is the time needed to earn the given number of tokens.
func (l *Limiter) refill(tokens float64) time.Duration {
	if l.perSec <= 0 {
		return time.Minute
	}
	return time.Duration(tokens / l.perSec * float64(time.Second))
}

func (l *Limiter) sweepLoop() {
	t := time.NewTicker(l.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep forgets buckets that have been full for a while; they would be
// recreated full anyway.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	idle := l.refill(float64(l.cfg.BurstSize)) + time.Minute
	cutoff := l.now().Add(-idle)
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop ends the sweeper. Safe to call repeatedly.
func (l *Limiter) Stop() {
	l.stopped.Do(func() { close(l.stop) })
}

var _ Backend = (*Limiter)(nil)
