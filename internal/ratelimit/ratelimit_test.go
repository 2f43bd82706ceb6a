package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, rpm, burst int) (*Limiter, *manualClock) {
	t.Helper()
	clk := &manualClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst}).WithClock(clk.Now)
	t.Cleanup(l.Stop)
	return l, clk
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clk := newLimiter(t, 60, 5)
	ip := "203.0.113.7"

	for i := range 5 {
		assert.True(t, l.Allow(ip), "request %d is within the burst", i)
	}
	d, err := l.Take(context.Background(), ip)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	clk.Advance(500 * time.Millisecond)
	assert.False(t, l.Allow(ip), "half a token is not enough")
	clk.Advance(500 * time.Millisecond)
	assert.True(t, l.Allow(ip))
}

func TestLimiter_RefillCapsAtBurst(t *testing.T) {
	l, clk := newLimiter(t, 600, 3)
	for range 3 {
		l.Allow("k")
	}
	clk.Advance(time.Hour)
	allowed := 0
	for range 10 {
		if l.Allow("k") {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestLimiter_KeysIndependent(t *testing.T) {
	l, _ := newLimiter(t, 60, 1)
	assert.True(t, l.Allow("198.51.100.1"))
	assert.False(t, l.Allow("198.51.100.1"))
	assert.True(t, l.Allow("198.51.100.2"))
}

func TestLimiter_SweepForgetsIdleBuckets(t *testing.T) {
	l, clk := newLimiter(t, 60, 10)
	l.Allow("idle")
	clk.Advance(5 * time.Second)
	l.Allow("busy")

	clk.Advance(70 * time.Second)
	l.sweep()
	assert.Equal(t, 1, l.size(), "only the idle bucket is dropped")

	clk.Advance(time.Hour)
	l.sweep()
	assert.Zero(t, l.size())
}

func TestRetrySeconds(t *testing.T) {
	assert.Equal(t, 1, retrySeconds(0))
	assert.Equal(t, 1, retrySeconds(300*time.Millisecond))
	assert.Equal(t, 2, retrySeconds(1500*time.Millisecond))
	assert.Equal(t, 60, retrySeconds(time.Minute))
}

func router(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v1/scans", mw, func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return r
}

func post(r *gin.Engine) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/scans", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_RejectsWithRetryAfter(t *testing.T) {
	l, _ := newLimiter(t, 30, 2)
	r := router(l.Middleware())

	assert.Equal(t, http.StatusAccepted, post(r).Code)
	assert.Equal(t, http.StatusAccepted, post(r).Code)

	w := post(r)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate_limit_exceeded","message":"Too many scans from this address. Please slow down.","retryAfter":2}`, w.Body.String())
}

type brokenBackend struct{}

func (brokenBackend) Take(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}

func TestMiddleware_FallsBackWhenPrimaryFails(t *testing.T) {
	local, _ := newLimiter(t, 60, 1)
	r := router(Middleware(brokenBackend{}, local))

	assert.Equal(t, http.StatusAccepted, post(r).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(r).Code)
}

func TestMiddleware_FailsOpenWithoutFallback(t *testing.T) {
	r := router(Middleware(brokenBackend{}, nil))
	for range 3 {
		assert.Equal(t, http.StatusAccepted, post(r).Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 120, cfg.RequestsPerMinute)
	assert.Equal(t, 20, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
}
