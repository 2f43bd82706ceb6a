package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/metrics"
)

// Middleware limits requests by client IP using the local bucket.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return Middleware(l, nil)
}

// Middleware limits requests by client IP using primary. When primary
// errors, fallback decides; with no fallback the request is let through.
func Middleware(primary, fallback Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ip := c.ClientIP()

		d, err := primary.Take(ctx, ip)
		if err != nil {
			logging.L(ctx).Warn("rate limit backend failed", "error", err)
			d = Decision{Allowed: true}
			if fallback != nil {
				if fd, ferr := fallback.Take(ctx, ip); ferr == nil {
					d = fd
				}
			}
		}
		if d.Allowed {
			c.Next()
			return
		}

		metrics.RateLimitedTotal.WithLabelValues(c.FullPath()).Inc()
		secs := retrySeconds(d.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "rate_limit_exceeded",
			"message":    "Too many scans from this address. Please slow down.",
			"retryAfter": secs,
		})
	}
}
