// Package retry runs storage writes and outbound calls with exponential
// backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy configures a retry loop. The zero value makes a single attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // 0 = uncapped

	// Retryable classifies errors; nil retries everything not marked Permanent.
	Retryable func(error) bool

	// OnRetry runs before each backoff sleep with the 1-based attempt that failed.
	OnRetry func(attempt int, err error)
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Run returns the unwrapped err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// Backoff returns the sleep before the attempt following the n-th failure
// (n >= 1): BaseDelay doubled n-1 times, capped at MaxDelay, with +-25% jitter.
func (p Policy) Backoff(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}

// Run calls fn until it succeeds, fails with a non-retryable or permanent
// error, exhausts MaxAttempts, or ctx ends. It returns the last error seen,
// or ctx.Err() if cancelled while waiting.
func Run(ctx context.Context, p Policy, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)

	for n := 1; ; n++ {
		err := fn()
		switch {
		case err == nil:
			return nil
		case IsPermanent(err):
			var perm permanent
			errors.As(err, &perm)
			return perm.err
		case p.Retryable != nil && !p.Retryable(err):
			return err
		case n >= attempts:
			return err
		}

		if p.OnRetry != nil {
			p.OnRetry(n, err)
		}
		t := time.NewTimer(p.Backoff(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
