// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"context"

	"github.com/spaolacci/murmur3"
)

// DefaultStripes is the stripe count used by NewStriped when n is not positive.
const DefaultStripes = 256

// Striped serialises work per key over a fixed set of lock stripes. Keys are
// hashed with murmur3, so memory stays constant however many keys appear and
// unrelated keys may occasionally share a stripe.
type Striped struct {
	stripes []chan struct{}
}

// NewStriped allocates n stripes.
func NewStriped(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	s := &Striped{stripes: make([]chan struct{}, n)}
	for i := range s.stripes {
		s.stripes[i] = make(chan struct{}, 1)
	}
	return s
}

// Lock waits for the stripe owning key. It returns a release func, or
// ctx.Err() if ctx ends first.
func (s *Striped) Lock(ctx context.Context, key string) (release func(), err error) {
	ch := s.stripes[Stripe(key, len(s.stripes))]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the stripe for key only if it is free.
func (s *Striped) TryLock(key string) (release func(), ok bool) {
	ch := s.stripes[Stripe(key, len(s.stripes))]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

// Stripe maps key onto [0, n).
func Stripe(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(murmur3.Sum32([]byte(key)) % uint32(n))
}
