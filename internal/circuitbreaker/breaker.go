// Package circuitbreaker isolates flaky dependencies (the snapshot cache,
// webhook endpoints) behind a per-key closed/open/half-open breaker.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is a circuit's position.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected until the cooldown passes
	StateHalfOpen              // a single probe is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scanguard",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

// ErrOpen is returned by Execute while the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps one circuit per key. A circuit opens after threshold
// consecutive failures, rejects calls for cooldown, then lets one probe
// through: success closes it, failure reopens it.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and 30s.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits exactly one caller.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit for key and clears its failures.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	b.move(key, c, StateClosed)
}

// RecordFailure counts a failure; the threshold-th consecutive failure, or
// any failed probe, opens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	}
}

// State returns the circuit state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Forget drops the circuit for key.
func (b *Breaker) Forget(key string) {
	b.mu.Lock()
	delete(b.circuits, key)
	b.mu.Unlock()
}

// Open returns the keys whose circuit is not closed.
func (b *Breaker) Open() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State)
	for k, c := range b.circuits {
		if c.state != StateClosed {
			out[k] = c.state
		}
	}
	return out
}

// move must be called with b.mu held.
func (b *Breaker) move(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	transitions.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}

// Execute runs fn when the circuit for key allows it and records the outcome.
// Errors matched by ignore count as successes (e.g. cache misses).
func (b *Breaker) Execute(key string, fn func() error, ignore ...func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err == nil {
		b.RecordSuccess(key)
		return nil
	}
	for _, ig := range ignore {
		if ig(err) {
			b.RecordSuccess(key)
			return err
		}
	}
	b.RecordFailure(key)
	return err
}
