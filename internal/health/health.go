// Package health runs named dependency probes (database, snapshot cache,
// broker) for the /health endpoints.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single probe.
const DefaultCheckTimeout = 3 * time.Second

// Status is the outcome of one probe.
type Status struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	Detail    string  `json:"detail,omitempty"`
	Optional  bool    `json:"optional,omitempty"` // failure degrades but does not fail readiness
	LatencyMs float64 `json:"latencyMs"`
}

// Checker probes one dependency. Name may be left empty; the registry fills it.
type Checker func(ctx context.Context) Status

type probe struct {
	name     string
	check    Checker
	optional bool
}

// Registry is safe for concurrent Register and CheckAll.
type Registry struct {
	mu      sync.RWMutex
	probes  []probe
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout sets the per-probe deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a probe that must pass for the service to be ready.
func (r *Registry) Register(name string, check Checker) { r.add(probe{name, check, false}) }

// RegisterOptional adds a probe that is reported but never fails readiness.
func (r *Registry) RegisterOptional(name string, check Checker) { r.add(probe{name, check, true}) }

func (r *Registry) add(p probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes = append(r.probes, p)
}

// CheckAll runs every probe in parallel and returns the statuses in
// registration order. healthy is false if any required probe failed.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := append([]probe(nil), r.probes...)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			statuses[i] = r.run(ctx, p, timeout)
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		healthy = healthy && (st.Healthy || st.Optional)
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, p probe, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	st := p.check(ctx)
	st.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	if st.Name == "" {
		st.Name = p.name
	}
	st.Optional = p.optional
	return st
}

// PingChecker turns a ping func (sql.DB.PingContext, a redis ping) into a Checker.
func PingChecker(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}
