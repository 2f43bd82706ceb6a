package alerts

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mbd888/scanguard/internal/risk"
)

// MemoryStore is an in-memory alert store for development and testing.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts []*SecurityAlert
}

// NewMemoryStore creates a new in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(ctx context.Context, alert *SecurityAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert.clone())
	return nil
}

func (m *MemoryStore) matching(f Filter) []*SecurityAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SecurityAlert
	for _, a := range m.alerts {
		if f.matches(a) {
			out = append(out, a.clone())
		}
	}
	return out
}

func (m *MemoryStore) List(ctx context.Context, f Filter, offset, limit int) ([]*SecurityAlert, int, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}
	all := m.matching(f)
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	total := len(all)
	if offset < 0 || offset >= total {
		return []*SecurityAlert{}, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *MemoryStore) CountBySeverity(ctx context.Context, f Filter) (map[risk.Severity]int, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	counts := emptySeverityCounts()
	for _, a := range m.matching(f) {
		counts[a.Severity]++
	}
	return counts, nil
}

func (m *MemoryStore) LocationRisk(ctx context.Context, f Filter, limit int) ([]LocationRisk, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	type acc struct {
		row      LocationRisk
		scoreSum int
		maxRank  int
	}
	groups := make(map[string]*acc)
	for _, a := range m.matching(f) {
		loc := a.Location
		if loc == "" {
			loc = UnknownLocation
		}
		g, ok := groups[loc]
		if !ok {
			g = &acc{row: LocationRisk{Location: loc}}
			groups[loc] = g
		}
		g.row.AlertCount++
		g.scoreSum += a.SecurityScore
		switch a.Severity {
		case risk.SeverityCritical:
			g.row.Critical++
		case risk.SeverityHigh:
			g.row.High++
		case risk.SeverityMedium:
			g.row.Medium++
		case risk.SeverityLow:
			g.row.Low++
		}
		if r := a.Severity.Rank(); r > g.maxRank {
			g.maxRank = r
		}
	}

	rows := make([]LocationRisk, 0, len(groups))
	for _, g := range groups {
		g.row.MaxSeverity = severityForRank(g.maxRank)
		g.row.AvgScore = math.Round(float64(g.scoreSum)/float64(g.row.AlertCount)*10) / 10
		rows = append(rows, g.row)
	}
	sortLocationRisk(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func sortLocationRisk(rows []LocationRisk) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].AlertCount != rows[j].AlertCount {
			return rows[i].AlertCount > rows[j].AlertCount
		}
		if ri, rj := rows[i].MaxSeverity.Rank(), rows[j].MaxSeverity.Rank(); ri != rj {
			return ri > rj
		}
		return rows[i].Location < rows[j].Location
	})
}

var _ Store = (*MemoryStore)(nil)
