package risk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/scanguard/internal/metrics"
	"github.com/mbd888/scanguard/internal/scans"
)

func TestEvaluate_NothingFires(t *testing.T) {
	s := NewScorer(DefaultConfig(), nil)
	ev := cityOnly("cur", "ip", t0, "Austin")
	assert.Nil(t, s.Evaluate(Input{Event: ev}))
	assert.Nil(t, s.Evaluate(Input{}))

	var none *Assessment
	assert.Equal(t, []string{}, none.FlagNames())
}

func TestEvaluate_MaxSeverityWinsFlagsInRuleOrder(t *testing.T) {
	s := NewScorer(DefaultConfig(), nil).WithClock(func() time.Time { return t0 })
	prev := located("s1", "a", t0.Add(-10*time.Minute), "A", "US", 0, 0)
	ev := located("s2", "b", t0, "B", "BR", 0, 17.986)

	a := s.Evaluate(Input{
		Event:       ev,
		CodeHistory: []*scans.ScanEvent{prev, ev},
		Footprint:   map[string]int{"US": 1},
	})
	require.NotNil(t, a)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.Equal(t, FlagCounterfeitSuspected, a.AlertType)
	assert.Equal(t, 98, a.Score)
	assert.Equal(t, []string{"counterfeit_suspected", "geographic_anomaly"}, a.FlagNames())
	assert.Equal(t, t0, a.EvaluatedAt)
}

func TestEvaluate_TieGoesToEarlierRule(t *testing.T) {
	s := NewScorer(DefaultConfig(), nil)
	ev := &scans.ScanEvent{ID: "cur", IPAddress: "ip-0", OccurredAt: t0,
		Location: &scans.Location{City: "Austin", Country: "MX"}}
	var history []*scans.ScanEvent
	for i := 0; i < 20; i++ {
		history = append(history, cityOnly(fmt.Sprintf("h%d", i), "ip-0", t0.Add(-time.Duration(i+1)*time.Hour), "Austin"))
	}

	a := s.Evaluate(Input{Event: ev, CodeHistory: history, Footprint: map[string]int{"US": 60}})
	require.NotNil(t, a)
	assert.Equal(t, SeverityMedium, a.Severity)
	assert.Equal(t, FlagDuplicationSuspected, a.AlertType)
	assert.NotEqual(t, 50, a.Score)
	assert.Equal(t, []string{"duplication_suspected", "geographic_anomaly"}, a.FlagNames())
}

func TestEvaluate_MinAlertSeverity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinAlertSeverity = SeverityMedium
	s := NewScorer(cfg, nil)
	ev := located("cur", "ip", t0, "Osaka", "JP", 34.7, 135.5)

	assert.Nil(t, s.Evaluate(Input{Event: ev, Footprint: map[string]int{"US": 3}}))
	a := s.Evaluate(Input{Event: ev, Footprint: map[string]int{"US": 50}})
	require.NotNil(t, a)
	assert.Equal(t, SeverityMedium, a.Severity)
}

func newScoredStore(t *testing.T) *scans.MemoryStore {
	t.Helper()
	store := scans.NewMemoryStore().WithClock(func() time.Time { return t0 })
	require.NoError(t, store.CreateCode(context.Background(), &scans.QRCode{QRKey: "code-1", AccountID: "acct_1"}))
	return store
}

func record(t *testing.T, store *scans.MemoryStore, ev *scans.ScanEvent) *scans.ScanEvent {
	t.Helper()
	ev.ID = ""
	require.NoError(t, store.RecordScan(context.Background(), ev))
	return ev
}

func TestAssess_BenignTrafficProducesNoAlerts(t *testing.T) {
	ctx := context.Background()
	store := newScoredStore(t)
	s := NewScorer(DefaultConfig(), store).WithClock(func() time.Time { return t0 })
	code, err := store.GetCode(ctx, "code-1")
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		ev := record(t, store, &scans.ScanEvent{
			QRKey:      "code-1",
			IPAddress:  fmt.Sprintf("10.1.0.%d", i),
			OccurredAt: t0.Add(-time.Duration(25-i) * time.Hour),
			Location:   &scans.Location{City: fmt.Sprintf("City %d", i), Country: "US"},
		})
		assert.Nil(t, s.Assess(ctx, ev, code), "scan %d", i)
	}
}

func TestAssess_CounterfeitEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := newScoredStore(t)
	s := NewScorer(DefaultConfig(), store).WithClock(func() time.Time { return t0 })
	code, _ := store.GetCode(ctx, "code-1")

	first := record(t, store, located("", "a", t0.Add(-10*time.Minute), "Quito", "EC", 0, 0))
	assert.Nil(t, s.Assess(ctx, first, code))

	second := record(t, store, located("", "b", t0, "Far", "EC", 0, 17.986))
	a := s.Assess(ctx, second, code)
	require.NotNil(t, a)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.Equal(t, FlagCounterfeitSuspected, a.AlertType)
}

type failingHistory struct{}

func (failingHistory) ScanHistory(context.Context, string, time.Duration) ([]*scans.ScanEvent, error) {
	return nil, scans.ErrStoreUnavailable
}

func (failingHistory) ScansByIP(context.Context, string, time.Duration) ([]*scans.ScanEvent, error) {
	return []*scans.ScanEvent{}, nil
}

func (failingHistory) CountryFootprint(context.Context, string, string) (map[string]int, error) {
	return nil, errors.New("boom")
}

func TestAssess_DegradesOnHistoryFailure(t *testing.T) {
	before := testutil.ToFloat64(metrics.ScorerDegradedTotal)
	s := NewScorer(DefaultConfig(), failingHistory{})
	ev := located("s1", "ip", t0, "A", "US", 0, 0)

	a := s.Assess(context.Background(), ev, &scans.QRCode{QRKey: "code-1", AccountID: "acct_1"})
	assert.Nil(t, a)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ScorerDegradedTotal))
}

func TestWindowFor_LateEvents(t *testing.T) {
	s := NewScorer(DefaultConfig(), nil).WithClock(func() time.Time { return t0 })
	assert.Equal(t, time.Hour, s.windowFor(&scans.ScanEvent{OccurredAt: t0}, time.Hour))
	assert.Equal(t, 3*time.Hour, s.windowFor(&scans.ScanEvent{OccurredAt: t0.Add(-2 * time.Hour)}, time.Hour))
	assert.Equal(t, maxLookback, s.windowFor(&scans.ScanEvent{OccurredAt: t0.AddDate(-1, 0, 0)}, time.Hour))
	// Future-dated events still get the full span.
	assert.Equal(t, time.Hour, s.windowFor(&scans.ScanEvent{OccurredAt: t0.Add(time.Hour)}, time.Hour))
}
