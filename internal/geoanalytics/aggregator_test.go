package geoanalytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/scanguard/internal/scans"
)

var now = time.Date(2026, 6, 15, 18, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64 { return &v }

func loc(city, region, country string, lat, lon float64) *scans.Location {
	return &scans.Location{City: city, Region: region, Country: country, Latitude: f64(lat), Longitude: f64(lon)}
}

func seededStore(t *testing.T) *scans.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := scans.NewMemoryStore().WithClock(func() time.Time { return now })
	require.NoError(t, store.CreateCode(ctx, &scans.QRCode{QRKey: "code-a", BatchCode: "B-200", AccountID: "acct_1", ProductID: i64(1)}))
	require.NoError(t, store.CreateCode(ctx, &scans.QRCode{QRKey: "code-b", BatchCode: "B-100", AccountID: "acct_1", ProductID: i64(2)}))
	require.NoError(t, store.CreateCode(ctx, &scans.QRCode{QRKey: "code-c", BatchCode: "B-300", AccountID: "acct_1", ProductID: i64(1)}))
	require.NoError(t, store.CreateCode(ctx, &scans.QRCode{QRKey: "code-x", BatchCode: "X", AccountID: "acct_2"}))

	rec := func(key string, ago time.Duration, l *scans.Location) {
		require.NoError(t, store.RecordScan(ctx, &scans.ScanEvent{QRKey: key, IPAddress: "ip", OccurredAt: now.Add(-ago), Location: l}))
	}
	denver := func() *scans.Location { return loc("Denver", "CO", "US", 39.7, -105.0) }
	denver2 := func() *scans.Location { return loc("Denver", "CO", "US", 39.9, -105.2) }
	boulder := func() *scans.Location { return loc("Boulder", "CO", "US", 40.0, -105.3) }
	toronto := func() *scans.Location { return loc("Toronto", "ON", "CA", 43.7, -79.4) }

	rec("code-a", 1*time.Hour, denver())
	rec("code-a", 26*time.Hour, denver2())
	rec("code-b", 2*time.Hour, denver())
	rec("code-a", 3*time.Hour, boulder())
	rec("code-b", 4*time.Hour, toronto())
	rec("code-b", 5*time.Hour, toronto())
	// Unlocated, outside the 30-day window, and another account's scan.
	rec("code-a", 6*time.Hour, nil)
	rec("code-c", 40*24*time.Hour, toronto())
	rec("code-x", 1*time.Hour, loc("Paris", "IDF", "FR", 48.8, 2.3))
	return store
}

func TestSnapshot(t *testing.T) {
	agg := NewAggregator(seededStore(t)).WithClock(func() time.Time { return now })
	snap, err := agg.Snapshot(context.Background(), Request{AccountID: "acct_1", WindowDays: 30})
	require.NoError(t, err)

	assert.Equal(t, Summary{CountriesReached: 2, TotalLocations: 3, TotalScans: 7}, snap.Summary)

	require.Len(t, snap.HeatMap, 3)
	assert.Equal(t, "Denver", snap.HeatMap[0].City)
	assert.Equal(t, 3, snap.HeatMap[0].ScanCount)
	assert.Equal(t, 2, snap.HeatMap[0].UniqueCodes)
	assert.Equal(t, now.Add(-time.Hour), snap.HeatMap[0].LastScan)
	require.NotNil(t, snap.HeatMap[0].Latitude)
	assert.InDelta(t, (39.7+39.9+39.7)/3, *snap.HeatMap[0].Latitude, 1e-9)
	// Toronto and Boulder both have 2 and 1 scans; Toronto wins on count.
	assert.Equal(t, "Toronto", snap.HeatMap[1].City)
	assert.Equal(t, "Boulder", snap.HeatMap[2].City)

	require.Len(t, snap.CountryDistribution, 2)
	assert.Equal(t, CountryStat{Country: "US", ScanCount: 4, UniqueCodes: 2, ActiveDays: 2}, snap.CountryDistribution[0])
	assert.Equal(t, CountryStat{Country: "CA", ScanCount: 2, UniqueCodes: 1, ActiveDays: 1}, snap.CountryDistribution[1])

	require.Len(t, snap.DistributionTracking, 2)
	a := snap.DistributionTracking[0]
	assert.Equal(t, "code-a", a.QRKey)
	assert.Equal(t, 2, a.UniqueLocations) // Denver, Boulder; the unlocated scan adds none
	assert.Equal(t, 4, a.TotalScans)
	assert.Equal(t, now.Add(-26*time.Hour), a.FirstScan)
	assert.Equal(t, now.Add(-time.Hour), a.LastScan)
	b := snap.DistributionTracking[1]
	assert.Equal(t, "code-b", b.QRKey)
	assert.Equal(t, 2, b.UniqueLocations)
	assert.Equal(t, 3, b.TotalScans)

	require.Len(t, snap.MarketPenetration, 2)
	assert.Equal(t, RegionStat{Region: "CO", Country: "US", ScanCount: 4, UniqueCodes: 2, EngagementRatio: 2}, snap.MarketPenetration[0])
	assert.Equal(t, RegionStat{Region: "ON", Country: "CA", ScanCount: 2, UniqueCodes: 1, EngagementRatio: 2}, snap.MarketPenetration[1])
}

func TestSnapshot_BlankPlaceNamesGroupAsUnknown(t *testing.T) {
	ctx := context.Background()
	store := scans.NewMemoryStore().WithClock(func() time.Time { return now })
	require.NoError(t, store.CreateCode(ctx, &scans.QRCode{QRKey: "code-u", BatchCode: "U", AccountID: "acct_u"}))
	for _, l := range []*scans.Location{loc("", "", "", 10, 20), loc("", "", "", 11, 21), loc("Lyon", "", "FR", 45.7, 4.8)} {
		require.NoError(t, store.RecordScan(ctx, &scans.ScanEvent{QRKey: "code-u", IPAddress: "ip", OccurredAt: now.Add(-time.Hour), Location: l}))
	}

	agg := NewAggregator(store).WithClock(func() time.Time { return now })
	snap, err := agg.Snapshot(ctx, Request{AccountID: "acct_u", WindowDays: 30})
	require.NoError(t, err)

	require.Len(t, snap.HeatMap, 2)
	assert.Equal(t, UnknownLabel, snap.HeatMap[0].City)
	assert.Equal(t, UnknownLabel, snap.HeatMap[0].Region)
	assert.Equal(t, UnknownLabel, snap.HeatMap[0].Country)
	assert.Equal(t, 2, snap.HeatMap[0].ScanCount)
	assert.Equal(t, "Lyon", snap.HeatMap[1].City)
	assert.Equal(t, UnknownLabel, snap.HeatMap[1].Region)

	require.Len(t, snap.MarketPenetration, 2)
	assert.Equal(t, RegionStat{Region: UnknownLabel, Country: UnknownLabel, ScanCount: 2, UniqueCodes: 1, EngagementRatio: 2}, snap.MarketPenetration[0])
	assert.Equal(t, RegionStat{Region: UnknownLabel, Country: "FR", ScanCount: 1, UniqueCodes: 1, EngagementRatio: 1}, snap.MarketPenetration[1])

	require.Len(t, snap.CountryDistribution, 1)
	assert.Equal(t, "FR", snap.CountryDistribution[0].Country)
	assert.Equal(t, 1, snap.Summary.CountriesReached)
}

func TestSnapshot_ProductFilterAndWindow(t *testing.T) {
	agg := NewAggregator(seededStore(t)).WithClock(func() time.Time { return now })
	ctx := context.Background()

	snap, err := agg.Snapshot(ctx, Request{AccountID: "acct_1", ProductID: i64(2), WindowDays: 30})
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Summary.TotalScans)

	snap, err = agg.Snapshot(ctx, Request{AccountID: "acct_1", WindowDays: 1})
	require.NoError(t, err)
	assert.Equal(t, 6, snap.Summary.TotalScans)

	snap, err = agg.Snapshot(ctx, Request{AccountID: "acct_1", ProductID: i64(1), WindowDays: 365})
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Summary.TotalScans)
}

func TestSnapshot_EmptyIsZeroNotError(t *testing.T) {
	agg := NewAggregator(scans.NewMemoryStore()).WithClock(func() time.Time { return now })
	snap, err := agg.Snapshot(context.Background(), Request{AccountID: "nobody", WindowDays: 30})
	require.NoError(t, err)
	assert.Equal(t, Summary{}, snap.Summary)
	assert.NotNil(t, snap.HeatMap)
	assert.Empty(t, snap.HeatMap)
	assert.NotNil(t, snap.CountryDistribution)
	assert.NotNil(t, snap.DistributionTracking)
	assert.NotNil(t, snap.MarketPenetration)
}

func TestRequestValidation(t *testing.T) {
	agg := NewAggregator(scans.NewMemoryStore())
	ctx := context.Background()
	for _, req := range []Request{
		{AccountID: "", WindowDays: 30},
		{AccountID: "a", WindowDays: 0},
		{AccountID: "a", WindowDays: 366},
		{AccountID: "a", WindowDays: 30, ProductID: i64(0)},
	} {
		_, err := agg.HeatMap(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidFilter, "%+v", req)
	}
}

func TestIndividualViewsMatchSnapshot(t *testing.T) {
	agg := NewAggregator(seededStore(t)).WithClock(func() time.Time { return now })
	ctx := context.Background()
	req := Request{AccountID: "acct_1", WindowDays: 30}

	snap, err := agg.Snapshot(ctx, req)
	require.NoError(t, err)

	hm, err := agg.HeatMap(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, snap.HeatMap, hm)
	cd, err := agg.CountryDistribution(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, snap.CountryDistribution, cd)
	dt, err := agg.DistributionTracking(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, snap.DistributionTracking, dt)
	mp, err := agg.MarketPenetration(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, snap.MarketPenetration, mp)
}

func TestHeatMapTieBreaks(t *testing.T) {
	ctx := context.Background()
	store := scans.NewMemoryStore()
	require.NoError(t, store.CreateCode(ctx, &scans.QRCode{QRKey: "code-a", AccountID: "acct_1"}))
	for _, s := range []struct {
		city string
		ago  time.Duration
	}{{"Zurich", time.Hour}, {"Athens", 2 * time.Hour}, {"Berlin", time.Hour}} {
		require.NoError(t, store.RecordScan(ctx, &scans.ScanEvent{QRKey: "code-a", OccurredAt: now.Add(-s.ago),
			Location: &scans.Location{City: s.city, Country: "EU"}}))
	}
	hm, err := NewAggregator(store).WithClock(func() time.Time { return now }).HeatMap(ctx, Request{AccountID: "acct_1", WindowDays: 7})
	require.NoError(t, err)
	require.Len(t, hm, 3)
	// Equal counts: most recent first, then location key.
	assert.Equal(t, []string{"Berlin", "Zurich", "Athens"}, []string{hm[0].City, hm[1].City, hm[2].City})
	assert.Nil(t, hm[0].Latitude)
}

func TestEngagementRatio(t *testing.T) {
	assert.Equal(t, 0.0, EngagementRatio(10, 0))
	assert.Equal(t, 0.0, EngagementRatio(0, 0))
	assert.Equal(t, 3.33, EngagementRatio(10, 3))
	assert.Equal(t, 1.0, EngagementRatio(4, 4))
	for n := 0; n < 50; n++ {
		for codes := 0; codes <= n; codes++ {
			r := EngagementRatio(n, codes)
			assert.GreaterOrEqual(t, r, 0.0)
			assert.Equal(t, codes == 0, r == 0, "scans=%d codes=%d", n, codes)
		}
	}
}

func TestMaxRowsAndCancellation(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	_, err := NewAggregator(store).WithClock(func() time.Time { return now }).WithMaxRows(3).
		Snapshot(ctx, Request{AccountID: "acct_1", WindowDays: 30})
	assert.True(t, errors.Is(err, ErrTooManyRows))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewAggregator(store).WithClock(func() time.Time { return now }).
		Snapshot(cctx, Request{AccountID: "acct_1", WindowDays: 30})
	assert.ErrorIs(t, err, context.Canceled)
}
