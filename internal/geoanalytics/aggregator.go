package geoanalytics

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/scanguard/internal/scans"
)

// Aggregator computes geographic views directly from the scan store.
type Aggregator struct {
	source  Source
	now     func() time.Time
	maxRows int
}

// NewAggregator creates an aggregator over source.
func NewAggregator(source Source) *Aggregator {
	return &Aggregator{source: source, now: time.Now, maxRows: DefaultMaxRows}
}

// WithClock overrides the clock that anchors the window.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// WithMaxRows overrides the per-pass row limit.
func (a *Aggregator) WithMaxRows(n int) *Aggregator {
	a.maxRows = n
	return a
}

type locationAcc struct {
	loc      scans.Location
	scans    int
	codes    map[string]struct{}
	last     time.Time
	latSum   float64
	lonSum   float64
	coordCnt int
}

type countryAcc struct {
	scans int
	codes map[string]struct{}
	days  map[string]struct{}
}

type codeAcc struct {
	batch     string
	locations map[string]struct{}
	scans     int
	first     time.Time
	last      time.Time
}

type regionKey struct{ region, country string }

type regionAcc struct {
	scans int
	codes map[string]struct{}
}

// pass holds the accumulators of one streamed read.
type pass struct {
	locations map[string]*locationAcc
	countries map[string]*countryAcc
	codes     map[string]*codeAcc
	regions   map[regionKey]*regionAcc
	total     int
}

func newPass() *pass {
	return &pass{
		locations: make(map[string]*locationAcc),
		countries: make(map[string]*countryAcc),
		codes:     make(map[string]*codeAcc),
		regions:   make(map[regionKey]*regionAcc),
	}
}

func (p *pass) add(ev *scans.ScanEvent, code *scans.QRCode) {
	p.total++
	at := ev.OccurredAt.UTC()

	c, ok := p.codes[ev.QRKey]
	if !ok {
		c = &codeAcc{batch: code.BatchCode, locations: make(map[string]struct{}), first: at, last: at}
		p.codes[ev.QRKey] = c
	}
	c.scans++
	if at.Before(c.first) {
		c.first = at
	}
	if at.After(c.last) {
		c.last = at
	}

	loc := ev.Location
	if loc == nil {
		return
	}
	named := scans.Location{City: orUnknown(loc.City), Region: orUnknown(loc.Region), Country: orUnknown(loc.Country)}
	key := named.Key()
	c.locations[key] = struct{}{}

	l, ok := p.locations[key]
	if !ok {
		l = &locationAcc{
			loc:   named,
			codes: make(map[string]struct{}),
		}
		p.locations[key] = l
	}
	l.scans++
	l.codes[ev.QRKey] = struct{}{}
	if at.After(l.last) {
		l.last = at
	}
	if loc.HasCoordinates() {
		l.latSum += *loc.Latitude
		l.lonSum += *loc.Longitude
		l.coordCnt++
	}

	if loc.Country != "" {
		ct, ok := p.countries[loc.Country]
		if !ok {
			ct = &countryAcc{codes: make(map[string]struct{}), days: make(map[string]struct{})}
			p.countries[loc.Country] = ct
		}
		ct.scans++
		ct.codes[ev.QRKey] = struct{}{}
		ct.days[at.Format("2006-01-02")] = struct{}{}
	}

	rk := regionKey{region: named.Region, country: named.Country}
	r, ok := p.regions[rk]
	if !ok {
		r = &regionAcc{codes: make(map[string]struct{})}
		p.regions[rk] = r
	}
	r.scans++
	r.codes[ev.QRKey] = struct{}{}
}

// collect runs one pass over the request's scans.
func (a *Aggregator) collect(ctx context.Context, req Request) (*pass, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p := newPass()
	err := a.source.EachScan(ctx, req.query(a.now()), func(ev *scans.ScanEvent, code *scans.QRCode) error {
		if a.maxRows > 0 && p.total >= a.maxRows {
			return ErrTooManyRows
		}
		p.add(ev, code)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *pass) heatMap() []Point {
	out := make([]Point, 0, len(p.locations))
	for _, l := range p.locations {
		pt := Point{
			City: l.loc.City, Region: l.loc.Region, Country: l.loc.Country,
			ScanCount: l.scans, UniqueCodes: len(l.codes), LastScan: l.last,
		}
		if l.coordCnt > 0 {
			lat := l.latSum / float64(l.coordCnt)
			lon := l.lonSum / float64(l.coordCnt)
			pt.Latitude, pt.Longitude = &lat, &lon
		}
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScanCount != out[j].ScanCount {
			return out[i].ScanCount > out[j].ScanCount
		}
		if !out[i].LastScan.Equal(out[j].LastScan) {
			return out[i].LastScan.After(out[j].LastScan)
		}
		return pointKey(out[i]) < pointKey(out[j])
	})
	return out
}

func pointKey(p Point) string {
	return p.City + "|" + p.Region + "|" + p.Country
}

func (p *pass) countryDistribution() []CountryStat {
	out := make([]CountryStat, 0, len(p.countries))
	for country, c := range p.countries {
		out = append(out, CountryStat{
			Country: country, ScanCount: c.scans, UniqueCodes: len(c.codes), ActiveDays: len(c.days),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScanCount != out[j].ScanCount {
			return out[i].ScanCount > out[j].ScanCount
		}
		return out[i].Country < out[j].Country
	})
	return out
}

func (p *pass) distributionTracking() []CodeSpread {
	out := make([]CodeSpread, 0, len(p.codes))
	for key, c := range p.codes {
		out = append(out, CodeSpread{
			QRKey: key, BatchCode: c.batch, UniqueLocations: len(c.locations),
			TotalScans: c.scans, FirstScan: c.first, LastScan: c.last,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UniqueLocations != out[j].UniqueLocations {
			return out[i].UniqueLocations > out[j].UniqueLocations
		}
		if out[i].TotalScans != out[j].TotalScans {
			return out[i].TotalScans > out[j].TotalScans
		}
		if out[i].BatchCode != out[j].BatchCode {
			return out[i].BatchCode < out[j].BatchCode
		}
		return out[i].QRKey < out[j].QRKey
	})
	return out
}

// EngagementRatio is scans per unique code, rounded to two decimals; 0 when
// there are no codes.
func EngagementRatio(scanCount, uniqueCodes int) float64 {
	if uniqueCodes == 0 {
		return 0
	}
	return math.Round(float64(scanCount)/float64(uniqueCodes)*100) / 100
}

func (p *pass) marketPenetration() []RegionStat {
	out := make([]RegionStat, 0, len(p.regions))
	for k, r := range p.regions {
		out = append(out, RegionStat{
			Region: k.region, Country: k.country, ScanCount: r.scans, UniqueCodes: len(r.codes),
			EngagementRatio: EngagementRatio(r.scans, len(r.codes)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScanCount != out[j].ScanCount {
			return out[i].ScanCount > out[j].ScanCount
		}
		if out[i].EngagementRatio != out[j].EngagementRatio {
			return out[i].EngagementRatio > out[j].EngagementRatio
		}
		if out[i].Region != out[j].Region {
			return out[i].Region < out[j].Region
		}
		return out[i].Country < out[j].Country
	})
	return out
}

func (p *pass) summary() Summary {
	return Summary{
		CountriesReached: len(p.countries),
		TotalLocations:   len(p.locations),
		TotalScans:       p.total,
	}
}

// HeatMap returns located scans grouped by (city, region, country), busiest first.
func (a *Aggregator) HeatMap(ctx context.Context, req Request) ([]Point, error) {
	p, err := a.collect(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.heatMap(), nil
}

// CountryDistribution returns per-country scan counts.
func (a *Aggregator) CountryDistribution(ctx context.Context, req Request) ([]CountryStat, error) {
	p, err := a.collect(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.countryDistribution(), nil
}

// DistributionTracking returns how many locations each scanned code reached.
func (a *Aggregator) DistributionTracking(ctx context.Context, req Request) ([]CodeSpread, error) {
	p, err := a.collect(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.distributionTracking(), nil
}

// MarketPenetration returns per-region engagement.
func (a *Aggregator) MarketPenetration(ctx context.Context, req Request) ([]RegionStat, error) {
	p, err := a.collect(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.marketPenetration(), nil
}

// Snapshot computes every view from a single pass.
func (a *Aggregator) Snapshot(ctx context.Context, req Request) (*Snapshot, error) {
	p, err := a.collect(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		HeatMap:              p.heatMap(),
		CountryDistribution:  p.countryDistribution(),
		DistributionTracking: p.distributionTracking(),
		MarketPenetration:    p.marketPenetration(),
		Summary:              p.summary(),
		ComputedAt:           a.now().UTC(),
	}, nil
}

var _ Reader = (*Aggregator)(nil)

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return UnknownLabel
	}
	return s
}
