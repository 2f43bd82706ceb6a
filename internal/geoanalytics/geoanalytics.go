// Package geoanalytics rolls scans up into geographic views: heat map
// points, country distribution, per-code distribution spread and regional
// market penetration.
//
// Every view is computed at read time from a single streamed pass over the
// account's scans in the window. Scans without a location count toward the
// summary's TotalScans and a code's TotalScans but are left out of every
// location grouping. Located scans with a blank city, region or country are
// grouped under UnknownLabel for that field; the country distribution only
// lists known countries.
package geoanalytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/scanguard/internal/scans"
)

var (
	ErrTooManyRows = errors.New("geoanalytics: window exceeds row limit")
	// ErrInvalidFilter is shared with scans so callers map one sentinel.
	ErrInvalidFilter = scans.ErrInvalidFilter
)

// UnknownLabel names a blank city, region or country in groupings.
const UnknownLabel = "Unknown"

// DefaultMaxRows bounds a single aggregation pass.
const DefaultMaxRows = 500_000

// Point is one heat map location.
type Point struct {
	City        string    `json:"city"`
	Region      string    `json:"region"`
	Country     string    `json:"country"`
	ScanCount   int       `json:"scanCount"`
	UniqueCodes int       `json:"uniqueCodes"`
	LastScan    time.Time `json:"lastScan"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
}

// CountryStat is one row of the country distribution.
type CountryStat struct {
	Country     string `json:"country"`
	ScanCount   int    `json:"scanCount"`
	UniqueCodes int    `json:"uniqueCodes"`
	ActiveDays  int    `json:"activeDays"`
}

// CodeSpread shows how widely one code has travelled.
type CodeSpread struct {
	QRKey           string    `json:"qrKey"`
	BatchCode       string    `json:"batchCode"`
	UniqueLocations int       `json:"uniqueLocations"`
	TotalScans      int       `json:"totalScans"`
	FirstScan       time.Time `json:"firstScan"`
	LastScan        time.Time `json:"lastScan"`
}

// RegionStat is one row of the market penetration table.
type RegionStat struct {
	Region          string  `json:"region"`
	Country         string  `json:"country"`
	ScanCount       int     `json:"scanCount"`
	UniqueCodes     int     `json:"uniqueCodes"`
	EngagementRatio float64 `json:"engagementRatio"`
}

// Summary is the headline numbers of a geographic report.
type Summary struct {
	CountriesReached int `json:"countriesReached"`
	TotalLocations   int `json:"totalLocations"`
	TotalScans       int `json:"totalScans"`
}

// Snapshot bundles every view computed from one pass.
type Snapshot struct {
	HeatMap              []Point       `json:"heatMapData"`
	CountryDistribution  []CountryStat `json:"countryDistribution"`
	DistributionTracking []CodeSpread  `json:"distributionTracking"`
	MarketPenetration    []RegionStat  `json:"marketPenetration"`
	Summary              Summary       `json:"summaryStats"`
	ComputedAt           time.Time     `json:"computedAt"`
}

// Request selects the scans a report covers.
type Request struct {
	AccountID  string
	ProductID  *int64
	WindowDays int
}

// Validate checks the request. Failures wrap ErrInvalidFilter.
func (r Request) Validate() error {
	if r.WindowDays < 1 || r.WindowDays > scans.MaxWindowDays {
		return fmt.Errorf("%w: window days must be between 1 and %d", ErrInvalidFilter, scans.MaxWindowDays)
	}
	return r.query(time.Now()).Validate()
}

func (r Request) query(now time.Time) scans.Query {
	return scans.WindowQuery(r.AccountID, r.ProductID, r.WindowDays, now)
}

// Source streams scans for a query; scans.Store satisfies it.
type Source interface {
	EachScan(ctx context.Context, q scans.Query, fn func(*scans.ScanEvent, *scans.QRCode) error) error
}

// Reader is the aggregation surface shared by Aggregator and CachedAggregator.
type Reader interface {
	Snapshot(ctx context.Context, req Request) (*Snapshot, error)
}
