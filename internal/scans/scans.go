// Package scans is the system of record for QR codes and the scan events
// recorded against them.
//
// A code is registered once (CreateCode) and then accumulates scans through
// RecordScan. Each accepted scan increments the code's denormalised
// ScanCount by exactly one; scans for unregistered keys are rejected with
// ErrUnknownCode and leave no trace. Scans of different codes never contend
// on a shared lock.
//
// Readers (risk scoring, aggregation) get snapshots: history lookups return
// copies sorted by OccurredAt, and EachScan streams a validated Query so that
// aggregations never build ad hoc SQL.
package scans

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownCode      = errors.New("scans: unknown qr code")
	ErrCodeExists       = errors.New("scans: qr code already registered")
	ErrScanNotFound     = errors.New("scans: scan not found")
	ErrStoreUnavailable = errors.New("scans: store unavailable")
	ErrInvalidFilter    = errors.New("scans: invalid filter")
)

// Location is the coarse geolocation resolved for a scan.
type Location struct {
	City      string   `json:"city,omitempty"`
	Region    string   `json:"region,omitempty"`
	Country   string   `json:"country,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are known.
func (l *Location) HasCoordinates() bool {
	return l != nil && l.Latitude != nil && l.Longitude != nil
}

// Key identifies the (city, region, country) bucket used for grouping.
func (l *Location) Key() string {
	if l == nil {
		return ""
	}
	return l.City + "|" + l.Region + "|" + l.Country
}

// String renders "City, Region, Country", skipping empty parts.
func (l *Location) String() string {
	if l == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{l.City, l.Region, l.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func (l *Location) clone() *Location {
	if l == nil {
		return nil
	}
	cp := *l
	if l.Latitude != nil {
		v := *l.Latitude
		cp.Latitude = &v
	}
	if l.Longitude != nil {
		v := *l.Longitude
		cp.Longitude = &v
	}
	return &cp
}

// QRCode is a registered code attached to a product batch.
type QRCode struct {
	QRKey     string    `json:"qrKey"`
	BatchCode string    `json:"batchCode"`
	AccountID string    `json:"accountId"`
	ProductID *int64    `json:"productId,omitempty"`
	ScanCount int64     `json:"scanCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a deep copy.
func (c *QRCode) Clone() *QRCode {
	cp := *c
	if c.ProductID != nil {
		v := *c.ProductID
		cp.ProductID = &v
	}
	return &cp
}

// ScanEvent is one physical scan of a code. Events are immutable once
// recorded except for SecurityFlags, which the scoring path attaches.
type ScanEvent struct {
	ID            string    `json:"id"`
	QRKey         string    `json:"qrKey"`
	OccurredAt    time.Time `json:"occurredAt"`
	IPAddress     string    `json:"ipAddress"`
	Location      *Location `json:"location,omitempty"`
	SecurityFlags []string  `json:"securityFlags"`
	RecordedAt    time.Time `json:"recordedAt"`
}

// Clone returns a deep copy.
func (e *ScanEvent) Clone() *ScanEvent {
	cp := *e
	cp.Location = e.Location.clone()
	cp.SecurityFlags = append([]string(nil), e.SecurityFlags...)
	return &cp
}

// Country returns the event's country or "" when unknown.
func (e *ScanEvent) Country() string {
	if e.Location == nil {
		return ""
	}
	return e.Location.Country
}

// CodeStats summarises an account's codes.
type CodeStats struct {
	TotalCodes   int   `json:"totalCodes"`
	ScannedCodes int   `json:"scannedCodes"`
	TotalScans   int64 `json:"totalScans"`
}

// Query is the validated filter every aggregation read goes through.
type Query struct {
	AccountID string
	ProductID *int64
	QRKey     string
	Since     time.Time // inclusive; zero = unbounded
	Until     time.Time // exclusive; zero = unbounded
}

// MaxWindowDays bounds the reporting window.
const MaxWindowDays = 365

// WindowQuery builds a Query covering the trailing windowDays ending at now.
func WindowQuery(accountID string, productID *int64, windowDays int, now time.Time) Query {
	now = now.UTC()
	return Query{
		AccountID: accountID,
		ProductID: productID,
		Since:     now.AddDate(0, 0, -windowDays),
		Until:     now.Add(time.Nanosecond),
	}
}

// Validate checks the filter. Failures wrap ErrInvalidFilter.
func (q Query) Validate() error {
	if strings.TrimSpace(q.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidFilter)
	}
	if q.ProductID != nil && *q.ProductID <= 0 {
		return fmt.Errorf("%w: product id must be positive", ErrInvalidFilter)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && !q.Since.Before(q.Until) {
		return fmt.Errorf("%w: since must be before until", ErrInvalidFilter)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Sub(q.Since) > (MaxWindowDays+1)*24*time.Hour {
		return fmt.Errorf("%w: window exceeds %d days", ErrInvalidFilter, MaxWindowDays)
	}
	return nil
}

// Matches reports whether a scan of code falls inside the filter.
func (q Query) Matches(code *QRCode, ev *ScanEvent) bool {
	if code.AccountID != q.AccountID {
		return false
	}
	if q.ProductID != nil && (code.ProductID == nil || *code.ProductID != *q.ProductID) {
		return false
	}
	if q.QRKey != "" && ev.QRKey != q.QRKey {
		return false
	}
	if !q.Since.IsZero() && ev.OccurredAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !ev.OccurredAt.Before(q.Until) {
		return false
	}
	return true
}

// CodeQuery selects a page of an account's codes. Limit 0 returns all.
type CodeQuery struct {
	AccountID string
	ProductID *int64
	Offset    int
	Limit     int
}

// Validate checks the code filter. Failures wrap ErrInvalidFilter.
func (q CodeQuery) Validate() error {
	if strings.TrimSpace(q.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidFilter)
	}
	if q.ProductID != nil && *q.ProductID <= 0 {
		return fmt.Errorf("%w: product id must be positive", ErrInvalidFilter)
	}
	if q.Offset < 0 || q.Limit < 0 {
		return fmt.Errorf("%w: offset and limit must not be negative", ErrInvalidFilter)
	}
	return nil
}

// Store persists codes and scans.
type Store interface {
	CreateCode(ctx context.Context, code *QRCode) error
	GetCode(ctx context.Context, qrKey string) (*QRCode, error)
	ListCodes(ctx context.Context, q CodeQuery) ([]*QRCode, int, error)
	CodeStats(ctx context.Context, accountID string, productID *int64) (*CodeStats, error)

	// RecordScan appends ev and increments the code's ScanCount atomically.
	// It assigns ev.ID and ev.RecordedAt when unset. Recording an ID that is
	// already stored succeeds without counting it again, so callers may retry
	// a write whose outcome they never saw.
	RecordScan(ctx context.Context, ev *ScanEvent) error
	AttachFlags(ctx context.Context, scanID string, flags []string) error

	// ScanHistory returns the code's scans with OccurredAt inside the trailing
	// window, sorted ascending by OccurredAt.
	ScanHistory(ctx context.Context, qrKey string, window time.Duration) ([]*ScanEvent, error)
	ScansByIP(ctx context.Context, ip string, window time.Duration) ([]*ScanEvent, error)
	CountryFootprint(ctx context.Context, accountID, excludeScanID string) (map[string]int, error)
	DistinctScanners(ctx context.Context, qrKey string) (int, error)

	// EachScan streams scans matching q with their code. Order is unspecified.
	// Returning an error from fn stops iteration and is returned as-is.
	EachScan(ctx context.Context, q Query, fn func(*ScanEvent, *QRCode) error) error

	Ping(ctx context.Context) error
}
