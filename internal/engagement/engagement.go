// Package engagement computes per-code and per-account usage figures:
// unique scanners, scans per scanner and activation rate.
package engagement

import (
	"context"
	"math"

	"github.com/mbd888/scanguard/internal/pagination"
	"github.com/mbd888/scanguard/internal/scans"
)

// Source is the subset of scans.Store engagement reads.
type Source interface {
	GetCode(ctx context.Context, qrKey string) (*scans.QRCode, error)
	ListCodes(ctx context.Context, q scans.CodeQuery) ([]*scans.QRCode, int, error)
	CodeStats(ctx context.Context, accountID string, productID *int64) (*scans.CodeStats, error)
	DistinctScanners(ctx context.Context, qrKey string) (int, error)
}

// CodeEngagement is the usage of one code.
type CodeEngagement struct {
	QRKey              string  `json:"qrKey"`
	BatchCode          string  `json:"batchCode"`
	ProductID          *int64  `json:"productId,omitempty"`
	ScanCount          int64   `json:"scanCount"`
	UniqueScanners     int     `json:"uniqueScanners"`
	AvgScansPerScanner float64 `json:"avgScansPerScanner"`
}

// Summary is an account's headline usage.
type Summary struct {
	TotalCodes      int     `json:"totalCodes"`
	TotalScans      int64   `json:"totalScans"`
	ScannedCodes    int     `json:"scannedCodes"`
	AvgScansPerCode float64 `json:"avgScansPerCode"`
	ActivationRate  float64 `json:"activationRate"`
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// ScansPerScanner divides scans by scanners, rounded to one decimal; 0 when
// there are no scanners.
func ScansPerScanner(scanCount int64, scanners int) float64 {
	if scanners == 0 {
		return 0
	}
	return round1(float64(scanCount) / float64(scanners))
}

// Service computes engagement from the scan store.
type Service struct {
	source Source
}

// NewService creates an engagement service.
func NewService(source Source) *Service {
	return &Service{source: source}
}

// UniqueScanners returns the number of distinct scanner addresses for a code.
func (s *Service) UniqueScanners(ctx context.Context, qrKey string) (int, error) {
	return s.source.DistinctScanners(ctx, qrKey)
}

// AvgScansPerScanner returns scan count over unique scanners.
func (s *Service) AvgScansPerScanner(ctx context.Context, qrKey string) (float64, error) {
	e, err := s.CodeEngagement(ctx, qrKey)
	if err != nil {
		return 0, err
	}
	return e.AvgScansPerScanner, nil
}

// CodeEngagement returns the full usage record of one code.
func (s *Service) CodeEngagement(ctx context.Context, qrKey string) (*CodeEngagement, error) {
	code, err := s.source.GetCode(ctx, qrKey)
	if err != nil {
		return nil, err
	}
	return s.forCode(ctx, code)
}

func (s *Service) forCode(ctx context.Context, code *scans.QRCode) (*CodeEngagement, error) {
	scanners, err := s.source.DistinctScanners(ctx, code.QRKey)
	if err != nil {
		return nil, err
	}
	return &CodeEngagement{
		QRKey:              code.QRKey,
		BatchCode:          code.BatchCode,
		ProductID:          code.ProductID,
		ScanCount:          code.ScanCount,
		UniqueScanners:     scanners,
		AvgScansPerScanner: ScansPerScanner(code.ScanCount, scanners),
	}, nil
}

// AccountSummary returns totals across an account's codes.
func (s *Service) AccountSummary(ctx context.Context, accountID string, productID *int64) (*Summary, error) {
	if err := (scans.CodeQuery{AccountID: accountID, ProductID: productID}).Validate(); err != nil {
		return nil, err
	}
	stats, err := s.source.CodeStats(ctx, accountID, productID)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		TotalCodes:   stats.TotalCodes,
		TotalScans:   stats.TotalScans,
		ScannedCodes: stats.ScannedCodes,
	}
	if stats.TotalCodes > 0 {
		sum.AvgScansPerCode = round1(float64(stats.TotalScans) / float64(stats.TotalCodes))
		sum.ActivationRate = round1(float64(stats.ScannedCodes) / float64(stats.TotalCodes) * 100)
	}
	return sum, nil
}

// ListCodes returns one page of an account's codes with their engagement,
// newest first. pageSize defaults to 20 and is clamped to [1, 100].
func (s *Service) ListCodes(ctx context.Context, accountID string, productID *int64, page, pageSize int) (pagination.Result[*CodeEngagement], error) {
	p := pagination.Normalize(page, pageSize, pagination.DefaultCodePageSize)
	codes, total, err := s.source.ListCodes(ctx, scans.CodeQuery{
		AccountID: accountID, ProductID: productID, Offset: p.Offset(), Limit: p.Limit(),
	})
	if err != nil {
		return pagination.Result[*CodeEngagement]{}, err
	}
	items := make([]*CodeEngagement, 0, len(codes))
	for _, c := range codes {
		e, err := s.forCode(ctx, c)
		if err != nil {
			return pagination.Result[*CodeEngagement]{}, err
		}
		items = append(items, e)
	}
	return pagination.NewResult(items, total, p), nil
}
