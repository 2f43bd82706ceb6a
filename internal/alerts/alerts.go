// Package alerts persists security alerts produced by the risk scorer and
// serves them back to account dashboards.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/scanguard/internal/risk"
	"github.com/mbd888/scanguard/internal/scans"
)

var (
	ErrAlertNotFound = errors.New("alerts: not found")
	// ErrInvalidFilter is shared with scans so callers map one sentinel.
	ErrInvalidFilter = scans.ErrInvalidFilter
)

// UnknownLocation labels alerts whose scan had no location.
const UnknownLocation = "Unknown"

// SecurityAlert is an immutable record of a flagged scan.
type SecurityAlert struct {
	ID            string            `json:"id"`
	QRKey         string            `json:"qrKey"`
	ScanID        string            `json:"scanId"`
	AccountID     string            `json:"accountId"`
	ProductID     *int64            `json:"productId,omitempty"`
	AlertType     risk.FlagType     `json:"alertType"`
	Severity      risk.Severity     `json:"severity"`
	SecurityScore int               `json:"securityScore"`
	Location      string            `json:"location"`
	Flags         []risk.FlagDetail `json:"flags"`
	CreatedAt     time.Time         `json:"createdAt"`
}

func (a *SecurityAlert) clone() *SecurityAlert {
	cp := *a
	if a.ProductID != nil {
		v := *a.ProductID
		cp.ProductID = &v
	}
	cp.Flags = append([]risk.FlagDetail(nil), a.Flags...)
	return &cp
}

// Filter scopes alert reads to one account.
type Filter struct {
	AccountID string
	ProductID *int64
	Since     *time.Time
}

// Validate checks the filter. Failures wrap ErrInvalidFilter.
func (f Filter) Validate() error {
	if strings.TrimSpace(f.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidFilter)
	}
	if f.ProductID != nil && *f.ProductID <= 0 {
		return fmt.Errorf("%w: product id must be positive", ErrInvalidFilter)
	}
	return nil
}

func (f Filter) matches(a *SecurityAlert) bool {
	if a.AccountID != f.AccountID {
		return false
	}
	if f.ProductID != nil && (a.ProductID == nil || *a.ProductID != *f.ProductID) {
		return false
	}
	if f.Since != nil && a.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// LocationRisk is one row of the dashboard's geographic risk table.
type LocationRisk struct {
	Location    string        `json:"location"`
	AlertCount  int           `json:"alertCount"`
	Critical    int           `json:"critical"`
	High        int           `json:"high"`
	Medium      int           `json:"medium"`
	Low         int           `json:"low"`
	MaxSeverity risk.Severity `json:"maxSeverity"`
	AvgScore    float64       `json:"avgScore"`
}

// DefaultLocationRiskLimit bounds the geographic risk table.
const DefaultLocationRiskLimit = 10

// Store persists alerts.
type Store interface {
	Create(ctx context.Context, alert *SecurityAlert) error
	// List returns alerts newest first (created_at DESC, id DESC) and the
	// total matching count.
	List(ctx context.Context, f Filter, offset, limit int) ([]*SecurityAlert, int, error)
	CountBySeverity(ctx context.Context, f Filter) (map[risk.Severity]int, error)
	LocationRisk(ctx context.Context, f Filter, limit int) ([]LocationRisk, error)
}

// emptySeverityCounts returns a map with every severity present at zero.
func emptySeverityCounts() map[risk.Severity]int {
	m := make(map[risk.Severity]int, len(risk.Severities))
	for _, s := range risk.Severities {
		m[s] = 0
	}
	return m
}

func severityForRank(rank int) risk.Severity {
	for _, s := range risk.Severities {
		if s.Rank() == rank {
			return s
		}
	}
	return ""
}
