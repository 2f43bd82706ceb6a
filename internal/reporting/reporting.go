// Package reporting is the caller-facing surface over scans, alerts,
// geographic aggregation and engagement. It validates requests, applies plan
// gating before any store access, and fans sub-queries out concurrently.
package reporting

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/scanguard/internal/alerts"
	"github.com/mbd888/scanguard/internal/engagement"
	"github.com/mbd888/scanguard/internal/geoanalytics"
	"github.com/mbd888/scanguard/internal/pagination"
	"github.com/mbd888/scanguard/internal/risk"
	"github.com/mbd888/scanguard/internal/scans"
)

var (
	ErrInvalidFilter = scans.ErrInvalidFilter
	ErrUnknownCode   = scans.ErrUnknownCode
)

// DefaultWindowDays applies when a request leaves WindowDays at zero.
const DefaultWindowDays = 30

// Report names, used for metrics, spans and logs.
const (
	ReportSecurity   = "security_dashboard"
	ReportGeographic = "geographic_analytics"
	ReportEngagement = "code_engagement"
	ReportSummary    = "account_summary"
	ReportCodes      = "code_list"
)

// Upgrade tells a locked caller which plan feature is missing.
type Upgrade struct {
	Feature string `json:"feature"`
	Message string `json:"message"`
}

var (
	securityUpgrade = &Upgrade{
		Feature: "security_analytics",
		Message: "Security analytics is available on the Starter plan and above.",
	}
	geographicUpgrade = &Upgrade{
		Feature: "geographic_analytics",
		Message: "Geographic analytics is available on the Growth plan and above.",
	}
)

// SecurityRequest selects a security dashboard.
type SecurityRequest struct {
	AccountID  string
	WindowDays int
	ProductID  *int64
	Page       int
	PageSize   int
}

// GeoRequest selects a geographic report.
type GeoRequest struct {
	AccountID  string
	WindowDays int
	ProductID  *int64
}

// CodesRequest selects a page of codes.
type CodesRequest struct {
	AccountID string
	ProductID *int64
	Page      int
	PageSize  int
}

// AlertView is an alert decorated for display.
type AlertView struct {
	*alerts.SecurityAlert
	ProductName string `json:"productName,omitempty"`
}

// CodeView is a code's engagement decorated for display.
type CodeView struct {
	*engagement.CodeEngagement
	ProductName string `json:"productName,omitempty"`
}

// SecurityDashboard is the security analytics report.
type SecurityDashboard struct {
	Locked         bool                           `json:"locked"`
	Upgrade        *Upgrade                       `json:"upgrade,omitempty"`
	WindowDays     int                            `json:"windowDays,omitempty"`
	Alerts         *pagination.Result[*AlertView] `json:"alerts,omitempty"`
	SeverityCounts map[risk.Severity]int          `json:"severityCounts,omitempty"`
	GeoRiskTable   []alerts.LocationRisk          `json:"geoRiskTable"`
}

// GeographicAnalytics is the geographic report. The embedded snapshot is
// nil when the report is locked.
type GeographicAnalytics struct {
	Locked     bool     `json:"locked"`
	Upgrade    *Upgrade `json:"upgrade,omitempty"`
	WindowDays int      `json:"windowDays,omitempty"`
	*geoanalytics.Snapshot
}

// normalizeWindow maps 0 to DefaultWindowDays and rejects anything outside
// 1..MaxWindowDays.
func normalizeWindow(days int) (int, error) {
	if days == 0 {
		return DefaultWindowDays, nil
	}
	if days < 1 || days > scans.MaxWindowDays {
		return 0, fmt.Errorf("%w: window days must be between 1 and %d", ErrInvalidFilter, scans.MaxWindowDays)
	}
	return days, nil
}

func validateAccount(accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidFilter)
	}
	return nil
}

func validateProduct(productID *int64) error {
	if productID != nil && *productID <= 0 {
		return fmt.Errorf("%w: product id must be positive", ErrInvalidFilter)
	}
	return nil
}

func validatePage(page int) (int, error) {
	if page < 0 {
		return 0, fmt.Errorf("%w: page must be at least 1", ErrInvalidFilter)
	}
	if page > pagination.MaxPage {
		return 0, fmt.Errorf("%w: page must be at most %d", ErrInvalidFilter, pagination.MaxPage)
	}
	if page == 0 {
		return 1, nil
	}
	return page, nil
}

// AlertReader is the alert query surface; alerts.Recorder satisfies it.
type AlertReader interface {
	ListAlerts(ctx context.Context, f alerts.Filter, page, pageSize int) (pagination.Result[*alerts.SecurityAlert], error)
	CountBySeverity(ctx context.Context, f alerts.Filter) (map[risk.Severity]int, error)
	LocationRisk(ctx context.Context, f alerts.Filter, limit int) ([]alerts.LocationRisk, error)
}

// EngagementReader is the engagement query surface; engagement.Service satisfies it.
type EngagementReader interface {
	CodeEngagement(ctx context.Context, qrKey string) (*engagement.CodeEngagement, error)
	AccountSummary(ctx context.Context, accountID string, productID *int64) (*engagement.Summary, error)
	ListCodes(ctx context.Context, accountID string, productID *int64, page, pageSize int) (pagination.Result[*engagement.CodeEngagement], error)
}

// CodeResolver looks up code ownership.
type CodeResolver interface {
	GetCode(ctx context.Context, qrKey string) (*scans.QRCode, error)
}
