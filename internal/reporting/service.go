package reporting

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/scanguard/internal/alerts"
	"github.com/mbd888/scanguard/internal/catalog"
	"github.com/mbd888/scanguard/internal/engagement"
	"github.com/mbd888/scanguard/internal/geoanalytics"
	"github.com/mbd888/scanguard/internal/pagination"
	"github.com/mbd888/scanguard/internal/plans"
	"github.com/mbd888/scanguard/internal/risk"
	"github.com/mbd888/scanguard/internal/traces"
)

// Service composes the analytics components into account reports.
type Service struct {
	gate       plans.Gate
	alerts     AlertReader
	geo        geoanalytics.Reader
	engagement EngagementReader
	codes      CodeResolver
	names      catalog.Namer
	observer   Observer
	now        func() time.Time
}

// NewService creates a reporting service.
func NewService(gate plans.Gate, alertReader AlertReader, geo geoanalytics.Reader, eng EngagementReader, codes CodeResolver) *Service {
	return &Service{
		gate:       gate,
		alerts:     alertReader,
		geo:        geo,
		engagement: eng,
		codes:      codes,
		names:      catalog.NopNamer{},
		observer:   MetricsObserver{},
		now:        time.Now,
	}
}

// WithNamer decorates alerts and codes with product names.
func (s *Service) WithNamer(n catalog.Namer) *Service {
	s.names = n
	return s
}

// WithObserver replaces the default metrics observer.
func (s *Service) WithObserver(o Observer) *Service {
	s.observer = o
	return s
}

// WithClock overrides the clock used for window boundaries.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// begin opens a span for report and returns a finisher that closes it and
// notifies the observer.
func (s *Service) begin(ctx context.Context, report, accountID string) (context.Context, func(locked bool, err error)) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "reporting."+report, traces.Report(report), traces.AccountID(accountID))
	return ctx, func(locked bool, err error) {
		traces.End(span, err)
		outcome := outcomeFor(err)
		if locked && err == nil {
			outcome = OutcomeLocked
		}
		s.observer.ReportServed(ctx, report, outcome, time.Since(start))
	}
}

// GetSecurityDashboard returns a page of alerts, severity counts and the
// location risk table for the window.
func (s *Service) GetSecurityDashboard(ctx context.Context, req SecurityRequest) (dash *SecurityDashboard, err error) {
	ctx, finish := s.begin(ctx, ReportSecurity, req.AccountID)
	defer func() { finish(dash != nil && dash.Locked, err) }()

	if err := validateAccount(req.AccountID); err != nil {
		return nil, err
	}
	days, err := normalizeWindow(req.WindowDays)
	if err != nil {
		return nil, err
	}
	if err := validateProduct(req.ProductID); err != nil {
		return nil, err
	}
	page, err := validatePage(req.Page)
	if err != nil {
		return nil, err
	}

	if !s.gate.CanAccessSecurityAnalytics(ctx, req.AccountID) {
		return &SecurityDashboard{Locked: true, Upgrade: securityUpgrade}, nil
	}

	since := s.now().UTC().AddDate(0, 0, -days)
	f := alerts.Filter{AccountID: req.AccountID, ProductID: req.ProductID, Since: &since}

	var (
		list   pagination.Result[*alerts.SecurityAlert]
		counts map[risk.Severity]int
		table  []alerts.LocationRisk
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		list, err = s.alerts.ListAlerts(gctx, f, page, req.PageSize)
		return err
	})
	g.Go(func() error {
		var err error
		counts, err = s.alerts.CountBySeverity(gctx, f)
		return err
	})
	g.Go(func() error {
		var err error
		table, err = s.alerts.LocationRisk(gctx, f, alerts.DefaultLocationRiskLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("security dashboard: %w", err)
	}

	items := make([]*AlertView, len(list.Items))
	names := s.nameCache(ctx)
	for i, a := range list.Items {
		items[i] = &AlertView{SecurityAlert: a, ProductName: names(a.ProductID)}
	}
	if table == nil {
		table = []alerts.LocationRisk{}
	}

	return &SecurityDashboard{
		WindowDays: days,
		Alerts: &pagination.Result[*AlertView]{
			Items:    items,
			Total:    list.Total,
			Page:     list.Page,
			PageSize: list.PageSize,
			HasMore:  list.HasMore,
		},
		SeverityCounts: counts,
		GeoRiskTable:   table,
	}, nil
}

// GetGeographicAnalytics returns the geographic views for the window.
func (s *Service) GetGeographicAnalytics(ctx context.Context, req GeoRequest) (out *GeographicAnalytics, err error) {
	ctx, finish := s.begin(ctx, ReportGeographic, req.AccountID)
	defer func() { finish(out != nil && out.Locked, err) }()

	if err := validateAccount(req.AccountID); err != nil {
		return nil, err
	}
	days, err := normalizeWindow(req.WindowDays)
	if err != nil {
		return nil, err
	}
	if err := validateProduct(req.ProductID); err != nil {
		return nil, err
	}

	if !s.gate.CanAccessGeographicAnalytics(ctx, req.AccountID) {
		return &GeographicAnalytics{Locked: true, Upgrade: geographicUpgrade}, nil
	}

	snap, err := s.geo.Snapshot(ctx, geoanalytics.Request{
		AccountID:  req.AccountID,
		ProductID:  req.ProductID,
		WindowDays: days,
	})
	if err != nil {
		return nil, fmt.Errorf("geographic analytics: %w", err)
	}
	return &GeographicAnalytics{WindowDays: days, Snapshot: snap}, nil
}

// GetCodeEngagement returns usage for one of the account's codes. Codes of
// other accounts are reported as unknown.
func (s *Service) GetCodeEngagement(ctx context.Context, accountID, qrKey string) (out *CodeView, err error) {
	ctx, finish := s.begin(ctx, ReportEngagement, accountID)
	defer func() { finish(false, err) }()

	if err := validateAccount(accountID); err != nil {
		return nil, err
	}
	code, err := s.codes.GetCode(ctx, qrKey)
	if err != nil {
		return nil, err
	}
	if code.AccountID != accountID {
		return nil, ErrUnknownCode
	}
	e, err := s.engagement.CodeEngagement(ctx, qrKey)
	if err != nil {
		return nil, err
	}
	return &CodeView{CodeEngagement: e, ProductName: s.nameCache(ctx)(e.ProductID)}, nil
}

// GetAccountSummary returns the account's headline usage.
func (s *Service) GetAccountSummary(ctx context.Context, accountID string, productID *int64) (out *engagement.Summary, err error) {
	ctx, finish := s.begin(ctx, ReportSummary, accountID)
	defer func() { finish(false, err) }()

	if err := validateAccount(accountID); err != nil {
		return nil, err
	}
	if err := validateProduct(productID); err != nil {
		return nil, err
	}
	return s.engagement.AccountSummary(ctx, accountID, productID)
}

// ListCodes returns a page of the account's codes with engagement.
func (s *Service) ListCodes(ctx context.Context, req CodesRequest) (out *pagination.Result[*CodeView], err error) {
	ctx, finish := s.begin(ctx, ReportCodes, req.AccountID)
	defer func() { finish(false, err) }()

	if err := validateAccount(req.AccountID); err != nil {
		return nil, err
	}
	if err := validateProduct(req.ProductID); err != nil {
		return nil, err
	}
	page, err := validatePage(req.Page)
	if err != nil {
		return nil, err
	}

	res, err := s.engagement.ListCodes(ctx, req.AccountID, req.ProductID, page, req.PageSize)
	if err != nil {
		return nil, err
	}
	names := s.nameCache(ctx)
	items := make([]*CodeView, len(res.Items))
	for i, e := range res.Items {
		items[i] = &CodeView{CodeEngagement: e, ProductName: names(e.ProductID)}
	}
	return &pagination.Result[*CodeView]{
		Items:    items,
		Total:    res.Total,
		Page:     res.Page,
		PageSize: res.PageSize,
		HasMore:  res.HasMore,
	}, nil
}

// nameCache returns a product name lookup memoised for one report.
func (s *Service) nameCache(ctx context.Context) func(*int64) string {
	seen := make(map[int64]string)
	return func(id *int64) string {
		if id == nil {
			return ""
		}
		if name, ok := seen[*id]; ok {
			return name
		}
		name, _ := s.names.ProductName(ctx, *id)
		seen[*id] = name
		return name
	}
}
