package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/scanguard/internal/idgen"
	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/metrics"
	"github.com/mbd888/scanguard/internal/pagination"
	"github.com/mbd888/scanguard/internal/risk"
	"github.com/mbd888/scanguard/internal/scans"
)

// CodeResolver looks up the code a scan belongs to.
type CodeResolver interface {
	GetCode(ctx context.Context, qrKey string) (*scans.QRCode, error)
}

// Publisher receives every newly persisted alert.
type Publisher interface {
	PublishAlert(alert *SecurityAlert)
}

// Publishers fans an alert out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) PublishAlert(alert *SecurityAlert) {
	for _, p := range ps {
		p.PublishAlert(alert)
	}
}

// Recorder turns assessments into persisted alerts and serves alert pages.
type Recorder struct {
	store     Store
	codes     CodeResolver
	publisher Publisher
	now       func() time.Time
}

// NewRecorder creates a recorder.
func NewRecorder(store Store, codes CodeResolver) *Recorder {
	return &Recorder{store: store, codes: codes, now: time.Now}
}

// WithPublisher attaches a live alert publisher.
func (r *Recorder) WithPublisher(p Publisher) *Recorder {
	r.publisher = p
	return r
}

// WithClock overrides the creation timestamp clock.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// RecordIfNeeded persists an alert for a non-nil assessment. It returns
// (nil, nil) when there is nothing to record.
func (r *Recorder) RecordIfNeeded(ctx context.Context, ev *scans.ScanEvent, a *risk.Assessment) (*SecurityAlert, error) {
	if a == nil {
		return nil, nil
	}
	code, err := r.codes.GetCode(ctx, ev.QRKey)
	if err != nil {
		metrics.AlertRecordFailures.Inc()
		return nil, fmt.Errorf("resolve code %s: %w", ev.QRKey, err)
	}

	alert := &SecurityAlert{
		ID:            idgen.WithPrefix("alert_"),
		QRKey:         ev.QRKey,
		ScanID:        ev.ID,
		AccountID:     code.AccountID,
		ProductID:     code.ProductID,
		AlertType:     a.AlertType,
		Severity:      a.Severity,
		SecurityScore: a.Score,
		Location:      ev.Location.String(),
		Flags:         append([]risk.FlagDetail{}, a.Flags...),
		CreatedAt:     r.now().UTC(),
	}
	if err := r.store.Create(ctx, alert); err != nil {
		metrics.AlertRecordFailures.Inc()
		return nil, fmt.Errorf("persist alert: %w", err)
	}

	metrics.AlertsTotal.WithLabelValues(string(alert.AlertType), string(alert.Severity)).Inc()
	logging.L(ctx).Info("security alert recorded",
		"alert_id", alert.ID,
		"qr_key", alert.QRKey,
		"type", alert.AlertType,
		"severity", alert.Severity,
		"score", alert.SecurityScore,
	)
	if r.publisher != nil {
		r.publisher.PublishAlert(alert)
	}
	return alert, nil
}

// ListAlerts returns one page of alerts, newest first. pageSize defaults to
// 10 and is clamped to [1, 100]; page is 1-based.
func (r *Recorder) ListAlerts(ctx context.Context, f Filter, page, pageSize int) (pagination.Result[*SecurityAlert], error) {
	p := pagination.Normalize(page, pageSize, pagination.DefaultAlertPageSize)
	items, total, err := r.store.List(ctx, f, p.Offset(), p.Limit())
	if err != nil {
		return pagination.Result[*SecurityAlert]{}, err
	}
	return pagination.NewResult(items, total, p), nil
}

// CountBySeverity returns counts for every severity, zero-filled.
func (r *Recorder) CountBySeverity(ctx context.Context, f Filter) (map[risk.Severity]int, error) {
	return r.store.CountBySeverity(ctx, f)
}

// LocationRisk returns the top locations by alert volume.
func (r *Recorder) LocationRisk(ctx context.Context, f Filter, limit int) ([]LocationRisk, error) {
	if limit <= 0 {
		limit = DefaultLocationRiskLimit
	}
	return r.store.LocationRisk(ctx, f, limit)
}
