// Package ingest is the write path for scans: it validates raw scan
// payloads, stores them with retries, scores them and records alerts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/scanguard/internal/alerts"
	"github.com/mbd888/scanguard/internal/idgen"
	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/metrics"
	"github.com/mbd888/scanguard/internal/retry"
	"github.com/mbd888/scanguard/internal/risk"
	"github.com/mbd888/scanguard/internal/scans"
	"github.com/mbd888/scanguard/internal/traces"
	"github.com/mbd888/scanguard/internal/validation"
)

var (
	ErrInvalidScan = errors.New("ingest: invalid scan")
	ErrInvalidCode = errors.New("ingest: invalid code")
)

// maxClockSkew is how far in the future a scan timestamp may be.
const maxClockSkew = 5 * time.Minute

// Store is the part of scans.Store the write path uses.
type Store interface {
	CreateCode(ctx context.Context, code *scans.QRCode) error
	GetCode(ctx context.Context, qrKey string) (*scans.QRCode, error)
	RecordScan(ctx context.Context, ev *scans.ScanEvent) error
	AttachFlags(ctx context.Context, scanID string, flags []string) error
}

// Scorer assesses a stored scan. It never fails; nil means nothing fired.
type Scorer interface {
	Assess(ctx context.Context, ev *scans.ScanEvent, code *scans.QRCode) *risk.Assessment
}

// AlertRecorder persists an alert for an assessment.
type AlertRecorder interface {
	RecordIfNeeded(ctx context.Context, ev *scans.ScanEvent, a *risk.Assessment) (*alerts.SecurityAlert, error)
}

// QuotaChecker rejects code registration beyond the account's plan.
type QuotaChecker interface {
	CheckCodeQuota(ctx context.Context, accountID string) error
}

// ScanRequest is a raw scan as reported by the redirect edge.
type ScanRequest struct {
	QRKey      string     `json:"qrKey" validate:"required,qrkey"`
	IPAddress  string     `json:"ipAddress" validate:"required,ip"`
	OccurredAt *time.Time `json:"occurredAt,omitempty"`
	City       string     `json:"city,omitempty"`
	Region     string     `json:"region,omitempty"`
	Country    string     `json:"country,omitempty"`
	Latitude   *float64   `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude  *float64   `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

// CodeRequest registers a new code.
type CodeRequest struct {
	AccountID string `json:"-" validate:"required,accountid"`
	QRKey     string `json:"qrKey" validate:"required,qrkey"`
	BatchCode string `json:"batchCode" validate:"required,max=64"`
	ProductID *int64 `json:"productId,omitempty" validate:"omitempty,gt=0"`
}

// Result is the outcome of one ingested scan.
type Result struct {
	Scan       *scans.ScanEvent      `json:"scan"`
	Assessment *risk.Assessment      `json:"assessment,omitempty"`
	Alert      *alerts.SecurityAlert `json:"alert,omitempty"`
}

// RetryPolicy bounds RecordScan retries after transient store failures.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns 3 attempts starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Service runs the scan write path.
type Service struct {
	store     Store
	scorer    Scorer
	recorder  AlertRecorder
	anonymize *scans.Anonymizer
	quota     QuotaChecker
	retry     RetryPolicy
	now       func() time.Time
}

// NewService creates an ingestion service. anon may be nil to store raw
// addresses.
func NewService(store Store, scorer Scorer, recorder AlertRecorder, anon *scans.Anonymizer) *Service {
	return &Service{
		store:     store,
		scorer:    scorer,
		recorder:  recorder,
		anonymize: anon,
		retry:     DefaultRetryPolicy(),
		now:       time.Now,
	}
}

// WithRetry overrides the RecordScan retry policy.
func (s *Service) WithRetry(p RetryPolicy) *Service {
	s.retry = p
	return s
}

// WithQuota enables plan quota checks on code registration.
func (s *Service) WithQuota(q QuotaChecker) *Service {
	s.quota = q
	return s
}

// WithClock overrides the clock used for defaulted timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RetryAfter is the hint given to callers when the store stays unavailable.
func (s *Service) RetryAfter() time.Duration {
	d := s.retry.BaseDelay * time.Duration(1<<max(s.retry.Attempts, 1))
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (s *Service) buildEvent(req ScanRequest) (*scans.ScanEvent, error) {
	if verrs := validation.Struct(req); verrs != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidScan, verrs.Error())
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return nil, fmt.Errorf("%w: latitude and longitude must be sent together", ErrInvalidScan)
	}

	now := s.now().UTC()
	occurred := now
	if req.OccurredAt != nil && !req.OccurredAt.IsZero() {
		occurred = req.OccurredAt.UTC()
		if occurred.After(now.Add(maxClockSkew)) {
			return nil, fmt.Errorf("%w: occurredAt is in the future", ErrInvalidScan)
		}
	}

	ev := &scans.ScanEvent{
		ID:            idgen.WithPrefix("scan_"),
		QRKey:         req.QRKey,
		OccurredAt:    occurred,
		IPAddress:     s.anonymize.Anonymize(req.IPAddress),
		SecurityFlags: []string{},
	}

	loc := &scans.Location{
		City:      validation.SanitizeString(req.City, validation.MaxLocationPart),
		Region:    validation.SanitizeString(req.Region, validation.MaxLocationPart),
		Country:   validation.SanitizeString(req.Country, validation.MaxLocationPart),
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	}
	// No geolocation at all is stored as a nil Location.
	if loc.City != "" || loc.Region != "" || loc.Country != "" || loc.HasCoordinates() {
		ev.Location = loc
	}
	return ev, nil
}

// Ingest stores one scan, scores it and records any resulting alert.
// Only validation, unknown codes and a persistently unavailable store fail
// the call; scoring and alerting problems are logged.
func (s *Service) Ingest(ctx context.Context, req ScanRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "ingest.Ingest", traces.QRKey(req.QRKey))
	var err error
	defer func() { traces.End(span, err) }()

	ev, err := s.buildEvent(req)
	if err != nil {
		metrics.ScansRecordedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	log := logging.L(ctx).With("qr_key", ev.QRKey, "scan_id", ev.ID)

	err = retry.Run(ctx, retry.Policy{
		MaxAttempts: s.retry.Attempts,
		BaseDelay:   s.retry.BaseDelay,
		MaxDelay:    s.retry.MaxDelay,
		Retryable: func(err error) bool {
			return errors.Is(err, scans.ErrStoreUnavailable)
		},
		OnRetry: func(attempt int, err error) {
			metrics.ScanRecordRetries.Inc()
			log.Warn("record scan failed, retrying", "attempt", attempt, "error", err)
		},
	}, func() error {
		return s.store.RecordScan(ctx, ev)
	})
	if err != nil {
		switch {
		case errors.Is(err, scans.ErrUnknownCode):
			metrics.ScansRecordedTotal.WithLabelValues("unknown_code").Inc()
		default:
			metrics.ScansRecordedTotal.WithLabelValues("store_error").Inc()
			log.Error("record scan failed", "error", err)
		}
		err = fmt.Errorf("record scan: %w", err)
		return nil, err
	}
	metrics.ScansRecordedTotal.WithLabelValues("accepted").Inc()

	res := &Result{Scan: ev}
	s.score(ctx, log, res)
	return res, nil
}

// score runs the post-write steps. None of them can fail the scan.
func (s *Service) score(ctx context.Context, log *slog.Logger, res *Result) {
	ev := res.Scan
	code, err := s.store.GetCode(ctx, ev.QRKey)
	if err != nil {
		log.Warn("code lookup failed, scan not scored", "error", err)
		return
	}

	a := s.scorer.Assess(ctx, ev, code)
	if a == nil {
		return
	}
	res.Assessment = a

	flags := a.FlagNames()
	if err := s.store.AttachFlags(ctx, ev.ID, flags); err != nil {
		log.Warn("attach flags failed", "flags", flags, "error", err)
	} else {
		ev.SecurityFlags = flags
	}

	alert, err := s.recorder.RecordIfNeeded(ctx, ev, a)
	if err != nil {
		log.Error("record alert failed", "severity", a.Severity, "error", err)
		return
	}
	res.Alert = alert
}

// RegisterCode creates a code for an account after checking its quota.
func (s *Service) RegisterCode(ctx context.Context, req CodeRequest) (*scans.QRCode, error) {
	if verrs := validation.Struct(req); verrs != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCode, verrs.Error())
	}
	if s.quota != nil {
		if err := s.quota.CheckCodeQuota(ctx, req.AccountID); err != nil {
			return nil, err
		}
	}

	code := &scans.QRCode{
		QRKey:     req.QRKey,
		BatchCode: validation.SanitizeString(req.BatchCode, 64),
		AccountID: req.AccountID,
		ProductID: req.ProductID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateCode(ctx, code); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("qr code registered", "qr_key", code.QRKey, "account_id", code.AccountID)
	return code, nil
}
