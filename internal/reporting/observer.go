package reporting

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/scanguard/internal/geoanalytics"
	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/metrics"
)

// Report outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeLocked   = "locked"
	OutcomeInvalid  = "invalid"
	OutcomeNotFound = "not_found"
	OutcomeTimeout  = "timeout"
	OutcomeError    = "error"
)

// Observer is notified once per served report.
type Observer interface {
	ReportServed(ctx context.Context, report, outcome string, d time.Duration)
}

// MetricsObserver feeds Prometheus and the request logger.
type MetricsObserver struct{}

func (MetricsObserver) ReportServed(ctx context.Context, report, outcome string, d time.Duration) {
	metrics.ReportsTotal.WithLabelValues(report, outcome).Inc()
	metrics.ReportDuration.WithLabelValues(report).Observe(d.Seconds())

	logger := logging.L(ctx)
	switch outcome {
	case OutcomeError, OutcomeTimeout:
		logger.Warn("report failed", "report", report, "outcome", outcome, "duration_ms", d.Milliseconds())
	default:
		logger.Debug("report served", "report", report, "outcome", outcome, "duration_ms", d.Milliseconds())
	}
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrInvalidFilter), errors.Is(err, geoanalytics.ErrTooManyRows):
		return OutcomeInvalid
	case errors.Is(err, ErrUnknownCode):
		return OutcomeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
