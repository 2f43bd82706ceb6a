package risk

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/metrics"
	"github.com/mbd888/scanguard/internal/scans"
	"github.com/mbd888/scanguard/internal/traces"
)

// maxLookback caps how far back history is loaded for late-arriving events.
const maxLookback = 31 * 24 * time.Hour

// Scorer combines the rules into a single assessment per scan.
type Scorer struct {
	cfg     Config
	history HistorySource
	rules   []Rule
	now     func() time.Time
}

// NewScorer creates a scorer with the default rule set.
func NewScorer(cfg Config, history HistorySource) *Scorer {
	return &Scorer{
		cfg:     cfg,
		history: history,
		rules:   DefaultRules(),
		now:     time.Now,
	}
}

// WithClock overrides the clock used to size history windows.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// WithRules replaces the rule set. Order is significant for tie-breaks.
func (s *Scorer) WithRules(rules ...Rule) *Scorer {
	s.rules = rules
	return s
}

// Config returns the thresholds in use.
func (s *Scorer) Config() Config { return s.cfg }

// Evaluate runs every rule against in. It performs no I/O.
// It returns nil when nothing at or above MinAlertSeverity fired.
func (s *Scorer) Evaluate(in Input) *Assessment {
	if in.Event == nil {
		return nil
	}
	var findings []*Finding
	var top *Finding
	for _, r := range s.rules {
		f := r.Evaluate(s.cfg, in)
		if f == nil || !f.Severity.AtLeast(s.cfg.MinAlertSeverity) {
			continue
		}
		findings = append(findings, f)
		// Strictly greater keeps the earliest rule on ties.
		if top == nil || f.Severity.Rank() > top.Severity.Rank() {
			top = f
		}
	}
	if top == nil {
		return nil
	}

	a := &Assessment{
		Severity:    top.Severity,
		Score:       top.Score,
		AlertType:   top.Type,
		Flags:       make([]FlagDetail, 0, len(findings)),
		EvaluatedAt: s.now().UTC(),
	}
	for _, f := range findings {
		a.Flags = append(a.Flags, FlagDetail{Type: f.Type, Message: f.Message})
	}
	return a
}

// windowFor sizes a trailing store window so that it reaches back span
// before the event, even when the event arrived late.
func (s *Scorer) windowFor(ev *scans.ScanEvent, span time.Duration) time.Duration {
	w := s.now().Sub(ev.OccurredAt) + span
	if w < span {
		w = span
	}
	if w > maxLookback {
		w = maxLookback
	}
	return w
}

// Assess loads the history snapshot for ev and evaluates it. History
// failures degrade to "no alert" and never surface as errors, so a
// scoring problem cannot fail the scan that triggered it.
func (s *Scorer) Assess(ctx context.Context, ev *scans.ScanEvent, code *scans.QRCode) *Assessment {
	ctx, span := traces.StartSpan(ctx, "risk.Assess", traces.QRKey(ev.QRKey), traces.AccountID(code.AccountID))
	in := Input{Event: ev}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := s.history.ScanHistory(gctx, ev.QRKey, s.windowFor(ev, s.cfg.lookback()))
		in.CodeHistory = h
		return err
	})
	g.Go(func() error {
		h, err := s.history.ScansByIP(gctx, ev.IPAddress, s.windowFor(ev, s.cfg.BotWindow))
		in.IPHistory = h
		return err
	})
	g.Go(func() error {
		fp, err := s.history.CountryFootprint(gctx, code.AccountID, ev.ID)
		in.Footprint = fp
		return err
	})
	if err := g.Wait(); err != nil {
		traces.End(span, err)
		metrics.ScorerDegradedTotal.Inc()
		logging.L(ctx).Warn("risk history unavailable, scan not scored",
			"qr_key", ev.QRKey, "scan_id", ev.ID, "error", err)
		return nil
	}

	a := s.Evaluate(in)
	if a != nil {
		span.SetAttributes(traces.Severity(string(a.Severity)))
		for _, f := range a.Flags {
			metrics.RiskFlagsTotal.WithLabelValues(string(f.Type)).Inc()
		}
	}
	traces.End(span, nil)
	return a
}
