package risk

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the rule thresholds.
type Config struct {
	ImpossibleTravelKm     float64
	ImpossibleTravelWindow time.Duration

	BotScanThreshold int
	BotWindow        time.Duration

	DuplicationScanThreshold int
	DuplicationWindow        time.Duration
	DuplicationMaxDiversity  float64

	// GeoEstablishedScans is the prior-scan count at which a new country is
	// medium rather than low severity.
	GeoEstablishedScans int

	AnomalyZScore     float64
	AnomalyMinSamples int
	AnomalyHistory    time.Duration

	MinAlertSeverity Severity
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		ImpossibleTravelKm:       500,
		ImpossibleTravelWindow:   2 * time.Hour,
		BotScanThreshold:         10,
		BotWindow:                5 * time.Minute,
		DuplicationScanThreshold: 20,
		DuplicationWindow:        24 * time.Hour,
		DuplicationMaxDiversity:  0.3,
		GeoEstablishedScans:      50,
		AnomalyZScore:            -2.5,
		AnomalyMinSamples:        10,
		AnomalyHistory:           7 * 24 * time.Hour,
		MinAlertSeverity:         SeverityLow,
	}
}

// Validate rejects thresholds that would make a rule meaningless.
func (c Config) Validate() error {
	var errs []error
	if c.ImpossibleTravelKm <= 0 || c.ImpossibleTravelWindow <= 0 {
		errs = append(errs, errors.New("impossible travel distance and window must be positive"))
	}
	if c.BotScanThreshold < 1 || c.BotWindow <= 0 {
		errs = append(errs, errors.New("bot threshold must be >= 1 and window positive"))
	}
	if c.DuplicationScanThreshold < 1 || c.DuplicationWindow <= 0 {
		errs = append(errs, errors.New("duplication threshold must be >= 1 and window positive"))
	}
	if c.DuplicationMaxDiversity <= 0 || c.DuplicationMaxDiversity > 1 {
		errs = append(errs, fmt.Errorf("duplication diversity %.2f must be in (0, 1]", c.DuplicationMaxDiversity))
	}
	if c.GeoEstablishedScans < 0 {
		errs = append(errs, errors.New("geo established scans must not be negative"))
	}
	if c.AnomalyZScore >= 0 {
		errs = append(errs, errors.New("anomaly z-score threshold must be negative"))
	}
	if c.AnomalyMinSamples < 2 || c.AnomalyHistory <= 0 {
		errs = append(errs, errors.New("anomaly needs >= 2 samples and a positive history"))
	}
	if c.MinAlertSeverity.Rank() == 0 {
		errs = append(errs, fmt.Errorf("unknown minimum alert severity %q", c.MinAlertSeverity))
	}
	if len(errs) > 0 {
		return fmt.Errorf("risk config: %w", errors.Join(errs...))
	}
	return nil
}

// lookback is the longest history any code rule reads.
func (c Config) lookback() time.Duration {
	d := c.ImpossibleTravelWindow
	if c.DuplicationWindow > d {
		d = c.DuplicationWindow
	}
	if c.AnomalyHistory > d {
		d = c.AnomalyHistory
	}
	return d
}
