// Package risk scores individual QR scans for counterfeit, bot and
// duplication signals.
//
// Every scan is evaluated against five rules in a fixed order: impossible
// travel, bot activity, duplication, geographic anomaly and scanning-rate
// anomaly. Each rule yields at most one Finding. The strongest severity wins
// the assessment; every fired rule contributes a flag. A scan no rule fires
// on has no assessment at all (nil), which is distinct from a low-severity
// alert.
package risk

import (
	"context"
	"time"

	"github.com/mbd888/scanguard/internal/scans"
)

// Severity orders alert urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists all severities from most to least urgent.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Rank returns 4 for critical down to 1 for low, 0 if unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as urgent as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// ParseSeverity parses a severity name.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(s)
	return sev, sev.Rank() > 0
}

// FlagType names the heuristic behind a flag; it doubles as the alert type.
type FlagType string

const (
	FlagCounterfeitSuspected FlagType = "counterfeit_suspected"
	FlagBotActivity          FlagType = "bot_activity"
	FlagDuplicationSuspected FlagType = "duplication_suspected"
	FlagGeographicAnomaly    FlagType = "geographic_anomaly"
	FlagScanningAnomaly      FlagType = "scanning_anomaly"
	FlagGeneralSuspicious    FlagType = "general_suspicious"
)

// ParseFlagType maps a stored type name to a FlagType. Anything unknown maps
// to FlagGeneralSuspicious.
func ParseFlagType(s string) FlagType {
	switch t := FlagType(s); t {
	case FlagCounterfeitSuspected, FlagBotActivity, FlagDuplicationSuspected,
		FlagGeographicAnomaly, FlagScanningAnomaly:
		return t
	default:
		return FlagGeneralSuspicious
	}
}

// FlagDetail is one fired rule as shown to the seller.
type FlagDetail struct {
	Type    FlagType `json:"type"`
	Message string   `json:"message"`
}

// Finding is a single rule's verdict.
type Finding struct {
	Type     FlagType
	Severity Severity
	Score    int
	Message  string
}

// Assessment is the combined verdict for one scan.
type Assessment struct {
	Severity    Severity     `json:"severity"`
	Score       int          `json:"score"`
	AlertType   FlagType     `json:"alertType"`
	Flags       []FlagDetail `json:"flags"`
	EvaluatedAt time.Time    `json:"evaluatedAt"`
}

// FlagNames returns the flag types as strings, in rule order.
func (a *Assessment) FlagNames() []string {
	if a == nil {
		return []string{}
	}
	out := make([]string, len(a.Flags))
	for i, f := range a.Flags {
		out[i] = string(f.Type)
	}
	return out
}

// Input is the history snapshot a scan is evaluated against. History slices
// may contain the event itself; rules skip it by ID.
type Input struct {
	Event       *scans.ScanEvent
	CodeHistory []*scans.ScanEvent // same code, ascending OccurredAt
	IPHistory   []*scans.ScanEvent // same IP, any code
	Footprint   map[string]int     // account's prior scans per country, event excluded
}

// HistorySource is the read side of scans.Store the scorer needs.
type HistorySource interface {
	ScanHistory(ctx context.Context, qrKey string, window time.Duration) ([]*scans.ScanEvent, error)
	ScansByIP(ctx context.Context, ip string, window time.Duration) ([]*scans.ScanEvent, error)
	CountryFootprint(ctx context.Context, accountID, excludeScanID string) (map[string]int, error)
}
