package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/scanguard/internal/scans"
)

// Rule evaluates one heuristic. It returns nil when the rule does not fire.
type Rule interface {
	Name() FlagType
	Evaluate(cfg Config, in Input) *Finding
}

// DefaultRules returns the rules in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		ImpossibleTravelRule{},
		BotActivityRule{},
		DuplicationRule{},
		GeographicAnomalyRule{},
		ScanningAnomalyRule{},
	}
}

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two points.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// scaled maps a [0,1] strength onto base..base+span.
func scaled(base, span int, strength float64) int {
	return base + int(math.Round(float64(span)*clamp01(strength)))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// others yields history entries that are not the event itself.
func others(history []*scans.ScanEvent, ev *scans.ScanEvent) []*scans.ScanEvent {
	out := make([]*scans.ScanEvent, 0, len(history))
	for _, h := range history {
		if h.ID != "" && h.ID == ev.ID {
			continue
		}
		out = append(out, h)
	}
	return out
}

// ImpossibleTravelRule flags a code seen at two places too far apart to be
// the same physical item.
type ImpossibleTravelRule struct{}

func (ImpossibleTravelRule) Name() FlagType { return FlagCounterfeitSuspected }

func (ImpossibleTravelRule) Evaluate(cfg Config, in Input) *Finding {
	ev := in.Event
	if !ev.Location.HasCoordinates() {
		return nil
	}
	refSpeed := cfg.ImpossibleTravelKm / cfg.ImpossibleTravelWindow.Hours()

	var worstSpeed, worstDist float64
	var worstGap time.Duration
	for _, p := range others(in.CodeHistory, ev) {
		if !p.Location.HasCoordinates() {
			continue
		}
		gap := absDuration(ev.OccurredAt.Sub(p.OccurredAt))
		if gap >= cfg.ImpossibleTravelWindow {
			continue
		}
		dist := HaversineKm(*p.Location.Latitude, *p.Location.Longitude,
			*ev.Location.Latitude, *ev.Location.Longitude)
		if dist <= cfg.ImpossibleTravelKm {
			continue
		}
		effective := gap
		if effective < time.Minute {
			effective = time.Minute
		}
		if speed := dist / effective.Hours(); speed > worstSpeed {
			worstSpeed, worstDist, worstGap = speed, dist, gap
		}
	}
	if worstSpeed == 0 {
		return nil
	}
	ratio := worstSpeed / refSpeed
	return &Finding{
		Type:     FlagCounterfeitSuspected,
		Severity: SeverityCritical,
		Score:    scaled(90, 10, math.Log10(ratio)/2),
		Message: fmt.Sprintf("Scanned %.0f km from a scan %s apart (%.0f km/h)",
			worstDist, worstGap.Round(time.Second), worstSpeed),
	}
}

// BotActivityRule flags one network address scanning in bursts.
type BotActivityRule struct{}

func (BotActivityRule) Name() FlagType { return FlagBotActivity }

func (BotActivityRule) Evaluate(cfg Config, in Input) *Finding {
	ev := in.Event
	count := 1
	for _, p := range others(in.IPHistory, ev) {
		if absDuration(ev.OccurredAt.Sub(p.OccurredAt)) <= cfg.BotWindow {
			count++
		}
	}
	n := cfg.BotScanThreshold
	if count <= n {
		return nil
	}
	return &Finding{
		Type:     FlagBotActivity,
		Severity: SeverityHigh,
		Score:    scaled(70, 19, float64(count-n)/float64(3*n)),
		Message:  fmt.Sprintf("%d scans from one address within %s", count, cfg.BotWindow),
	}
}

// DuplicationRule flags a code scanned heavily in one city by few devices,
// the pattern of a printed copy in circulation.
type DuplicationRule struct{}

func (DuplicationRule) Name() FlagType { return FlagDuplicationSuspected }

func (DuplicationRule) Evaluate(cfg Config, in Input) *Finding {
	ev := in.Event
	if ev.Location == nil || ev.Location.City == "" {
		return nil
	}
	since := ev.OccurredAt.Add(-cfg.DuplicationWindow)
	count := 1
	ips := map[string]struct{}{ev.IPAddress: {}}
	for _, p := range others(in.CodeHistory, ev) {
		if p.Location == nil || !strings.EqualFold(p.Location.City, ev.Location.City) {
			continue
		}
		if p.OccurredAt.Before(since) || p.OccurredAt.After(ev.OccurredAt) {
			continue
		}
		count++
		ips[p.IPAddress] = struct{}{}
	}
	m := cfg.DuplicationScanThreshold
	diversity := float64(len(ips)) / float64(count)
	if count <= m || diversity >= cfg.DuplicationMaxDiversity {
		return nil
	}
	strength := 0.5*clamp01(float64(count-m)/float64(m)) +
		0.5*(1-diversity/cfg.DuplicationMaxDiversity)
	return &Finding{
		Type:     FlagDuplicationSuspected,
		Severity: SeverityMedium,
		Score:    scaled(40, 29, strength),
		Message: fmt.Sprintf("%d scans in %s from %d addresses within %s",
			count, ev.Location.City, len(ips), cfg.DuplicationWindow),
	}
}

// GeographicAnomalyRule flags the first scan in a country the account has
// never been scanned in.
type GeographicAnomalyRule struct{}

func (GeographicAnomalyRule) Name() FlagType { return FlagGeographicAnomaly }

func (GeographicAnomalyRule) Evaluate(cfg Config, in Input) *Finding {
	country := in.Event.Country()
	if country == "" || len(in.Footprint) == 0 || in.Footprint[country] > 0 {
		return nil
	}
	prior := 0
	for _, n := range in.Footprint {
		prior += n
	}
	f := &Finding{
		Type:     FlagGeographicAnomaly,
		Severity: SeverityLow,
		Score:    25,
		Message:  fmt.Sprintf("First scan in %s across %d prior scans", country, prior),
	}
	if prior >= cfg.GeoEstablishedScans {
		f.Severity = SeverityMedium
		f.Score = 50
	}
	return f
}

// ScanningAnomalyRule flags a scan arriving far sooner than the code's usual
// inter-scan gap.
type ScanningAnomalyRule struct{}

func (ScanningAnomalyRule) Name() FlagType { return FlagScanningAnomaly }

func (ScanningAnomalyRule) Evaluate(cfg Config, in Input) *Finding {
	ev := in.Event
	since := ev.OccurredAt.Add(-cfg.AnomalyHistory)
	var prior []time.Time
	for _, p := range others(in.CodeHistory, ev) {
		if p.OccurredAt.Before(since) || p.OccurredAt.After(ev.OccurredAt) {
			continue
		}
		prior = append(prior, p.OccurredAt)
	}
	sort.Slice(prior, func(i, j int) bool { return prior[i].Before(prior[j]) })
	gaps := len(prior) - 1
	if gaps < cfg.AnomalyMinSamples {
		return nil
	}

	var sum float64
	for i := 1; i < len(prior); i++ {
		sum += prior[i].Sub(prior[i-1]).Seconds()
	}
	mean := sum / float64(gaps)
	var sq float64
	for i := 1; i < len(prior); i++ {
		d := prior[i].Sub(prior[i-1]).Seconds() - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(gaps))
	if stddev == 0 {
		return nil
	}

	current := ev.OccurredAt.Sub(prior[len(prior)-1]).Seconds()
	z := (current - mean) / stddev
	if z >= cfg.AnomalyZScore {
		return nil
	}
	return &Finding{
		Type:     FlagScanningAnomaly,
		Severity: SeverityLow,
		Score:    scaled(10, 29, (math.Abs(z)-math.Abs(cfg.AnomalyZScore))/5),
		Message:  fmt.Sprintf("Scan interval %.0fs vs usual %.0fs (z=%.1f)", current, mean, z),
	}
}
