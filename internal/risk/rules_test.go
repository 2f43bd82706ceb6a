package risk

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/mbd888/scanguard/internal/scans"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

func located(id, ip string, at time.Time, city, country string, lat, lon float64) *scans.ScanEvent {
	return &scans.ScanEvent{
		ID: id, QRKey: "code-1", IPAddress: ip, OccurredAt: at,
		Location: &scans.Location{City: city, Country: country, Latitude: f64(lat), Longitude: f64(lon)},
	}
}

func cityOnly(id, ip string, at time.Time, city string) *scans.ScanEvent {
	return &scans.ScanEvent{
		ID: id, QRKey: "code-1", IPAddress: ip, OccurredAt: at,
		Location: &scans.Location{City: city, Country: "US"},
	}
}

func TestHaversineKm(t *testing.T) {
	// London to Paris.
	d := HaversineKm(51.5074, -0.1278, 48.8566, 2.3522)
	if math.Abs(d-344) > 5 {
		t.Errorf("london-paris = %.1f km, want ~344", d)
	}
	if d := HaversineKm(10, 10, 10, 10); d != 0 {
		t.Errorf("same point = %f, want 0", d)
	}
}

func TestImpossibleTravel_LocalMoveDoesNotFire(t *testing.T) {
	cfg := DefaultConfig()
	prev := located("s1", "a", t0, "A", "US", 40.0, -74.0)
	// ~50 km north, 10 minutes later.
	ev := located("s2", "b", t0.Add(10*time.Minute), "B", "US", 40.45, -74.0)
	if f := (ImpossibleTravelRule{}).Evaluate(cfg, Input{Event: ev, CodeHistory: []*scans.ScanEvent{prev, ev}}); f != nil {
		t.Fatalf("expected no finding for local move, got %+v", f)
	}
}

func TestImpossibleTravel_FarMoveIsCritical(t *testing.T) {
	cfg := DefaultConfig()
	prev := located("s1", "a", t0, "A", "XX", 0, 0)
	// ~2000 km east along the equator, 10 minutes later.
	ev := located("s2", "b", t0.Add(10*time.Minute), "B", "XX", 0, 17.986)
	f := (ImpossibleTravelRule{}).Evaluate(cfg, Input{Event: ev, CodeHistory: []*scans.ScanEvent{prev}})
	if f == nil {
		t.Fatal("expected counterfeit finding")
	}
	if f.Type != FlagCounterfeitSuspected || f.Severity != SeverityCritical {
		t.Errorf("got %s/%s", f.Type, f.Severity)
	}
	// 12000 km/h against a 250 km/h reference: 90 + round(10*log10(48)/2).
	if f.Score != 98 {
		t.Errorf("score = %d, want 98", f.Score)
	}
}

func TestImpossibleTravel_OutsideWindowAndFloor(t *testing.T) {
	cfg := DefaultConfig()
	prev := located("s1", "a", t0, "A", "XX", 0, 0)

	late := located("s2", "b", t0.Add(3*time.Hour), "B", "XX", 0, 17.986)
	if f := (ImpossibleTravelRule{}).Evaluate(cfg, Input{Event: late, CodeHistory: []*scans.ScanEvent{prev}}); f != nil {
		t.Errorf("scans 3h apart should not fire, got %+v", f)
	}

	// Simultaneous scans: the gap floors at one minute and the score saturates.
	same := located("s3", "b", t0, "B", "XX", 0, 17.986)
	f := (ImpossibleTravelRule{}).Evaluate(cfg, Input{Event: same, CodeHistory: []*scans.ScanEvent{prev}})
	if f == nil || f.Score != 100 {
		t.Errorf("simultaneous far scans: got %+v, want score 100", f)
	}

	noCoords := &scans.ScanEvent{ID: "s4", OccurredAt: t0, Location: &scans.Location{City: "B"}}
	if f := (ImpossibleTravelRule{}).Evaluate(cfg, Input{Event: noCoords, CodeHistory: []*scans.ScanEvent{prev}}); f != nil {
		t.Errorf("event without coordinates should not fire")
	}
}

func ipBurst(n int, spacing time.Duration) []*scans.ScanEvent {
	out := make([]*scans.ScanEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &scans.ScanEvent{
			ID: fmt.Sprintf("p%d", i), QRKey: fmt.Sprintf("code-%d", i%3),
			IPAddress: "9.9.9.9", OccurredAt: t0.Add(-time.Duration(i+1) * spacing),
		})
	}
	return out
}

func TestBotActivity(t *testing.T) {
	cfg := DefaultConfig()
	ev := &scans.ScanEvent{ID: "cur", IPAddress: "9.9.9.9", OccurredAt: t0}

	tests := []struct {
		name      string
		prior     int
		wantScore int // 0 = no finding
	}{
		{"at threshold", 9, 0},
		{"one over", 10, 71},
		{"saturated", 39, 89},
		{"far beyond", 100, 89},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := append(ipBurst(tt.prior, time.Second), ev)
			f := (BotActivityRule{}).Evaluate(cfg, Input{Event: ev, IPHistory: history})
			if tt.wantScore == 0 {
				if f != nil {
					t.Fatalf("expected no finding, got %+v", f)
				}
				return
			}
			if f == nil {
				t.Fatal("expected bot finding")
			}
			if f.Severity != SeverityHigh || f.Score != tt.wantScore {
				t.Errorf("got %s/%d, want high/%d", f.Severity, f.Score, tt.wantScore)
			}
		})
	}

	// Scans spread beyond the window do not count.
	if f := (BotActivityRule{}).Evaluate(cfg, Input{Event: ev, IPHistory: ipBurst(20, time.Minute)}); f != nil {
		t.Errorf("20 scans over 20 minutes: expected only ~5 in window, got finding %+v", f)
	}
}

func TestDuplication(t *testing.T) {
	cfg := DefaultConfig()
	ev := cityOnly("cur", "ip-0", t0, "Austin")

	var fewIPs, manyIPs []*scans.ScanEvent
	for i := 0; i < 20; i++ {
		at := t0.Add(-time.Duration(i+1) * time.Hour / 2)
		city := "Austin"
		if i%2 == 0 {
			city = "AUSTIN"
		}
		fewIPs = append(fewIPs, cityOnly(fmt.Sprintf("f%d", i), fmt.Sprintf("ip-%d", i%2), at, city))
		manyIPs = append(manyIPs, cityOnly(fmt.Sprintf("m%d", i), fmt.Sprintf("ip-%d", i+1), at, city))
	}

	f := (DuplicationRule{}).Evaluate(cfg, Input{Event: ev, CodeHistory: fewIPs})
	if f == nil {
		t.Fatal("expected duplication finding for 21 scans from 2 addresses")
	}
	if f.Severity != SeverityMedium || f.Score < 40 || f.Score > 69 {
		t.Errorf("got %s/%d", f.Severity, f.Score)
	}

	if f := (DuplicationRule{}).Evaluate(cfg, Input{Event: ev, CodeHistory: manyIPs}); f != nil {
		t.Errorf("diverse addresses should not fire, got %+v", f)
	}
	if f := (DuplicationRule{}).Evaluate(cfg, Input{Event: ev, CodeHistory: fewIPs[:10]}); f != nil {
		t.Errorf("below threshold should not fire, got %+v", f)
	}
	other := cityOnly("cur2", "ip-0", t0, "Dallas")
	if f := (DuplicationRule{}).Evaluate(cfg, Input{Event: other, CodeHistory: fewIPs}); f != nil {
		t.Errorf("different city should not fire, got %+v", f)
	}
}

func TestGeographicAnomaly(t *testing.T) {
	cfg := DefaultConfig()
	ev := located("cur", "ip", t0, "Osaka", "JP", 34.7, 135.5)

	tests := []struct {
		name      string
		footprint map[string]int
		wantSev   Severity
		wantScore int
	}{
		{"first scan ever", map[string]int{}, "", 0},
		{"known country", map[string]int{"JP": 1, "US": 5}, "", 0},
		{"new country young account", map[string]int{"US": 3}, SeverityLow, 25},
		{"new country established", map[string]int{"US": 40, "CA": 10}, SeverityMedium, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := (GeographicAnomalyRule{}).Evaluate(cfg, Input{Event: ev, Footprint: tt.footprint})
			if tt.wantSev == "" {
				if f != nil {
					t.Fatalf("expected no finding, got %+v", f)
				}
				return
			}
			if f == nil || f.Severity != tt.wantSev || f.Score != tt.wantScore {
				t.Fatalf("got %+v, want %s/%d", f, tt.wantSev, tt.wantScore)
			}
		})
	}

	noLoc := &scans.ScanEvent{ID: "x", OccurredAt: t0}
	if f := (GeographicAnomalyRule{}).Evaluate(cfg, Input{Event: noLoc, Footprint: map[string]int{"US": 1}}); f != nil {
		t.Errorf("scan without location should not fire")
	}
}

func jitteredHistory(n int, base time.Duration) []*scans.ScanEvent {
	out := make([]*scans.ScanEvent, n)
	at := t0
	for i := n - 1; i >= 0; i-- {
		out[i] = &scans.ScanEvent{ID: fmt.Sprintf("h%d", i), OccurredAt: at}
		gap := base - 100*time.Second
		if i%2 == 0 {
			gap = base + 100*time.Second
		}
		at = at.Add(-gap)
	}
	return out
}

func TestScanningAnomaly(t *testing.T) {
	cfg := DefaultConfig()

	history := jitteredHistory(11, time.Hour) // 10 gaps
	ev := &scans.ScanEvent{ID: "cur", OccurredAt: t0.Add(time.Minute)}
	f := (ScanningAnomalyRule{}).Evaluate(cfg, Input{Event: ev, CodeHistory: history})
	if f == nil {
		t.Fatal("expected scanning anomaly for a 1m gap against ~1h cadence")
	}
	if f.Severity != SeverityLow || f.Score != 39 {
		t.Errorf("got %s/%d, want low/39", f.Severity, f.Score)
	}

	normal := &scans.ScanEvent{ID: "cur", OccurredAt: t0.Add(time.Hour)}
	if f := (ScanningAnomalyRule{}).Evaluate(cfg, Input{Event: normal, CodeHistory: history}); f != nil {
		t.Errorf("usual cadence should not fire, got %+v", f)
	}

	short := jitteredHistory(10, time.Hour) // 9 gaps
	if f := (ScanningAnomalyRule{}).Evaluate(cfg, Input{Event: ev, CodeHistory: short}); f != nil {
		t.Errorf("too few samples should not fire")
	}

	regular := make([]*scans.ScanEvent, 12)
	for i := range regular {
		regular[i] = &scans.ScanEvent{ID: fmt.Sprintf("r%d", i), OccurredAt: t0.Add(-time.Duration(11-i) * time.Hour)}
	}
	if f := (ScanningAnomalyRule{}).Evaluate(cfg, Input{Event: ev, CodeHistory: regular}); f != nil {
		t.Errorf("zero variance should not fire")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.DuplicationMaxDiversity = 0
	bad.AnomalyZScore = 1
	bad.MinAlertSeverity = "urgent"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestParseFlagTypeFallback(t *testing.T) {
	if got := ParseFlagType("bot_activity"); got != FlagBotActivity {
		t.Errorf("got %s", got)
	}
	if got := ParseFlagType("legacy_thing"); got != FlagGeneralSuspicious {
		t.Errorf("unknown type should fall back, got %s", got)
	}
	if _, ok := ParseSeverity("urgent"); ok {
		t.Error("unknown severity should not parse")
	}
	if !SeverityCritical.AtLeast(SeverityHigh) || SeverityLow.AtLeast(SeverityMedium) {
		t.Error("severity ordering broken")
	}
}
