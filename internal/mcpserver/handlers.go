package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

func filterFrom(req mcp.CallToolRequest) ReportFilter {
	return ReportFilter{
		Days:      req.GetInt("days", 0),
		ProductID: int64(req.GetInt("product_id", 0)),
		Page:      req.GetInt("page", 0),
	}
}

// HandleSecurityDashboard summarizes recent security alerts.
func (h *Handlers) HandleSecurityDashboard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.SecurityDashboard(ctx, filterFrom(req))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get security dashboard: %v", err)), nil
	}

	text, err := formatSecurityDashboard(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse security dashboard: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGeographicAnalytics summarizes where codes are scanned.
func (h *Handlers) HandleGeographicAnalytics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := filterFrom(req)
	f.Page = 0
	raw, err := h.client.GeographicAnalytics(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get geographic analytics: %v", err)), nil
	}

	text, err := formatGeographic(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse geographic analytics: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAccountSummary returns engagement totals.
func (h *Handlers) HandleAccountSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.AccountSummary(ctx, int64(req.GetInt("product_id", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account summary: %v", err)), nil
	}

	var resp struct {
		Summary *struct {
			TotalCodes      int     `json:"totalCodes"`
			TotalScans      int64   `json:"totalScans"`
			ScannedCodes    int     `json:"scannedCodes"`
			AvgScansPerCode float64 `json:"avgScansPerCode"`
			ActivationRate  float64 `json:"activationRate"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Summary == nil {
		return mcp.NewToolResultError("Failed to parse account summary: unexpected response format"), nil
	}

	s := resp.Summary
	var sb strings.Builder
	sb.WriteString("Account Summary:\n")
	fmt.Fprintf(&sb, "  Codes registered: %d\n", s.TotalCodes)
	fmt.Fprintf(&sb, "  Codes scanned:    %d (%.0f%% activated)\n", s.ScannedCodes, s.ActivationRate*100)
	fmt.Fprintf(&sb, "  Total scans:      %d (%.1f per code)\n", s.TotalScans, s.AvgScansPerCode)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListCodes lists a page of codes.
func (h *Handlers) HandleListCodes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := filterFrom(req)
	f.Days = 0
	raw, err := h.client.ListCodes(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list codes: %v", err)), nil
	}

	text, err := formatCodeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse codes: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCodeEngagement returns a single code's engagement.
func (h *Handlers) HandleCodeEngagement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qrKey := req.GetString("qr_key", "")
	if qrKey == "" {
		return mcp.NewToolResultError("qr_key is required"), nil
	}

	raw, err := h.client.CodeEngagement(ctx, qrKey)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get engagement: %v", err)), nil
	}

	var resp struct {
		Engagement *codeInfo `json:"engagement"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Engagement == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	e := resp.Engagement
	var sb strings.Builder
	fmt.Fprintf(&sb, "Code %s (batch %s):\n", e.QRKey, e.BatchCode)
	fmt.Fprintf(&sb, "  Scans: %d\n", e.ScanCount)
	fmt.Fprintf(&sb, "  Unique scanners: %d\n", e.UniqueScanners)
	fmt.Fprintf(&sb, "  Scans per scanner: %.2f\n", e.AvgScansPerScanner)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRegisterCode registers a new code.
func (h *Handlers) HandleRegisterCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qrKey := req.GetString("qr_key", "")
	if qrKey == "" {
		return mcp.NewToolResultError("qr_key is required"), nil
	}
	batch := req.GetString("batch_code", "")
	if batch == "" {
		return mcp.NewToolResultError("batch_code is required"), nil
	}

	_, err := h.client.RegisterCode(ctx, qrKey, batch, int64(req.GetInt("product_id", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Registration failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Code %s registered for batch %s.\n"+
			"Scans of this code will now be scored for counterfeit risk.",
		qrKey, batch)), nil
}

// --- Formatting helpers ---

type upgradeInfo struct {
	Feature string `json:"feature"`
	Message string `json:"message"`
}

type alertInfo struct {
	QRKey         string    `json:"qrKey"`
	AlertType     string    `json:"alertType"`
	Severity      string    `json:"severity"`
	SecurityScore int       `json:"securityScore"`
	Location      string    `json:"location"`
	ProductName   string    `json:"productName"`
	CreatedAt     time.Time `json:"createdAt"`
}

type locationRisk struct {
	Location    string  `json:"location"`
	AlertCount  int     `json:"alertCount"`
	MaxSeverity string  `json:"maxSeverity"`
	AvgScore    float64 `json:"avgScore"`
}

type codeInfo struct {
	QRKey              string  `json:"qrKey"`
	BatchCode          string  `json:"batchCode"`
	ProductName        string  `json:"productName"`
	ScanCount          int64   `json:"scanCount"`
	UniqueScanners     int     `json:"uniqueScanners"`
	AvgScansPerScanner float64 `json:"avgScansPerScanner"`
}

func lockedText(u *upgradeInfo) string {
	if u == nil {
		return "This report is not included in your plan."
	}
	return fmt.Sprintf("This report is locked (%s).\n%s", u.Feature, u.Message)
}

var severityOrder = []string{"critical", "high", "medium", "low"}

func formatSecurityDashboard(raw json.RawMessage) (string, error) {
	var d struct {
		Locked     bool         `json:"locked"`
		Upgrade    *upgradeInfo `json:"upgrade"`
		WindowDays int          `json:"windowDays"`
		Alerts     *struct {
			Items   []alertInfo `json:"items"`
			Total   int         `json:"total"`
			Page    int         `json:"page"`
			HasMore bool        `json:"hasMore"`
		} `json:"alerts"`
		SeverityCounts map[string]int `json:"severityCounts"`
		GeoRiskTable   []locationRisk `json:"geoRiskTable"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return "", err
	}
	if d.Locked {
		return lockedText(d.Upgrade), nil
	}
	if d.Alerts == nil || d.Alerts.Total == 0 {
		return fmt.Sprintf("No security alerts in the last %d days.", d.WindowDays), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d security alert(s) in the last %d days.\n", d.Alerts.Total, d.WindowDays)

	var counts []string
	for _, sev := range severityOrder {
		if n := d.SeverityCounts[sev]; n > 0 {
			counts = append(counts, fmt.Sprintf("%s: %d", sev, n))
		}
	}
	if len(counts) > 0 {
		fmt.Fprintf(&sb, "By severity: %s\n", strings.Join(counts, ", "))
	}

	sb.WriteString("\nAlerts:\n")
	for i, a := range d.Alerts.Items {
		fmt.Fprintf(&sb, "%d. [%s] %s on %s", i+1, strings.ToUpper(a.Severity), a.AlertType, a.QRKey)
		if a.ProductName != "" {
			fmt.Fprintf(&sb, " (%s)", a.ProductName)
		}
		fmt.Fprintf(&sb, "\n   Score %d | %s | %s\n", a.SecurityScore, a.Location, a.CreatedAt.Format(time.RFC3339))
	}
	if d.Alerts.HasMore {
		fmt.Fprintf(&sb, "(more alerts on page %d)\n", d.Alerts.Page+1)
	}

	if len(d.GeoRiskTable) > 0 {
		sb.WriteString("\nRiskiest locations:\n")
		for _, l := range d.GeoRiskTable {
			fmt.Fprintf(&sb, "  %s: %d alert(s), worst %s, avg score %.1f\n", l.Location, l.AlertCount, l.MaxSeverity, l.AvgScore)
		}
	}
	return sb.String(), nil
}

func formatGeographic(raw json.RawMessage) (string, error) {
	var g struct {
		Locked     bool         `json:"locked"`
		Upgrade    *upgradeInfo `json:"upgrade"`
		WindowDays int          `json:"windowDays"`
		HeatMap    []struct {
			City      string `json:"city"`
			Region    string `json:"region"`
			Country   string `json:"country"`
			ScanCount int    `json:"scanCount"`
		} `json:"heatMapData"`
		Countries []struct {
			Country   string `json:"country"`
			ScanCount int    `json:"scanCount"`
		} `json:"countryDistribution"`
		Summary struct {
			CountriesReached int `json:"countriesReached"`
			TotalLocations   int `json:"totalLocations"`
			TotalScans       int `json:"totalScans"`
		} `json:"summaryStats"`
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return "", err
	}
	if g.Locked {
		return lockedText(g.Upgrade), nil
	}
	if g.Summary.TotalScans == 0 {
		return fmt.Sprintf("No located scans in the last %d days.", g.WindowDays), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d scan(s) from %d location(s) over the last %d days. Countries reached: %d.\n",
		g.Summary.TotalScans, g.Summary.TotalLocations, g.WindowDays, g.Summary.CountriesReached)

	sort.SliceStable(g.Countries, func(i, j int) bool { return g.Countries[i].ScanCount > g.Countries[j].ScanCount })
	if len(g.Countries) > 0 {
		sb.WriteString("\nCountries:\n")
		for _, c := range g.Countries {
			fmt.Fprintf(&sb, "  %s: %d\n", c.Country, c.ScanCount)
		}
	}
	if len(g.HeatMap) > 0 {
		sb.WriteString("\nTop locations:\n")
		for i, p := range g.HeatMap {
			if i == 10 {
				break
			}
			fmt.Fprintf(&sb, "  %s, %s, %s: %d\n", p.City, p.Region, p.Country, p.ScanCount)
		}
	}
	return sb.String(), nil
}

func formatCodeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Codes *struct {
			Items   []codeInfo `json:"items"`
			Total   int        `json:"total"`
			Page    int        `json:"page"`
			HasMore bool       `json:"hasMore"`
		} `json:"codes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Codes == nil {
		return "", fmt.Errorf("unexpected codes response format")
	}
	if resp.Codes.Total == 0 {
		return "No codes registered.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d code(s), page %d:\n\n", resp.Codes.Total, resp.Codes.Page)
	for i, c := range resp.Codes.Items {
		fmt.Fprintf(&sb, "%d. %s (batch %s)", i+1, c.QRKey, c.BatchCode)
		if c.ProductName != "" {
			fmt.Fprintf(&sb, " - %s", c.ProductName)
		}
		fmt.Fprintf(&sb, "\n   Scans: %d | Unique scanners: %d\n", c.ScanCount, c.UniqueScanners)
	}
	if resp.Codes.HasMore {
		fmt.Fprintf(&sb, "\nMore codes on page %d.", resp.Codes.Page+1)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
