package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a ScanGuard API.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	APIKey    string // API key, e.g. "sk_..."
	AccountID string // account the key belongs to
}

// Client is an HTTP client for the ScanGuard reporting API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the ScanGuard API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ReportFilter narrows a report. Zero values use server defaults.
type ReportFilter struct {
	Days      int
	ProductID int64
	Page      int
	PageSize  int
}

func (f ReportFilter) values() url.Values {
	q := url.Values{}
	if f.Days > 0 {
		q.Set("days", strconv.Itoa(f.Days))
	}
	if f.ProductID > 0 {
		q.Set("productId", strconv.FormatInt(f.ProductID, 10))
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(f.PageSize))
	}
	return q
}

// doRequest makes an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func (c *Client) accountPath(suffix string) string {
	return "/v1/accounts/" + url.PathEscape(c.cfg.AccountID) + suffix
}

// SecurityDashboard fetches the account's security dashboard.
func (c *Client) SecurityDashboard(ctx context.Context, f ReportFilter) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, c.accountPath("/security"), f.values(), nil)
}

// GeographicAnalytics fetches the account's geographic report.
func (c *Client) GeographicAnalytics(ctx context.Context, f ReportFilter) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, c.accountPath("/geographic"), f.values(), nil)
}

// AccountSummary fetches engagement totals.
func (c *Client) AccountSummary(ctx context.Context, productID int64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, c.accountPath("/summary"), ReportFilter{ProductID: productID}.values(), nil)
}

// ListCodes fetches a page of codes.
func (c *Client) ListCodes(ctx context.Context, f ReportFilter) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, c.accountPath("/codes"), f.values(), nil)
}

// CodeEngagement fetches the engagement of one code.
func (c *Client) CodeEngagement(ctx context.Context, qrKey string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, c.accountPath("/codes/"+url.PathEscape(qrKey)+"/engagement"), nil, nil)
}

// RegisterCode registers a new QR code for the account.
func (c *Client) RegisterCode(ctx context.Context, qrKey, batchCode string, productID int64) (json.RawMessage, error) {
	body := map[string]any{
		"qrKey":     qrKey,
		"batchCode": batchCode,
	}
	if productID > 0 {
		body["productId"] = productID
	}
	return c.doRequest(ctx, http.MethodPost, c.accountPath("/codes"), nil, body)
}
