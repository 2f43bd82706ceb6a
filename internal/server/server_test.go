package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/scanguard/internal/config"
	"github.com/mbd888/scanguard/internal/risk"
)

const testAdminSecret = "test-admin-secret-0001"

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "text",
		AdminSecret:        testAdminSecret,
		IPHashSecret:       "pepper",
		RateLimitRPM:       600,
		RateLimitBurst:     100,
		ScanRetryAttempts:  2,
		ScanRetryBaseDelay: config.DefaultRetryBaseDelay,
		SnapshotCacheTTL:   config.DefaultCacheTTL,
		ReportTimeout:      config.DefaultReportTimeout,
		Risk:               risk.DefaultConfig(),
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

type call struct {
	method string
	path   string
	body   any
	apiKey string
	admin  bool
}

func (s *Server) do(c call) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if c.body != nil {
		_ = json.NewEncoder(&buf).Encode(c.body)
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.admin {
		req.Header.Set("X-Admin-Secret", testAdminSecret)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// createAccount provisions an account through the admin API and returns its key.
func createAccount(t *testing.T, s *Server, id, plan string) string {
	t.Helper()
	w := s.do(call{method: http.MethodPost, path: "/v1/admin/accounts", admin: true,
		body: gin.H{"id": id, "name": id, "plan": plan}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.APIKey)
	return resp.APIKey
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := s.do(call{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestLivenessAndReadiness(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(call{method: http.MethodGet, path: "/health/live"}).Code)
	// Run() has not been called so the server is not ready
	assert.Equal(t, http.StatusServiceUnavailable, s.do(call{method: http.MethodGet, path: "/health/ready"}).Code)

	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, s.do(call{method: http.MethodGet, path: "/health/ready"}).Code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	registered := make(map[string]bool)
	for _, r := range s.router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}

	for _, want := range []string{
		"POST /v1/scans",
		"POST /v1/accounts/:accountId/codes",
		"GET /v1/accounts/:accountId/security",
		"GET /v1/accounts/:accountId/geographic",
		"GET /v1/accounts/:accountId/summary",
		"GET /v1/accounts/:accountId/codes",
		"GET /v1/accounts/:accountId/codes/:qrKey/engagement",
		"GET /v1/accounts/:accountId/products",
		"GET /v1/alerts/stream",
		"POST /v1/accounts/:accountId/webhooks",
		"POST /v1/accounts/:accountId/webhooks/:webhookId/test",
		"POST /v1/admin/accounts",
		"GET /v1/admin/stats",
		"GET /metrics",
	} {
		assert.True(t, registered[want], "missing route %s", want)
	}
}

// ---------------------------------------------------------------------------
// Auth boundaries
// ---------------------------------------------------------------------------

func TestAccountRoutesRequireOwningKey(t *testing.T) {
	s := newTestServer(t)
	keyA := createAccount(t, s, "acct_a", "growth")
	createAccount(t, s, "acct_b", "growth")

	assert.Equal(t, http.StatusUnauthorized, s.do(call{method: http.MethodGet, path: "/v1/accounts/acct_a/summary"}).Code)
	assert.Equal(t, http.StatusForbidden, s.do(call{method: http.MethodGet, path: "/v1/accounts/acct_b/summary", apiKey: keyA}).Code)
	assert.Equal(t, http.StatusOK, s.do(call{method: http.MethodGet, path: "/v1/accounts/acct_a/summary", apiKey: keyA}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(call{method: http.MethodGet, path: "/v1/accounts/bad%20id/summary", apiKey: keyA}).Code)
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)
	key := createAccount(t, s, "acct_a", "free")

	assert.Equal(t, http.StatusForbidden, s.do(call{method: http.MethodGet, path: "/v1/admin/accounts", apiKey: key}).Code)
	assert.Equal(t, http.StatusOK, s.do(call{method: http.MethodGet, path: "/v1/admin/stats", admin: true}).Code)
}

// ---------------------------------------------------------------------------
// End-to-end flow
// ---------------------------------------------------------------------------

func TestScanToDashboardFlow(t *testing.T) {
	s := newTestServer(t)
	key := createAccount(t, s, "acct_shop", "growth")

	w := s.do(call{method: http.MethodPost, path: "/v1/accounts/acct_shop/products", apiKey: key, body: gin.H{"name": "Olive Oil"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var prod struct {
		Product struct {
			ID int64 `json:"id"`
		} `json:"product"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &prod))

	w = s.do(call{method: http.MethodPost, path: "/v1/accounts/acct_shop/codes", apiKey: key,
		body: gin.H{"qrKey": "bottle-0001", "batchCode": "LOT-7", "productId": prod.Product.ID}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Two scans 2,000 km apart within minutes of each other.
	w = s.do(call{method: http.MethodPost, path: "/v1/scans", body: gin.H{
		"qrKey": "bottle-0001", "ipAddress": "198.51.100.1", "city": "Quito", "country": "EC", "latitude": 0.0, "longitude": 0.0,
	}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	w = s.do(call{method: http.MethodPost, path: "/v1/scans", body: gin.H{
		"qrKey": "bottle-0001", "ipAddress": "198.51.100.2", "city": "Far", "country": "EC", "latitude": 0.0, "longitude": 17.986,
	}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = s.do(call{method: http.MethodGet, path: "/v1/accounts/acct_shop/security", apiKey: key})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var dash struct {
		Locked bool `json:"locked"`
		Alerts struct {
			Total int `json:"total"`
			Items []struct {
				Severity    string `json:"severity"`
				ProductName string `json:"productName"`
			} `json:"items"`
		} `json:"alerts"`
		SeverityCounts map[string]int `json:"severityCounts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dash))
	assert.False(t, dash.Locked)
	require.Equal(t, 1, dash.Alerts.Total)
	assert.Equal(t, "critical", dash.Alerts.Items[0].Severity)
	assert.Equal(t, "Olive Oil", dash.Alerts.Items[0].ProductName)
	assert.Equal(t, 1, dash.SeverityCounts["critical"])

	w = s.do(call{method: http.MethodGet, path: "/v1/accounts/acct_shop/geographic?days=7", apiKey: key})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"locked":false`)
	assert.Contains(t, w.Body.String(), "Quito")

	w = s.do(call{method: http.MethodGet, path: "/v1/accounts/acct_shop/codes/bottle-0001/engagement", apiKey: key})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"uniqueScanners":2`)
	assert.Contains(t, w.Body.String(), `"scanCount":2`)
}

func TestFreePlanAnalyticsLocked(t *testing.T) {
	s := newTestServer(t)
	key := createAccount(t, s, "acct_free", "free")

	for _, path := range []string{"/v1/accounts/acct_free/security", "/v1/accounts/acct_free/geographic"} {
		w := s.do(call{method: http.MethodGet, path: path, apiKey: key})
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Body.String(), `"locked":true`, path)
		assert.Contains(t, w.Body.String(), `"upgrade"`, path)
	}

	// Summary is not gated.
	assert.Equal(t, http.StatusOK, s.do(call{method: http.MethodGet, path: "/v1/accounts/acct_free/summary", apiKey: key}).Code)
}

func TestScanForUnknownCode(t *testing.T) {
	s := newTestServer(t)
	w := s.do(call{method: http.MethodPost, path: "/v1/scans", body: gin.H{"qrKey": "never-issued", "ipAddress": "203.0.113.5"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://scan:***@db:5432/scanguard", maskDSN("postgres://scan:secret@db:5432/scanguard"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
