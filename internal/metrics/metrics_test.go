package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	for code, want := range map[int]string{
		101: "1xx", 204: "2xx", 304: "3xx", 429: "4xx", 502: "5xx", 599: "5xx",
	} {
		assert.Equal(t, want, statusBucket(code), "status %d", code)
	}
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())
	r.GET("/v1/accounts/:accountId/geographic", func(c *gin.Context) {
		c.JSON(http.StatusPaymentRequired, gin.H{"locked": true})
	})
	return r
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := newRouter()
	counter := HTTPRequestsTotal.WithLabelValues("GET", "/v1/accounts/:accountId/geographic", "4xx")
	before := testutil.ToFloat64(counter)

	for _, acct := range []string{"acct_1", "acct_2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/"+acct+"/geographic", nil))
		require.Equal(t, http.StatusPaymentRequired, w.Code)
	}
	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	r := newRouter()
	counter := HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")
	before := testutil.ToFloat64(counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/no/such/path", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestMiddleware_ObservesLatency(t *testing.T) {
	r := newRouter()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_9/geographic", nil))

	m := &dto.Metric{}
	obs := HTTPRequestDuration.WithLabelValues("GET", "/v1/accounts/:accountId/geographic")
	require.NoError(t, obs.(interface{ Write(*dto.Metric) error }).Write(m))
	assert.Positive(t, m.GetHistogram().GetSampleCount())
}

func TestHandler_ExposesDomainSeries(t *testing.T) {
	RiskFlagsTotal.WithLabelValues("counterfeit_suspected").Inc()
	WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	SnapshotCacheTotal.WithLabelValues("hit").Inc()

	w := httptest.NewRecorder()
	newRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, series := range []string{
		`scanguard_risk_flags_total{flag="counterfeit_suspected"}`,
		`scanguard_webhook_deliveries_total{result="delivered"}`,
		`scanguard_snapshot_cache_total{result="hit"}`,
		"scanguard_active_websocket_clients",
		"scanguard_goroutines",
	} {
		assert.Contains(t, body, series)
	}
}
