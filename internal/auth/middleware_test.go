package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/scanguard/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	mgr *Manager
	raw string
	key *APIKey
	r   *gin.Engine
}

func newFixture(t *testing.T, adminSecret string) *fixture {
	t.Helper()
	mgr := NewManager(NewMemoryStore())
	raw, key, err := mgr.GenerateKey(context.Background(), "acct_abc", "test-key")
	require.NoError(t, err)

	r := gin.New()
	v1 := r.Group("/v1", Middleware(mgr))
	ok := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"account": GetAccountID(c), "logged": logging.AccountID(c.Request.Context())})
	}
	v1.GET("/open", ok)
	v1.GET("/private", RequireAuth(), ok)
	v1.GET("/accounts/:accountId/summary", RequireAccount("accountId"), ok)
	v1.POST("/admin/accounts", RequireAdmin(adminSecret), ok)
	NewHandler(mgr).RegisterRoutes(v1)

	return &fixture{mgr: mgr, raw: raw, key: key, r: r}
}

func (f *fixture) do(method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func (f *fixture) bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + f.raw}
}

func TestMiddleware_AttachesAccount(t *testing.T) {
	f := newFixture(t, "")
	for _, h := range []map[string]string{
		f.bearer(),
		{"X-API-Key": f.raw},
	} {
		w := f.do(http.MethodGet, "/v1/open", h)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"account":"acct_abc","logged":"acct_abc"}`, w.Body.String())
	}
}

func TestMiddleware_BadKeyStaysAnonymous(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/v1/open", map[string]string{"Authorization": "Bearer " + KeyPrefix + "bogus"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"account":"","logged":""}`, w.Body.String())
}

func TestRouteGuards(t *testing.T) {
	f := newFixture(t, "")
	tests := []struct {
		name string
		path string
		auth bool
		want int
	}{
		{"private with key", "/v1/private", true, http.StatusOK},
		{"private anonymous", "/v1/private", false, http.StatusUnauthorized},
		{"own account", "/v1/accounts/acct_abc/summary", true, http.StatusOK},
		{"foreign account", "/v1/accounts/acct_xyz/summary", true, http.StatusForbidden},
		{"account anonymous", "/v1/accounts/acct_abc/summary", false, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h map[string]string
			if tt.auth {
				h = f.bearer()
			}
			w := f.do(http.MethodGet, tt.path, h)
			assert.Equal(t, tt.want, w.Code)
			if tt.want != http.StatusOK {
				assert.Contains(t, w.Body.String(), `"error"`)
			}
		})
	}
}

func TestRequireAdmin_WithoutSecret(t *testing.T) {
	f := newFixture(t, "")
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/admin/accounts", f.bearer()).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/v1/admin/accounts", nil).Code)
}

func TestRequireAdmin_WithSecret(t *testing.T) {
	f := newFixture(t, "supersecret123")
	assert.Equal(t, http.StatusOK,
		f.do(http.MethodPost, "/v1/admin/accounts", map[string]string{"X-Admin-Secret": "supersecret123"}).Code)
	assert.Equal(t, http.StatusForbidden,
		f.do(http.MethodPost, "/v1/admin/accounts", map[string]string{"X-Admin-Secret": "supersecret"}).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/v1/admin/accounts", f.bearer()).Code,
		"an API key is not an admin credential once a secret is set")
}

func TestHandler_KeyLifecycle(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(http.MethodGet, "/v1/auth/me", f.bearer())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"accountId":"acct_abc"`)
	assert.Contains(t, w.Body.String(), f.key.Hint)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/keys", strings.NewReader(`{"name":"  deploy bot "}`))
	req.Header.Set("Authorization", "Bearer "+f.raw)
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		APIKey string `json:"apiKey"`
		KeyID  string `json:"keyId"`
		Key    APIKey `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.APIKey, KeyPrefix))
	assert.Equal(t, "deploy bot", created.Key.Name)

	w = f.do(http.MethodGet, "/v1/auth/keys", f.bearer())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
	assert.NotContains(t, w.Body.String(), f.key.Hash)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodDelete, "/v1/auth/keys/"+f.key.ID, f.bearer()).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/v1/auth/keys/"+created.KeyID, f.bearer()).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/v1/auth/keys/"+created.KeyID, f.bearer()).Code)

	// The revoked key no longer authenticates.
	w = f.do(http.MethodGet, "/v1/auth/me", map[string]string{"Authorization": "Bearer " + created.APIKey})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_CreateKeyRejectsBadJSON(t *testing.T) {
	f := newFixture(t, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/keys", strings.NewReader(`{"name":`))
	req.Header.Set("Authorization", "Bearer "+f.raw)
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_InfoIsPublic(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/v1/auth/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "POST /v1/scans")
	assert.Contains(t, w.Body.String(), KeyPrefix)
}
