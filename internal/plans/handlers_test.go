package plans

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubIssuer struct {
	issued []string
	err    error
}

func (s *stubIssuer) IssueKey(_ context.Context, accountID, _ string) (string, string, error) {
	if s.err != nil {
		return "", "", s.err
	}
	s.issued = append(s.issued, accountID)
	return "sk_test_" + accountID, "ak_" + accountID, nil
}

func setupRouter(keys KeyIssuer) (*gin.Engine, *MemoryStore) {
	store := NewMemoryStore()
	h := NewHandler(store, keys)
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterAdminRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return r, store
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateAccount_IssuesKey(t *testing.T) {
	issuer := &stubIssuer{}
	r, store := setupRouter(issuer)

	w := doJSON(r, http.MethodPost, "/v1/admin/accounts", gin.H{"id": "acct_shop", "name": "  Shop  ", "plan": "growth"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Account  Account    `json:"account"`
		Features PlanConfig `json:"features"`
		APIKey   string     `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Shop", resp.Account.Name)
	assert.Equal(t, PlanGrowth, resp.Account.Plan)
	assert.True(t, resp.Features.GeographicAnalytics)
	assert.Equal(t, "sk_test_acct_shop", resp.APIKey)
	assert.Equal(t, []string{"acct_shop"}, issuer.issued)

	stored, err := store.Get(context.Background(), "acct_shop")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)
}

func TestCreateAccount_DefaultsAndErrors(t *testing.T) {
	r, _ := setupRouter(nil)

	w := doJSON(r, http.MethodPost, "/v1/admin/accounts", gin.H{"name": "No Id"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"plan":"free"`)
	assert.Contains(t, w.Body.String(), `"id":"acct_`)

	w = doJSON(r, http.MethodPost, "/v1/admin/accounts", gin.H{"name": "Bad", "plan": "platinum"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/admin/accounts", gin.H{"id": "bad id!", "name": "Bad"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/admin/accounts", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, http.StatusCreated, doJSON(r, http.MethodPost, "/v1/admin/accounts", gin.H{"id": "dup", "name": "D"}).Code)
	assert.Equal(t, http.StatusConflict, doJSON(r, http.MethodPost, "/v1/admin/accounts", gin.H{"id": "dup", "name": "D"}).Code)
}

func TestCreateAccount_KeyFailureStillCreates(t *testing.T) {
	r, store := setupRouter(&stubIssuer{err: errors.New("boom")})

	w := doJSON(r, http.MethodPost, "/v1/admin/accounts", gin.H{"id": "acct_nokey", "name": "N"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "warning")
	assert.NotContains(t, w.Body.String(), "apiKey")

	_, err := store.Get(context.Background(), "acct_nokey")
	assert.NoError(t, err)
}

func TestUpdateAccount(t *testing.T) {
	r, store := setupRouter(nil)
	seedAccount(t, store, "acct_up", PlanFree, StatusActive)

	w := doJSON(r, http.MethodPatch, "/v1/admin/accounts/acct_up", gin.H{"plan": "starter", "status": "suspended"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	a, err := store.Get(context.Background(), "acct_up")
	require.NoError(t, err)
	assert.Equal(t, PlanStarter, a.Plan)
	assert.Equal(t, StatusSuspended, a.Status)

	assert.Equal(t, http.StatusBadRequest, doJSON(r, http.MethodPatch, "/v1/admin/accounts/acct_up", gin.H{"plan": "gold"}).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(r, http.MethodPatch, "/v1/admin/accounts/acct_up", gin.H{"status": "deleted"}).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(r, http.MethodPatch, "/v1/admin/accounts/nobody", gin.H{"plan": "free"}).Code)
}

func TestGetAndListAccounts(t *testing.T) {
	r, store := setupRouter(nil)
	seedAccount(t, store, "acct_get", PlanStarter, StatusActive)

	w := doJSON(r, http.MethodGet, "/v1/accounts/acct_get", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"securityAnalytics":true`)

	assert.Equal(t, http.StatusNotFound, doJSON(r, http.MethodGet, "/v1/accounts/missing", nil).Code)

	w = doJSON(r, http.MethodGet, "/v1/admin/accounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}
