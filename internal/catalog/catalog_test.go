package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/scanguard/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestMemoryCatalog(t *testing.T) {
	ctx := context.Background()
	cat := NewMemoryCatalog()

	p1 := &Product{AccountID: "acct_a", Name: "Olive Oil"}
	require.NoError(t, cat.Create(ctx, p1))
	assert.Equal(t, int64(1), p1.ID)

	require.NoError(t, cat.Create(ctx, &Product{ID: 10, AccountID: "acct_a", Name: "Vinegar"}))
	p3 := &Product{AccountID: "acct_b", Name: "Honey"}
	require.NoError(t, cat.Create(ctx, p3))
	assert.Equal(t, int64(11), p3.ID)

	assert.ErrorIs(t, cat.Create(ctx, &Product{AccountID: "acct_a"}), ErrInvalidProduct)

	name, ok := cat.ProductName(ctx, 10)
	assert.True(t, ok)
	assert.Equal(t, "Vinegar", name)
	_, ok = cat.ProductName(ctx, 99)
	assert.False(t, ok)

	list, err := cat.List(ctx, "acct_a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Olive Oil", list[0].Name)

	empty, err := cat.List(ctx, "acct_none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNopNamer(t *testing.T) {
	_, ok := NopNamer{}.ProductName(context.Background(), 1)
	assert.False(t, ok)
}

func TestHandler_CreateAndList(t *testing.T) {
	cat := NewMemoryCatalog()
	r := gin.New()
	NewHandler(cat).RegisterProtectedRoutes(r.Group("/v1"))

	req := httptest.NewRequest(http.MethodPost, "/v1/accounts/acct_h/products", strings.NewReader(`{"name":" Tea "}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"Tea"`)

	req = httptest.NewRequest(http.MethodPost, "/v1/accounts/acct_h/products", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_h/products", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestPostgresCatalog_Integration(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	cat := NewPostgresCatalog(db)
	require.NoError(t, cat.Migrate(ctx))

	p := &Product{AccountID: "acct_pg", Name: "Coffee"}
	require.NoError(t, cat.Create(ctx, p))
	assert.NotZero(t, p.ID)

	name, ok := cat.ProductName(ctx, p.ID)
	assert.True(t, ok)
	assert.Equal(t, "Coffee", name)

	_, ok = cat.ProductName(ctx, p.ID+1000)
	assert.False(t, ok)

	list, err := cat.List(ctx, "acct_pg")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
