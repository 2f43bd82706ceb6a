package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(mw)
	router.GET("/v1/accounts/a/summary", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.POST("/v1/scans", func(c *gin.Context) { c.String(http.StatusAccepted, "ok") })
	return router
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	router := newRouter(HeadersMiddleware())
	w := serve(router, httptest.NewRequest(http.MethodGet, "/v1/accounts/a/summary", nil))

	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for header, expected := range headers {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
	if csp := w.Header().Get("Content-Security-Policy"); csp == "" {
		t.Error("Content-Security-Policy header not set")
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS set on plain http: %q", hsts)
	}
}

func TestHeadersMiddleware_HTTPSAndPost(t *testing.T) {
	router := newRouter(HeadersMiddleware())

	req := httptest.NewRequest(http.MethodPost, "/v1/scans", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	w := serve(router, req)

	if got := w.Header().Get("Strict-Transport-Security"); got != hstsValue {
		t.Errorf("HSTS = %q, want %q", got, hstsValue)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "" {
		t.Errorf("Cache-Control on POST = %q, want empty", cc)
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		wantOrigin     string
		wantCreds      bool
	}{
		{
			name:           "allowed origin",
			allowedOrigins: []string{"https://dashboard.example.com/"},
			requestOrigin:  "https://dashboard.example.com",
			wantOrigin:     "https://dashboard.example.com",
			wantCreds:      true,
		},
		{
			name:           "wildcard allows all without credentials",
			allowedOrigins: []string{"*"},
			requestOrigin:  "https://anything.com",
			wantOrigin:     "*",
		},
		{
			name:           "disallowed origin",
			allowedOrigins: []string{"https://dashboard.example.com"},
			requestOrigin:  "https://other.example.net",
		},
		{
			name:           "no origins configured",
			allowedOrigins: nil,
			requestOrigin:  "https://dashboard.example.com",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := newRouter(CORSMiddleware(tc.allowedOrigins))
			req := httptest.NewRequest(http.MethodGet, "/v1/accounts/a/summary", nil)
			req.Header.Set("Origin", tc.requestOrigin)
			w := serve(router, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, simple requests always pass through", w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tc.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tc.wantCreds {
				t.Errorf("credentials = %v, want %v", got, tc.wantCreds)
			}
			if w.Header().Get("Vary") != "Origin" {
				t.Errorf("Vary = %q, want Origin", w.Header().Get("Vary"))
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	router := newRouter(CORSMiddleware([]string{"https://dashboard.example.com"}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/accounts/a/summary", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	w := serve(router, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if methods := w.Header().Get("Access-Control-Allow-Methods"); methods != allowMethods {
		t.Errorf("Allow-Methods = %q", methods)
	}
	if exp := w.Header().Get("Access-Control-Expose-Headers"); exp != exposeHeaders {
		t.Errorf("Expose-Headers = %q", exp)
	}

	req = httptest.NewRequest(http.MethodOptions, "/v1/accounts/a/summary", nil)
	req.Header.Set("Origin", "https://evil.example")
	if w := serve(router, req); w.Code != http.StatusForbidden {
		t.Errorf("foreign preflight status = %d, want 403", w.Code)
	}
}
