package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/scanguard/internal/logging"
)

// Gin context keys set by Middleware.
const (
	ContextKeyAPIKey    = "apiKey"
	ContextKeyAccountID = "authAccountID"
)

// credential returns the key from Authorization or, failing that, X-API-Key.
func credential(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		return v
	}
	return r.Header.Get("X-API-Key")
}

func deny(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

// Middleware authenticates the request when it carries a valid key and
// otherwise lets it through anonymously. Route guards decide what is required.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cred := credential(c.Request); cred != "" {
			if key, err := m.ValidateKey(c.Request.Context(), cred); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyAccountID, key.AccountID)
				c.Request = c.Request.WithContext(logging.WithAccountID(c.Request.Context(), key.AccountID))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects anonymous requests with 401.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			deny(c, http.StatusUnauthorized, "unauthorized", "API key required: send 'Authorization: Bearer "+KeyPrefix+"...'")
			return
		}
		c.Next()
	}
}

// RequireAccount rejects anonymous requests with 401 and keys owned by an
// account other than the path parameter with 403.
func RequireAccount(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch GetAccountID(c) {
		case "":
			deny(c, http.StatusUnauthorized, "unauthorized", "API key required")
		case c.Param(param):
			c.Next()
		default:
			deny(c, http.StatusForbidden, "forbidden", "API key does not belong to this account")
		}
	}
}

// RequireAdmin compares X-Admin-Secret with secret in constant time. An empty
// secret admits any authenticated key, which suits local development only.
func RequireAdmin(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if secret == "" {
			if !IsAuthenticated(c) {
				deny(c, http.StatusUnauthorized, "unauthorized", "API key required")
				return
			}
			c.Next()
			return
		}
		if subtle.ConstantTimeCompare([]byte(c.GetHeader("X-Admin-Secret")), want) != 1 {
			deny(c, http.StatusForbidden, "forbidden", "admin access required")
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the authenticated key.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	k, ok := v.(*APIKey)
	return k, ok
}

// GetAccountID returns the authenticated account, or "".
func GetAccountID(c *gin.Context) string {
	return c.GetString(ContextKeyAccountID)
}

func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetAPIKey(c)
	return ok
}
