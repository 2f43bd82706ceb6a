package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/validation"
)

// Handler serves key self-management for the calling account.
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts /auth routes on a group that already runs Middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)

	g := r.Group("/auth", RequireAuth())
	g.GET("/me", h.Me)
	g.GET("/keys", h.ListKeys)
	g.POST("/keys", h.CreateKey)
	g.DELETE("/keys/:keyId", h.RevokeKey)
}

var (
	publicEndpoints = []string{
		"POST /v1/scans",
		"GET /v1/auth/info",
	}
	accountEndpoints = []string{
		"POST /v1/accounts/:accountId/codes",
		"GET /v1/accounts/:accountId/codes",
		"GET /v1/accounts/:accountId/codes/:qrKey/engagement",
		"GET /v1/accounts/:accountId/security",
		"GET /v1/accounts/:accountId/geographic",
		"GET /v1/accounts/:accountId/summary",
		"GET /v1/accounts/:accountId/webhooks",
		"POST /v1/accounts/:accountId/webhooks",
		"DELETE /v1/accounts/:accountId/webhooks/:webhookId",
		"POST /v1/accounts/:accountId/webhooks/:webhookId/test",
		"GET /v1/alerts/stream",
	}
)

// Info describes how to authenticate.
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":               "api_key",
		"header":             "Authorization: Bearer " + KeyPrefix + "...",
		"altHeader":          "X-API-Key: " + KeyPrefix + "...",
		"note":               "A key is returned once when an account is created. Store it securely.",
		"publicEndpoints":    publicEndpoints,
		"protectedEndpoints": accountEndpoints,
	})
}

// Me describes the key used for this request.
func (h *Handler) Me(c *gin.Context) {
	key, _ := GetAPIKey(c)
	c.JSON(http.StatusOK, gin.H{
		"accountId": key.AccountID,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"hint":      key.Hint,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}

func (h *Handler) ListKeys(c *gin.Context) {
	key, _ := GetAPIKey(c)
	keys, err := h.manager.ListKeys(c.Request.Context(), key.AccountID)
	if err != nil {
		logging.L(c.Request.Context()).Error("list api keys failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// CreateKeyRequest is the optional body of POST /auth/keys.
type CreateKeyRequest struct {
	Name string `json:"name"`
}

func (h *Handler) CreateKey(c *gin.Context) {
	key, _ := GetAPIKey(c)

	var req CreateKeyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be JSON"})
			return
		}
	}
	name := validation.SanitizeString(req.Name, 100)
	if name == "" {
		name = "Additional key"
	}

	raw, created, err := h.manager.GenerateKey(c.Request.Context(), key.AccountID, name)
	if err != nil {
		logging.L(c.Request.Context()).Error("create api key failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create API key"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  raw,
		"key":     created,
		"keyId":   created.ID,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

func (h *Handler) RevokeKey(c *gin.Context) {
	key, _ := GetAPIKey(c)
	target := c.Param("keyId")
	if target == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot_revoke_current", "message": "cannot revoke the key making this request"})
		return
	}

	err := h.manager.RevokeKey(c.Request.Context(), target, key.AccountID)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found", "message": "key not found or already revoked"})
	case err != nil:
		logging.L(c.Request.Context()).Error("revoke api key failed", "key_id", target, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to revoke key"})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "key revoked", "keyId": target})
	}
}
