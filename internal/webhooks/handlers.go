package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/scanguard/internal/idgen"
	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/risk"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
	}
}

// RegisterRoutes sets up webhook routes on a group that already checks account ownership.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:accountId/webhooks", h.CreateWebhook)
	r.GET("/accounts/:accountId/webhooks", h.ListWebhooks)
	r.DELETE("/accounts/:accountId/webhooks/:webhookId", h.DeleteWebhook)
	r.POST("/accounts/:accountId/webhooks/:webhookId/test", h.TestWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL         string `json:"url" binding:"required"`
	MinSeverity string `json:"minSeverity"`
}

// CreateWebhook handles POST /accounts/:accountId/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	accountID := c.Param("accountId")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url is required",
		})
		return
	}
	if err := ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}
	severity := risk.SeverityLow
	if req.MinSeverity != "" {
		s, ok := risk.ParseSeverity(req.MinSeverity)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "minSeverity must be one of low, medium, high, critical",
			})
			return
		}
		severity = s
	}

	ctx := c.Request.Context()
	existing, err := h.store.ListByAccount(ctx, accountID)
	if err != nil {
		h.internalError(c, "list webhooks", err)
		return
	}
	if len(existing) >= MaxPerAccount {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": ErrLimit.Error(),
		})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:          idgen.WithPrefix("wh_"),
		AccountID:   accountID,
		URL:         req.URL,
		Secret:      secret,
		MinSeverity: severity,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		h.internalError(c, "create webhook", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only shown once
		"usage": gin.H{
			"signature": "sha256=HMAC-SHA256(body, secret) in hex",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /accounts/:accountId/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByAccount(c.Request.Context(), c.Param("accountId"))
	if err != nil {
		h.internalError(c, "list webhooks", err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /accounts/:accountId/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	webhookID := c.Param("webhookId")
	err := h.store.Delete(c.Request.Context(), c.Param("accountId"), webhookID)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "webhook not found"})
		return
	}
	if err != nil {
		h.internalError(c, "delete webhook", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "webhookId": webhookID})
}

// TestWebhook handles POST /accounts/:accountId/webhooks/:webhookId/test
func (h *Handler) TestWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if errors.Is(err, ErrNotFound) || (err == nil && sub.AccountID != c.Param("accountId")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "webhook not found"})
		return
	}
	if err != nil {
		h.internalError(c, "get webhook", err)
		return
	}

	if err := h.dispatcher.Ping(ctx, sub); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "delivery_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered", "webhookId": sub.ID})
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	logging.L(c.Request.Context()).Error("webhook store failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to " + op})
}
