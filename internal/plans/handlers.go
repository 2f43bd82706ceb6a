package plans

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/scanguard/internal/idgen"
	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/validation"
)

// KeyIssuer mints an API key bound to an account.
type KeyIssuer interface {
	IssueKey(ctx context.Context, accountID, name string) (rawKey, keyID string, err error)
}

// Handler provides HTTP endpoints for account management.
type Handler struct {
	store AccountStore
	keys  KeyIssuer
	now   func() time.Time
}

// NewHandler creates an account handler. keys may be nil, in which case
// accounts are created without an initial API key.
func NewHandler(store AccountStore, keys KeyIssuer) *Handler {
	return &Handler{store: store, keys: keys, now: time.Now}
}

// RegisterAdminRoutes sets up operator-only routes. The caller attaches the
// admin guard to r.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/accounts", h.CreateAccount)
	r.GET("/admin/accounts", h.ListAccounts)
	r.PATCH("/admin/accounts/:accountId", h.UpdateAccount)
}

// RegisterProtectedRoutes sets up account-scoped routes. The caller attaches
// authentication and ownership checks to r.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:accountId", h.GetAccount)
}

type createAccountRequest struct {
	ID   string `json:"id" validate:"omitempty,accountid"`
	Name string `json:"name" validate:"required"`
	Plan Plan   `json:"plan"`
}

// CreateAccount handles POST /v1/admin/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name is required"})
		return
	}
	if verrs := validation.Struct(req); verrs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": verrs.Error(), "details": verrs})
		return
	}
	if req.Plan == "" {
		req.Plan = PlanFree
	}
	if !ValidPlan(req.Plan) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": "plan must be one of free, starter, growth, enterprise"})
		return
	}
	if req.ID == "" {
		req.ID = idgen.WithPrefix("acct_")
	}

	now := h.now().UTC()
	a := &Account{
		ID:        req.ID,
		Name:      validation.SanitizeString(req.Name, 200),
		Plan:      req.Plan,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx := c.Request.Context()
	if err := h.store.Create(ctx, a); err != nil {
		if errors.Is(err, ErrAccountExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "account_exists", "message": "account id already in use"})
			return
		}
		logging.L(ctx).Error("create account failed", "account_id", a.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create account"})
		return
	}

	if h.keys == nil {
		c.JSON(http.StatusCreated, gin.H{"account": a, "features": ConfigFor(a.Plan)})
		return
	}

	rawKey, keyID, err := h.keys.IssueKey(ctx, a.ID, "Account admin key")
	if err != nil {
		logging.L(ctx).Warn("account created without api key", "account_id", a.ID, "error", err)
		c.JSON(http.StatusCreated, gin.H{
			"account":  a,
			"features": ConfigFor(a.Plan),
			"warning":  "Account created but key generation failed. Use the keys API to create one.",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account":  a,
		"features": ConfigFor(a.Plan),
		"apiKey":   rawKey,
		"keyId":    keyID,
		"warning":  "Store this API key securely. It will not be shown again.",
	})
}

// ListAccounts handles GET /v1/admin/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list accounts"})
		return
	}
	if accounts == nil {
		accounts = []*Account{}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "count": len(accounts)})
}

// GetAccount handles GET /v1/accounts/:accountId
func (h *Handler) GetAccount(c *gin.Context) {
	a, err := h.store.Get(c.Request.Context(), c.Param("accountId"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a, "features": ConfigFor(a.Plan)})
}

// UpdateAccount handles PATCH /v1/admin/accounts/:accountId
func (h *Handler) UpdateAccount(c *gin.Context) {
	ctx := c.Request.Context()
	a, err := h.store.Get(ctx, c.Param("accountId"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load account"})
		return
	}

	var req struct {
		Name   *string `json:"name"`
		Plan   *Plan   `json:"plan"`
		Status *Status `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	if req.Name != nil {
		a.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.Plan != nil {
		if !ValidPlan(*req.Plan) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": "unknown plan"})
			return
		}
		a.Plan = *req.Plan
	}
	if req.Status != nil {
		if *req.Status != StatusActive && *req.Status != StatusSuspended {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "status must be active or suspended"})
			return
		}
		a.Status = *req.Status
	}
	a.UpdatedAt = h.now().UTC()

	if err := h.store.Update(ctx, a); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update account"})
		return
	}
	logging.L(ctx).Info("account updated", "account_id", a.ID, "plan", a.Plan, "status", a.Status)
	c.JSON(http.StatusOK, gin.H{"account": a, "features": ConfigFor(a.Plan)})
}
