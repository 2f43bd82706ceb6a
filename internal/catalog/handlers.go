package catalog

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/validation"
)

// Handler exposes product management for an account.
type Handler struct {
	store Store
}

// NewHandler creates a product handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes sets up account-scoped product routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:accountId/products", h.CreateProduct)
	r.GET("/accounts/:accountId/products", h.ListProducts)
}

// CreateProduct handles POST /v1/accounts/:accountId/products
func (h *Handler) CreateProduct(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name is required"})
		return
	}
	p := &Product{
		AccountID: c.Param("accountId"),
		Name:      validation.SanitizeString(req.Name, 200),
	}
	if err := h.store.Create(c.Request.Context(), p); err != nil {
		if err == ErrInvalidProduct {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name is required"})
			return
		}
		logging.L(c.Request.Context()).Error("create product failed", "account_id", p.AccountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create product"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"product": p})
}

// ListProducts handles GET /v1/accounts/:accountId/products
func (h *Handler) ListProducts(c *gin.Context) {
	products, err := h.store.List(c.Request.Context(), c.Param("accountId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list products"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products, "count": len(products)})
}
