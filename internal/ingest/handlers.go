package ingest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/plans"
	"github.com/mbd888/scanguard/internal/scans"
)

// Handler provides HTTP endpoints for scan ingestion and code registration.
type Handler struct {
	svc *Service
}

// NewHandler creates an ingestion handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterPublicRoutes sets up the unauthenticated scan endpoint. mw runs
// before the handler, typically the per-IP rate limiter.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup, mw ...gin.HandlerFunc) {
	r.POST("/scans", append(mw, h.RecordScan)...)
}

// RegisterProtectedRoutes sets up account-scoped routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:accountId/codes", h.RegisterCode)
}

// RecordScan handles POST /v1/scans
func (h *Handler) RecordScan(c *gin.Context) {
	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid scan payload"})
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}

	res, err := h.svc.Ingest(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidScan):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		case errors.Is(err, scans.ErrUnknownCode):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_code", "message": "qr code is not registered"})
		case errors.Is(err, scans.ErrStoreUnavailable):
			c.Header("Retry-After", strconv.Itoa(int(h.svc.RetryAfter().Seconds())))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": "scan could not be stored, retry later"})
		default:
			logging.L(c.Request.Context()).Error("ingest scan failed", "qr_key", req.QRKey, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to record scan"})
		}
		return
	}

	// Scoring detail stays internal; the scanner only learns the scan landed.
	c.JSON(http.StatusAccepted, gin.H{
		"scanId":     res.Scan.ID,
		"recordedAt": res.Scan.RecordedAt,
	})
}

// RegisterCode handles POST /v1/accounts/:accountId/codes
func (h *Handler) RegisterCode(c *gin.Context) {
	var req CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "qrKey and batchCode are required"})
		return
	}
	req.AccountID = c.Param("accountId")

	code, err := h.svc.RegisterCode(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCode):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		case errors.Is(err, scans.ErrCodeExists):
			c.JSON(http.StatusConflict, gin.H{"error": "code_exists", "message": "qr key already registered"})
		case errors.Is(err, plans.ErrQuotaExceeded):
			c.JSON(http.StatusForbidden, gin.H{"error": "quota_exceeded", "message": err.Error()})
		case errors.Is(err, plans.ErrAccountSuspended):
			c.JSON(http.StatusForbidden, gin.H{"error": "account_suspended", "message": "account is suspended"})
		case errors.Is(err, plans.ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
		default:
			logging.L(c.Request.Context()).Error("register code failed", "qr_key", req.QRKey, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to register code"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": code})
}
