package reporting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/scanguard/internal/geoanalytics"
	"github.com/mbd888/scanguard/internal/logging"
)

// Handler exposes reports over HTTP.
type Handler struct {
	svc     *Service
	timeout time.Duration
}

// NewHandler creates a reporting handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// WithTimeout bounds each report; 0 leaves only the request context.
func (h *Handler) WithTimeout(d time.Duration) *Handler {
	h.timeout = d
	return h
}

// RegisterRoutes sets up report routes. The caller attaches authentication
// and account ownership checks to r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:accountId/security", h.GetSecurityDashboard)
	r.GET("/accounts/:accountId/geographic", h.GetGeographicAnalytics)
	r.GET("/accounts/:accountId/summary", h.GetAccountSummary)
	r.GET("/accounts/:accountId/codes", h.ListCodes)
	r.GET("/accounts/:accountId/codes/:qrKey/engagement", h.GetCodeEngagement)
}

func (h *Handler) context(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(c.Request.Context(), h.timeout)
	}
	return context.WithCancel(c.Request.Context())
}

// GetSecurityDashboard handles GET /v1/accounts/:accountId/security
func (h *Handler) GetSecurityDashboard(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	dash, err := h.svc.GetSecurityDashboard(ctx, SecurityRequest{
		AccountID:  c.Param("accountId"),
		WindowDays: q.days,
		ProductID:  q.productID,
		Page:       q.page,
		PageSize:   q.pageSize,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dash)
}

// GetGeographicAnalytics handles GET /v1/accounts/:accountId/geographic
func (h *Handler) GetGeographicAnalytics(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	geo, err := h.svc.GetGeographicAnalytics(ctx, GeoRequest{
		AccountID:  c.Param("accountId"),
		WindowDays: q.days,
		ProductID:  q.productID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, geo)
}

// GetAccountSummary handles GET /v1/accounts/:accountId/summary
func (h *Handler) GetAccountSummary(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	sum, err := h.svc.GetAccountSummary(ctx, c.Param("accountId"), q.productID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}

// ListCodes handles GET /v1/accounts/:accountId/codes
func (h *Handler) ListCodes(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	res, err := h.svc.ListCodes(ctx, CodesRequest{
		AccountID: c.Param("accountId"),
		ProductID: q.productID,
		Page:      q.page,
		PageSize:  q.pageSize,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"codes": res})
}

// GetCodeEngagement handles GET /v1/accounts/:accountId/codes/:qrKey/engagement
func (h *Handler) GetCodeEngagement(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()

	e, err := h.svc.GetCodeEngagement(ctx, c.Param("accountId"), c.Param("qrKey"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"engagement": e})
}

type reportQuery struct {
	days      int
	productID *int64
	page      int
	pageSize  int
}

// parseQuery reads days, productId, page and pageSize. Malformed numbers are
// answered with 400 and ok=false.
func parseQuery(c *gin.Context) (reportQuery, bool) {
	var q reportQuery
	var err error
	if q.days, err = intParam(c, "days"); err != nil {
		return q, badQuery(c, err)
	}
	if q.page, err = intParam(c, "page"); err != nil {
		return q, badQuery(c, err)
	}
	if q.pageSize, err = intParam(c, "pageSize"); err != nil {
		return q, badQuery(c, err)
	}
	if raw := c.Query("productId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return q, badQuery(c, errors.New("productId must be an integer"))
		}
		q.productID = &id
	}
	return q, true
}

func intParam(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

func badQuery(c *gin.Context, err error) bool {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": err.Error()})
	return false
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidFilter):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": err.Error()})
	case errors.Is(err, geoanalytics.ErrTooManyRows):
		c.JSON(http.StatusBadRequest, gin.H{"error": "window_too_large", "message": "narrow the window or filter by product"})
	case errors.Is(err, ErrUnknownCode):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "code not found"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout", "message": "report took too long"})
	default:
		logging.L(c.Request.Context()).Error("report failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to build report"})
	}
}
