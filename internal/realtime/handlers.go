package realtime

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/scanguard/internal/auth"
	"github.com/mbd888/scanguard/internal/risk"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits non-browser clients (no Origin) and pages served from
// the API's own host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// RegisterRoutes mounts the stream on a group that already authenticates.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/alerts/stream", h.StreamAlerts)
}

// StreamAlerts handles GET /v1/alerts/stream?minSeverity=high&productId=7
func (h *Hub) StreamAlerts(c *gin.Context) {
	accountID := auth.GetAccountID(c)
	if accountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}

	var q struct {
		MinSeverity string   `form:"minSeverity"`
		ProductID   *int64   `form:"productId"`
		QRKeys      []string `form:"qrKey"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": "productId must be an integer"})
		return
	}
	sub := Subscription{MinSeverity: risk.Severity(q.MinSeverity), ProductID: q.ProductID, QRKeys: q.QRKeys}
	if err := sub.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": err.Error()})
		return
	}

	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down", "message": "server shutting down"})
		return
	default:
	}
	if ok, perAccount := h.admit(accountID); !ok {
		if perAccount {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_streams", "message": "this account has too many open alert streams"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capacity", "message": "too many connections"})
		}
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "account_id", accountID, "error", err)
		return
	}

	client := newClient(h, conn, accountID, sub)
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
