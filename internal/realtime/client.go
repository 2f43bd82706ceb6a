package realtime

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

// Client is one WebSocket connection.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	accountID string
	sub       atomic.Pointer[Subscription]
}

func newClient(h *Hub, conn *websocket.Conn, accountID string, sub Subscription) *Client {
	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), accountID: accountID}
	c.sub.Store(&sub)
	return c
}

func (c *Client) subscription() Subscription {
	if s := c.sub.Load(); s != nil {
		return *s
	}
	return Subscription{}
}

func (c *Client) leave() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// readPump applies Subscription updates sent by the client until the
// connection fails or stops answering pings. Invalid updates are ignored.
func (c *Client) readPump() {
	defer func() {
		c.leave()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("stream read failed", "account_id", c.accountID, "error", err)
			}
			return
		}
		var sub Subscription
		if json.Unmarshal(msg, &sub) != nil || sub.Validate() != nil {
			continue
		}
		c.sub.Store(&sub)
	}
}

// writePump drains send and keeps the connection alive with pings. A closed
// send channel ends the stream with a close frame.
func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Warn("stream write failed", "account_id", c.accountID, "error", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
