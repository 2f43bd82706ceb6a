// Package realtime pushes security alerts to account dashboards over
// WebSocket as they are recorded.
//
// A connection belongs to the account whose key opened it and only sees that
// account's alerts. Clients narrow the stream by sending a Subscription.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/scanguard/internal/alerts"
	"github.com/mbd888/scanguard/internal/metrics"
)

const (
	MaxClients           = 10000
	MaxClientsPerAccount = 25
)

type EventType string

const EventSecurityAlert EventType = "security_alert"

// Event is one message written to clients.
type Event struct {
	Type      EventType             `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Alert     *alerts.SecurityAlert `json:"alert"`
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	Accounts         int   `json:"accounts"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	SlowDisconnects  int64 `json:"slowDisconnects"`
}

// Hub owns the set of live connections, indexed by account. Run is the
// only goroutine that mutates the index.
type Hub struct {
	logger *slog.Logger

	mu        sync.RWMutex
	byAccount map[string]map[*Client]struct{}
	count     int

	events     chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	maxClients    int
	maxPerAccount int

	totalClients, peakClients  atomic.Int64
	totalEvents, droppedEvents atomic.Int64
	slowDisconnects            atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:        logger,
		byAccount:     make(map[string]map[*Client]struct{}),
		events:        make(chan *Event, 256),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		done:          make(chan struct{}),
		maxClients:    MaxClients,
		maxPerAccount: MaxClientsPerAccount,
	}
}

// Run serves the hub until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("alert stream hub started")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("alert stream hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			if h.remove(c) {
				h.logger.Info("stream client disconnected", "account_id", c.accountID)
			}
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	set, ok := h.byAccount[c.accountID]
	if !ok {
		set = make(map[*Client]struct{})
		h.byAccount[c.accountID] = set
	}
	set[c] = struct{}{}
	h.count++
	n := h.count
	h.mu.Unlock()

	h.totalClients.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("stream client connected", "account_id", c.accountID, "total", n)
}

// remove drops c and closes its send channel; it reports false if c was
// already gone.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	set := h.byAccount[c.accountID]
	if _, ok := set[c]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.byAccount, c.accountID)
	}
	h.count--
	n := h.count
	h.mu.Unlock()

	close(c.send)
	metrics.ActiveWebSocketClients.Set(float64(n))
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for _, set := range h.byAccount {
		for c := range set {
			close(c.send)
		}
	}
	h.byAccount = make(map[string]map[*Client]struct{})
	h.count = 0
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// deliver fans ev out to the alert's account. Clients whose buffer is full
// are disconnected rather than allowed to stall the hub.
func (h *Hub) deliver(ev *Event) {
	h.totalEvents.Add(1)
	if ev.Alert == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode stream event", "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.byAccount[ev.Alert.AccountID] {
		if !c.subscription().Matches(ev.Alert) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		if h.remove(c) {
			h.slowDisconnects.Add(1)
			h.logger.Warn("dropped slow stream client", "account_id", c.accountID)
		}
	}
}

// Broadcast queues ev without blocking; it is dropped when the queue is full.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.events <- ev:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("alert stream queue full, dropping event", "type", ev.Type)
	}
}

// PublishAlert implements alerts.Publisher.
func (h *Hub) PublishAlert(a *alerts.SecurityAlert) {
	h.Broadcast(&Event{Type: EventSecurityAlert, Timestamp: time.Now().UTC(), Alert: a})
}

// admit reports whether another connection for accountID fits the limits.
// The answer can be stale by the time the client registers; the limits are
// soft.
func (h *Hub) admit(accountID string) (ok bool, perAccount bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count >= h.maxClients {
		return false, false
	}
	if len(h.byAccount[accountID]) >= h.maxPerAccount {
		return false, true
	}
	return true, false
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	connected, accounts := h.count, len(h.byAccount)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: connected,
		Accounts:         accounts,
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		SlowDisconnects:  h.slowDisconnects.Load(),
	}
}

var _ alerts.Publisher = (*Hub)(nil)
