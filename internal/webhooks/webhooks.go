// Package webhooks delivers security alerts to account-registered HTTP endpoints.
//
// Each delivery is a signed JSON POST. Endpoints that keep failing are
// skipped by a circuit breaker and eventually deactivated.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/scanguard/internal/alerts"
	"github.com/mbd888/scanguard/internal/risk"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventAlertCreated EventType = "alert.created"
	EventPing         EventType = "webhook.ping"
)

// MaxConsecutiveFailures deactivates a subscription after this many failed deliveries in a row.
const MaxConsecutiveFailures = 10

// MaxPerAccount caps webhook subscriptions per account.
const MaxPerAccount = 5

var (
	ErrNotFound   = errors.New("webhooks: subscription not found")
	ErrInvalidURL = errors.New("webhooks: invalid url")
	ErrLimit      = errors.New("webhooks: subscription limit reached")
)

// Event is the JSON body posted to subscribers.
type Event struct {
	ID        string                `json:"id"`
	Type      EventType             `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Alert     *alerts.SecurityAlert `json:"alert,omitempty"`
}

// Subscription is an account's webhook endpoint.
type Subscription struct {
	ID                  string        `json:"id"`
	AccountID           string        `json:"accountId"`
	URL                 string        `json:"url"`
	Secret              string        `json:"-"` // HMAC signing key
	MinSeverity         risk.Severity `json:"minSeverity"`
	Active              bool          `json:"active"`
	CreatedAt           time.Time     `json:"createdAt"`
	LastSuccess         *time.Time    `json:"lastSuccess,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// Wants reports whether the subscription should receive the alert.
func (s *Subscription) Wants(a *alerts.SecurityAlert) bool {
	return s.Active && s.AccountID == a.AccountID && a.Severity.AtLeast(s.MinSeverity)
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByAccount(ctx context.Context, accountID string) ([]*Subscription, error)
	// MarkDelivered records a success at and clears the failure streak.
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkFailed extends the failure streak in one step and deactivates the
	// subscription when the streak reaches limit. It returns the updated row.
	MarkFailed(ctx context.Context, id, cause string, limit int) (*Subscription, error)
	Delete(ctx context.Context, accountID, id string) error
}

// ValidateURL accepts absolute http(s) URLs whose host is not a loopback,
// private or link-local address literal.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%w: local addresses are not allowed", ErrInvalidURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: local addresses are not allowed", ErrInvalidURL)
		}
	}
	return nil
}
