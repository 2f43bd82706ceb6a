package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/scanguard/internal/alerts"
	"github.com/mbd888/scanguard/internal/circuitbreaker"
	"github.com/mbd888/scanguard/internal/idgen"
	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/metrics"
	"github.com/mbd888/scanguard/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-ScanGuard-Event"
	HeaderDelivery  = "X-ScanGuard-Delivery"
	HeaderTimestamp = "X-ScanGuard-Timestamp"
	HeaderSignature = "X-ScanGuard-Signature"
)

// Dispatcher sends alert events to subscribers. It implements alerts.Publisher.
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	urlValidator func(string) error
	attempts     int
	baseDelay    time.Duration
	timeout      time.Duration
	now          func() time.Time
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		breaker:      circuitbreaker.New(5, time.Minute),
		urlValidator: ValidateURL,
		attempts:     3,
		baseDelay:    500 * time.Millisecond,
		timeout:      time.Minute,
		now:          time.Now,
	}
}

// WithRetry sets delivery attempts per event and the base backoff.
func (d *Dispatcher) WithRetry(attempts int, baseDelay time.Duration) *Dispatcher {
	d.attempts = attempts
	d.baseDelay = baseDelay
	return d
}

// WithBreaker replaces the per-subscription circuit breaker.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// PublishAlert dispatches a new alert in the background.
func (d *Dispatcher) PublishAlert(a *alerts.SecurityAlert) {
	d.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.DispatchAlert(ctx, a); err != nil {
			logging.L(ctx).Warn("webhook dispatch failed", "alert_id", a.ID, "account_id", a.AccountID, "error", err)
		}
	})
}

// Wait blocks until background dispatches finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// DispatchAlert delivers a to every subscription of its account that wants it.
// Per-subscription failures are recorded on the subscription, not returned.
func (d *Dispatcher) DispatchAlert(ctx context.Context, a *alerts.SecurityAlert) error {
	subs, err := d.store.ListByAccount(ctx, a.AccountID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventAlertCreated,
		Timestamp: d.now().UTC(),
		Alert:     a,
	}
	for _, sub := range subs {
		if !sub.Wants(a) {
			continue
		}
		_ = d.Deliver(ctx, sub, ev)
	}
	return nil
}

// Ping sends a test event to one subscription.
func (d *Dispatcher) Ping(ctx context.Context, sub *Subscription) error {
	return d.Deliver(ctx, sub, &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventPing,
		Timestamp: d.now().UTC(),
	})
}

// Deliver posts ev to sub with retries and records the outcome.
func (d *Dispatcher) Deliver(ctx context.Context, sub *Subscription, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = d.breaker.Execute(sub.ID, func() error {
		return retry.Run(ctx, retry.Policy{
			MaxAttempts: d.attempts,
			BaseDelay:   d.baseDelay,
			MaxDelay:    10 * time.Second,
		}, func() error {
			return d.post(ctx, sub, ev, payload)
		})
	})

	switch {
	case err == nil:
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		d.recordSuccess(ctx, sub)
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.recordFailure(ctx, sub, err)
	}
	return err
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, ev *Event, payload []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderDelivery, ev.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the signature header value for payload: "sha256=" followed by
// the hex HMAC-SHA256 of the body under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	if err := d.store.MarkDelivered(ctx, sub.ID, d.now().UTC()); err != nil {
		logging.L(ctx).Warn("webhook status update failed", "webhook_id", sub.ID, "error", err)
	}
}

// recordFailure lets the store count the failure; sub is a snapshot that
// other deliveries may be updating concurrently.
func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, cause error) {
	updated, err := d.store.MarkFailed(ctx, sub.ID, cause.Error(), MaxConsecutiveFailures)
	if err != nil {
		logging.L(ctx).Warn("webhook status update failed", "webhook_id", sub.ID, "error", err)
		return
	}
	if sub.Active && !updated.Active {
		logging.L(ctx).Warn("webhook deactivated after repeated failures",
			"webhook_id", sub.ID, "account_id", sub.AccountID, "failures", updated.ConsecutiveFailures)
	}
}

var _ alerts.Publisher = (*Dispatcher)(nil)
