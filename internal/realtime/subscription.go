package realtime

import (
	"errors"
	"slices"

	"github.com/mbd888/scanguard/internal/alerts"
	"github.com/mbd888/scanguard/internal/risk"
)

// MaxSubscribedCodes bounds the qrKeys filter of one connection.
const MaxSubscribedCodes = 500

// Subscription narrows a connection's stream within its account. The zero
// value passes every alert.
type Subscription struct {
	MinSeverity risk.Severity `json:"minSeverity,omitempty"`
	QRKeys      []string      `json:"qrKeys,omitempty"`
	ProductID   *int64        `json:"productId,omitempty"`
}

func (s Subscription) Validate() error {
	if s.MinSeverity != "" {
		if _, ok := risk.ParseSeverity(string(s.MinSeverity)); !ok {
			return errors.New("minSeverity must be low, medium, high or critical")
		}
	}
	if len(s.QRKeys) > MaxSubscribedCodes {
		return errors.New("too many qrKeys")
	}
	return nil
}

// Matches applies the filters to a; account scoping is the hub's job.
func (s Subscription) Matches(a *alerts.SecurityAlert) bool {
	if s.MinSeverity != "" && !a.Severity.AtLeast(s.MinSeverity) {
		return false
	}
	if s.ProductID != nil && (a.ProductID == nil || *a.ProductID != *s.ProductID) {
		return false
	}
	return len(s.QRKeys) == 0 || slices.Contains(s.QRKeys, a.QRKey)
}
