// Package plans resolves which analytics an account's subscription unlocks
// and how many codes it may register.
package plans

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound  = errors.New("plans: account not found")
	ErrAccountExists    = errors.New("plans: account already exists")
	ErrAccountSuspended = errors.New("plans: account suspended")
	ErrQuotaExceeded    = errors.New("plans: code quota exceeded")
	ErrInvalidPlan      = errors.New("plans: unknown plan")
)

// Plan is a subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanGrowth     Plan = "growth"
	PlanEnterprise Plan = "enterprise"
)

// Status is the account lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Account is a seller that owns QR codes.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      Plan      `json:"plan"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PlanConfig lists the features and limits of a tier.
type PlanConfig struct {
	Plan                Plan `json:"plan"`
	SecurityAnalytics   bool `json:"securityAnalytics"`
	GeographicAnalytics bool `json:"geographicAnalytics"`
	MaxCodes            int  `json:"maxCodes"` // 0 = unlimited
}

// Plans is the hardcoded plan catalogue.
var Plans = map[Plan]PlanConfig{
	PlanFree: {
		Plan:     PlanFree,
		MaxCodes: 100,
	},
	PlanStarter: {
		Plan:              PlanStarter,
		SecurityAnalytics: true,
		MaxCodes:          1000,
	},
	PlanGrowth: {
		Plan:                PlanGrowth,
		SecurityAnalytics:   true,
		GeographicAnalytics: true,
		MaxCodes:            10000,
	},
	PlanEnterprise: {
		Plan:                PlanEnterprise,
		SecurityAnalytics:   true,
		GeographicAnalytics: true,
		MaxCodes:            0,
	},
}

// ConfigFor returns the catalogue entry for p, falling back to free.
func ConfigFor(p Plan) PlanConfig {
	cfg, ok := Plans[p]
	if !ok {
		return Plans[PlanFree]
	}
	return cfg
}

// ValidPlan returns true if the plan name is recognised.
func ValidPlan(p Plan) bool {
	_, ok := Plans[p]
	return ok
}

// AccountStore persists accounts.
type AccountStore interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	Update(ctx context.Context, a *Account) error
	List(ctx context.Context) ([]*Account, error)
}
