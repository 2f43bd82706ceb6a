package plans

import (
	"context"
	"fmt"

	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/scans"
)

// Gate answers whether an account may see each analytics surface.
type Gate interface {
	CanAccessSecurityAnalytics(ctx context.Context, accountID string) bool
	CanAccessGeographicAnalytics(ctx context.Context, accountID string) bool
}

// CodeCounter reports how many codes an account owns.
type CodeCounter interface {
	CodeStats(ctx context.Context, accountID string, productID *int64) (*scans.CodeStats, error)
}

// Service resolves plan features from stored accounts.
type Service struct {
	store AccountStore
	codes CodeCounter
}

// NewService creates a plan service over an account store.
func NewService(store AccountStore) *Service {
	return &Service{store: store}
}

// WithCodeCounter enables code quota enforcement.
func (s *Service) WithCodeCounter(c CodeCounter) *Service {
	s.codes = c
	return s
}

// Store returns the underlying account store.
func (s *Service) Store() AccountStore {
	return s.store
}

// PlanFor returns the plan configuration of an active account.
func (s *Service) PlanFor(ctx context.Context, accountID string) (PlanConfig, error) {
	a, err := s.store.Get(ctx, accountID)
	if err != nil {
		return PlanConfig{}, err
	}
	if a.Status != StatusActive {
		return PlanConfig{}, ErrAccountSuspended
	}
	return ConfigFor(a.Plan), nil
}

func (s *Service) allowed(ctx context.Context, accountID, feature string, pick func(PlanConfig) bool) bool {
	cfg, err := s.PlanFor(ctx, accountID)
	if err != nil {
		logging.L(ctx).Debug("plan lookup denied access",
			"account_id", accountID, "feature", feature, "error", err)
		return false
	}
	return pick(cfg)
}

func (s *Service) CanAccessSecurityAnalytics(ctx context.Context, accountID string) bool {
	return s.allowed(ctx, accountID, "security", func(c PlanConfig) bool { return c.SecurityAnalytics })
}

func (s *Service) CanAccessGeographicAnalytics(ctx context.Context, accountID string) bool {
	return s.allowed(ctx, accountID, "geographic", func(c PlanConfig) bool { return c.GeographicAnalytics })
}

// CheckCodeQuota returns ErrQuotaExceeded when the account already owns as
// many codes as its plan allows. Without a CodeCounter only the account
// itself is checked.
func (s *Service) CheckCodeQuota(ctx context.Context, accountID string) error {
	cfg, err := s.PlanFor(ctx, accountID)
	if err != nil {
		return err
	}
	if cfg.MaxCodes == 0 || s.codes == nil {
		return nil
	}
	stats, err := s.codes.CodeStats(ctx, accountID, nil)
	if err != nil {
		return fmt.Errorf("count codes: %w", err)
	}
	if stats.TotalCodes >= cfg.MaxCodes {
		return fmt.Errorf("%w: plan %s allows %d codes", ErrQuotaExceeded, cfg.Plan, cfg.MaxCodes)
	}
	return nil
}

// StaticGate grants the same features to every account.
type StaticGate struct {
	Security   bool
	Geographic bool
}

func (g StaticGate) CanAccessSecurityAnalytics(context.Context, string) bool {
	return g.Security
}

func (g StaticGate) CanAccessGeographicAnalytics(context.Context, string) bool {
	return g.Geographic
}

var (
	_ Gate = (*Service)(nil)
	_ Gate = StaticGate{}
)
