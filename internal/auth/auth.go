// Package auth authenticates seller accounts by API key.
//
// Scan ingestion (POST /v1/scans) is public and limited per IP. Account
// routes need a key owned by the :accountId in the path. Admin routes need
// the X-Admin-Secret header.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/scanguard/internal/idgen"
	"github.com/mbd888/scanguard/internal/logging"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or revoked API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

// KeyPrefix starts every raw key so leaked keys are easy to scan for.
const KeyPrefix = "sgk_"

// lastUsedResolution limits last-used writes to one per key per minute.
const lastUsedResolution = time.Minute

// APIKey is the stored form of a key. The raw secret is never kept.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	AccountID string     `json:"accountId"`
	Name      string     `json:"name"`
	Hint      string     `json:"hint"` // KeyPrefix plus the first 6 secret characters
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Active reports whether the key can still authenticate.
func (k *APIKey) Active() bool { return k.RevokedAt == nil }

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	// GetByHash returns ErrKeyNotFound for unknown or revoked keys.
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByAccount(ctx context.Context, accountID string) ([]*APIKey, error)
	// Revoke returns ErrKeyNotFound unless an active key id belongs to accountID.
	Revoke(ctx context.Context, accountID, id string, at time.Time) error
	MarkUsed(ctx context.Context, id string, at time.Time) error
}

// Manager issues and checks keys.
type Manager struct {
	store Store
	now   func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a key for accountID. The raw key is returned once and
// only its SHA-256 is stored.
func (m *Manager) GenerateKey(ctx context.Context, accountID, name string) (string, *APIKey, error) {
	raw := KeyPrefix + idgen.Hex(32)
	key := &APIKey{
		ID:        idgen.WithPrefix("key_"),
		Hash:      hashKey(raw),
		AccountID: accountID,
		Name:      name,
		Hint:      raw[:len(KeyPrefix)+6],
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// IssueKey is GenerateKey for callers that only need the raw key and its ID.
func (m *Manager) IssueKey(ctx context.Context, accountID, name string) (rawKey, keyID string, err error) {
	raw, key, err := m.GenerateKey(ctx, accountID, name)
	if err != nil {
		return "", "", err
	}
	return raw, key.ID, nil
}

// ValidateKey resolves a raw key, with or without a "Bearer " prefix.
func (m *Manager) ValidateKey(ctx context.Context, credential string) (*APIKey, error) {
	raw := strings.TrimSpace(credential)
	if rest, ok := strings.CutPrefix(raw, "Bearer"); ok && (rest == "" || rest[0] == ' ') {
		raw = strings.TrimSpace(rest)
	}
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	key, err := m.store.GetByHash(ctx, hashKey(raw))
	if err != nil || !key.Active() {
		return nil, ErrInvalidAPIKey
	}
	m.touch(ctx, key)
	return key, nil
}

// touch records last use in the background, at most once per resolution window.
func (m *Manager) touch(ctx context.Context, key *APIKey) {
	now := m.now().UTC()
	if key.LastUsed != nil && now.Sub(*key.LastUsed) < lastUsedResolution {
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(bg, 5*time.Second)
		defer cancel()
		if err := m.store.MarkUsed(ctx, key.ID, now); err != nil {
			logging.L(ctx).Debug("api key last-used update failed", "key_id", key.ID, "error", err)
		}
	}()
}

// ListKeys returns an account's keys, oldest first, revoked ones included.
func (m *Manager) ListKeys(ctx context.Context, accountID string) ([]*APIKey, error) {
	return m.store.ListByAccount(ctx, accountID)
}

// RevokeKey disables keyID if accountID owns it.
func (m *Manager) RevokeKey(ctx context.Context, keyID, accountID string) error {
	return m.store.Revoke(ctx, accountID, keyID, m.now().UTC())
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
