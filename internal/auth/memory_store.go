package auth

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps keys in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]*APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]*APIKey),
	}
}

func clone(k *APIKey) *APIKey {
	cp := *k
	return &cp
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := clone(key)
	s.byID[key.ID] = stored
	s.byHash[key.Hash] = stored
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byHash[hash]
	if !ok || !k.Active() {
		return nil, ErrKeyNotFound
	}
	return clone(k), nil
}

func (s *MemoryStore) ListByAccount(_ context.Context, accountID string) ([]*APIKey, error) {
	s.mu.RLock()
	out := make([]*APIKey, 0)
	for _, k := range s.byID {
		if k.AccountID == accountID {
			out = append(out, clone(k))
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *APIKey) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Revoke(_ context.Context, accountID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok || k.AccountID != accountID || !k.Active() {
		return ErrKeyNotFound
	}
	k.RevokedAt = &at
	return nil
}

func (s *MemoryStore) MarkUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.LastUsed = &at
	return nil
}

var _ Store = (*MemoryStore)(nil)
