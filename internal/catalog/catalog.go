// Package catalog keeps the product names used to decorate reports.
package catalog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrInvalidProduct = errors.New("catalog: product name required")

// Product groups codes under a seller's product line.
type Product struct {
	ID        int64     `json:"id"`
	AccountID string    `json:"accountId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Namer resolves a product ID to its display name.
type Namer interface {
	ProductName(ctx context.Context, id int64) (string, bool)
}

// Store persists products.
type Store interface {
	Namer
	Create(ctx context.Context, p *Product) error
	List(ctx context.Context, accountID string) ([]*Product, error)
}

// MemoryCatalog is an in-memory product store. IDs are assigned sequentially
// from 1.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[int64]*Product
	nextID   int64
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{products: make(map[int64]*Product), nextID: 1}
}

func (m *MemoryCatalog) Create(_ context.Context, p *Product) error {
	if p.Name == "" {
		return ErrInvalidProduct
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == 0 {
		p.ID = m.nextID
	}
	if p.ID >= m.nextID {
		m.nextID = p.ID + 1
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := *p
	m.products[p.ID] = &cp
	return nil
}

func (m *MemoryCatalog) ProductName(_ context.Context, id int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return "", false
	}
	return p.Name, true
}

func (m *MemoryCatalog) List(_ context.Context, accountID string) ([]*Product, error) {
	m.mu.RLock()
	out := make([]*Product, 0)
	for _, p := range m.products {
		if p.AccountID == accountID {
			cp := *p
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// NopNamer knows no products.
type NopNamer struct{}

func (NopNamer) ProductName(context.Context, int64) (string, bool) {
	return "", false
}

var (
	_ Store = (*MemoryCatalog)(nil)
	_ Namer = NopNamer{}
)
