package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/scanguard/internal/logging"
)

// PostgresCatalog persists products in PostgreSQL.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog creates a new PostgreSQL-backed catalog.
func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

// Migrate creates the products table when it does not exist.
func (p *PostgresCatalog) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS products (
			id          BIGSERIAL PRIMARY KEY,
			account_id  TEXT NOT NULL,
			name        TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_products_account ON products(account_id);
	`)
	return err
}

// Create inserts p and fills in its generated ID.
func (p *PostgresCatalog) Create(ctx context.Context, prod *Product) error {
	if prod.Name == "" {
		return ErrInvalidProduct
	}
	if prod.CreatedAt.IsZero() {
		prod.CreatedAt = time.Now().UTC()
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO products (account_id, name, created_at)
		VALUES ($1, $2, $3)
		RETURNING id`,
		prod.AccountID, prod.Name, prod.CreatedAt,
	).Scan(&prod.ID)
}

// ProductName reports false both for unknown IDs and for lookup failures;
// names are decoration only.
func (p *PostgresCatalog) ProductName(ctx context.Context, id int64) (string, bool) {
	var name string
	err := p.db.QueryRowContext(ctx, `SELECT name FROM products WHERE id = $1`, id).Scan(&name)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logging.L(ctx).Warn("product name lookup failed", "product_id", id, "error", err)
		}
		return "", false
	}
	return name, true
}

func (p *PostgresCatalog) List(ctx context.Context, accountID string) ([]*Product, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, name, created_at
		FROM products WHERE account_id = $1 ORDER BY id ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Product, 0)
	for rows.Next() {
		prod := &Product{}
		if err := rows.Scan(&prod.ID, &prod.AccountID, &prod.Name, &prod.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, prod)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresCatalog)(nil)
