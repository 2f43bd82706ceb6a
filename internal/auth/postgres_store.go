package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore keeps keys in the api_keys table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates api_keys. It references accounts, so the account store
// migrates first.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id          TEXT PRIMARY KEY,
			hash        TEXT NOT NULL UNIQUE,
			account_id  TEXT NOT NULL REFERENCES accounts(id),
			name        TEXT NOT NULL DEFAULT '',
			hint        TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_used   TIMESTAMPTZ,
			revoked_at  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_account ON api_keys(account_id);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, account_id, name, hint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.Hash, key.AccountID, key.Name, key.Hint, key.CreatedAt)
	return err
}

const selectKey = `SELECT id, hash, account_id, name, hint, created_at, last_used, revoked_at FROM api_keys`

func scanKey(row interface{ Scan(...any) error }) (*APIKey, error) {
	var (
		k                 APIKey
		lastUsed, revoked sql.NullTime
	)
	if err := row.Scan(&k.ID, &k.Hash, &k.AccountID, &k.Name, &k.Hint, &k.CreatedAt, &lastUsed, &revoked); err != nil {
		return nil, err
	}
	k.LastUsed = timePtr(lastUsed)
	k.RevokedAt = timePtr(revoked)
	return &k, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	k, err := scanKey(p.db.QueryRowContext(ctx, selectKey+` WHERE hash = $1 AND revoked_at IS NULL`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return k, err
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, selectKey+` WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*APIKey, 0)
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Revoke(ctx context.Context, accountID, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = $1
		WHERE id = $2 AND account_id = $3 AND revoked_at IS NULL
	`, at, id, accountID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (p *PostgresStore) MarkUsed(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE api_keys SET last_used = $1 WHERE id = $2`, at, id)
	return err
}

var _ Store = (*PostgresStore)(nil)
