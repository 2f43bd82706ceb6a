package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/scanguard/internal/risk"
)

// PostgresStore persists webhook subscriptions in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the webhooks table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webhooks (
			id                    TEXT PRIMARY KEY,
			account_id            TEXT NOT NULL,
			url                   TEXT NOT NULL,
			secret                TEXT NOT NULL,
			min_severity          TEXT NOT NULL DEFAULT 'low',
			active                BOOLEAN NOT NULL DEFAULT TRUE,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_success          TIMESTAMPTZ,
			last_error            TEXT,
			consecutive_failures  INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_webhooks_account ON webhooks(account_id, created_at DESC);
	`)
	return err
}

const subColumns = `id, account_id, url, secret, min_severity, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, account_id, url, secret, min_severity, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.AccountID, sub.URL, sub.Secret, string(sub.MinSeverity), sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subColumns+` FROM webhooks WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subColumns+`
		FROM webhooks WHERE account_id = $1 ORDER BY created_at DESC, id DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhooks
		SET last_success = $2, last_error = NULL, consecutive_failures = 0
		WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkFailed increments in SQL so concurrent deliveries to one endpoint all
// count. SET expressions see the pre-update row.
func (p *PostgresStore) MarkFailed(ctx context.Context, id, cause string, limit int) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE webhooks SET
			last_error = $2,
			consecutive_failures = consecutive_failures + 1,
			active = active AND consecutive_failures + 1 < $3
		WHERE id = $1
		RETURNING `+subColumns, id, cause, limit)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) Delete(ctx context.Context, accountID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1 AND account_id = $2`, id, accountID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var severity string
	var lastSuccess sql.NullTime
	var lastError sql.NullString
	if err := r.Scan(
		&sub.ID, &sub.AccountID, &sub.URL, &sub.Secret, &severity,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}
	sub.MinSeverity = risk.Severity(severity)
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}

var _ Store = (*PostgresStore)(nil)
