package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	"github.com/mbd888/scanguard/internal/risk"
	"github.com/mbd888/scanguard/internal/scans"
)

// PostgresStore persists alerts in PostgreSQL. Flags are stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: alerts %s: %v", scans.ErrStoreUnavailable, op, err)
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

// filterArgs returns the shared WHERE clause args: $1 account, $2 product, $3 since.
func filterArgs(f Filter) []any {
	var since sql.NullTime
	if f.Since != nil {
		since = sql.NullTime{Time: *f.Since, Valid: true}
	}
	return []any{f.AccountID, nullInt64(f.ProductID), since}
}

const filterWhere = `account_id = $1
	AND ($2::BIGINT IS NULL OR product_id = $2)
	AND ($3::TIMESTAMPTZ IS NULL OR created_at >= $3)`

func (p *PostgresStore) Create(ctx context.Context, a *SecurityAlert) error {
	flags, err := json.Marshal(a.Flags)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO security_alerts (id, qr_key, scan_id, account_id, product_id, alert_type,
			severity, severity_rank, security_score, location, flags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.QRKey, a.ScanID, a.AccountID, nullInt64(a.ProductID), string(a.AlertType),
		string(a.Severity), a.Severity.Rank(), a.SecurityScore, a.Location, flags, a.CreatedAt,
	)
	if err != nil {
		return unavailable("create", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter, offset, limit int) ([]*SecurityAlert, int, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}
	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_alerts WHERE `+filterWhere, filterArgs(f)...).Scan(&total); err != nil {
		return nil, 0, unavailable("count", err)
	}
	if offset < 0 || offset >= total {
		return []*SecurityAlert{}, total, nil
	}

	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	args := append(filterArgs(f), lim, offset)
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, qr_key, scan_id, account_id, product_id, alert_type, severity,
		       security_score, location, flags, created_at
		FROM security_alerts
		WHERE `+filterWhere+`
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`, args...)
	if err != nil {
		return nil, 0, unavailable("list", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*SecurityAlert{}
	for rows.Next() {
		a := &SecurityAlert{}
		var productID sql.NullInt64
		var alertType, severity string
		var flags []byte
		if err := rows.Scan(&a.ID, &a.QRKey, &a.ScanID, &a.AccountID, &productID, &alertType,
			&severity, &a.SecurityScore, &a.Location, &flags, &a.CreatedAt); err != nil {
			return nil, 0, unavailable("list", err)
		}
		if productID.Valid {
			v := productID.Int64
			a.ProductID = &v
		}
		a.AlertType = risk.ParseFlagType(alertType)
		a.Severity = risk.Severity(severity)
		a.CreatedAt = a.CreatedAt.UTC()
		if len(flags) > 0 {
			_ = json.Unmarshal(flags, &a.Flags)
		}
		if a.Flags == nil {
			a.Flags = []risk.FlagDetail{}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("list", err)
	}
	return out, total, nil
}

func (p *PostgresStore) CountBySeverity(ctx context.Context, f Filter) (map[risk.Severity]int, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM security_alerts
		WHERE `+filterWhere+`
		GROUP BY severity`, filterArgs(f)...)
	if err != nil {
		return nil, unavailable("count by severity", err)
	}
	defer func() { _ = rows.Close() }()

	counts := emptySeverityCounts()
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, unavailable("count by severity", err)
		}
		counts[risk.Severity(sev)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("count by severity", err)
	}
	return counts, nil
}

func (p *PostgresStore) LocationRisk(ctx context.Context, f Filter, limit int) ([]LocationRisk, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT COALESCE(NULLIF(location, ''), $4) AS loc,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE severity = 'critical'),
		       COUNT(*) FILTER (WHERE severity = 'high'),
		       COUNT(*) FILTER (WHERE severity = 'medium'),
		       COUNT(*) FILTER (WHERE severity = 'low'),
		       MAX(severity_rank),
		       AVG(security_score)::DOUBLE PRECISION
		FROM security_alerts
		WHERE `+filterWhere+`
		GROUP BY loc
		ORDER BY 2 DESC, 7 DESC, loc ASC
		LIMIT $5`, append(filterArgs(f), UnknownLocation, lim)...)
	if err != nil {
		return nil, unavailable("location risk", err)
	}
	defer func() { _ = rows.Close() }()

	out := []LocationRisk{}
	for rows.Next() {
		var r LocationRisk
		var maxRank int
		if err := rows.Scan(&r.Location, &r.AlertCount, &r.Critical, &r.High, &r.Medium, &r.Low,
			&maxRank, &r.AvgScore); err != nil {
			return nil, unavailable("location risk", err)
		}
		r.MaxSeverity = severityForRank(maxRank)
		r.AvgScore = math.Round(r.AvgScore*10) / 10
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("location risk", err)
	}
	return out, nil
}

// Migrate creates the alerts table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS security_alerts (
			id             TEXT PRIMARY KEY,
			qr_key         TEXT NOT NULL,
			scan_id        TEXT NOT NULL,
			account_id     TEXT NOT NULL,
			product_id     BIGINT,
			alert_type     TEXT NOT NULL,
			severity       TEXT NOT NULL,
			severity_rank  SMALLINT NOT NULL,
			security_score SMALLINT NOT NULL CHECK (security_score BETWEEN 0 AND 100),
			location       TEXT NOT NULL DEFAULT '',
			flags          JSONB NOT NULL DEFAULT '[]',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_security_alerts_account_time
			ON security_alerts(account_id, created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_security_alerts_account_product
			ON security_alerts(account_id, product_id);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
