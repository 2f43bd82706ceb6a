package scans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/scanguard/internal/idgen"
)

// PostgresStore persists codes and scans in PostgreSQL.
//
// scan_events carries account_id denormalised from qr_codes so that the
// per-account footprint and window scans use a single index.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed scan store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// unavailable wraps driver errors as ErrStoreUnavailable. Context errors pass
// through so callers can tell cancellation from outages.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (p *PostgresStore) CreateCode(ctx context.Context, code *QRCode) error {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	code.ScanCount = 0
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO qr_codes (qr_key, batch_code, account_id, product_id, scan_count, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)`,
		code.QRKey, code.BatchCode, code.AccountID, nullInt64(code.ProductID), code.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrCodeExists
		}
		return unavailable("create code", err)
	}
	return nil
}

const codeColumns = `qr_key, batch_code, account_id, product_id, scan_count, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCode(row rowScanner) (*QRCode, error) {
	c := &QRCode{}
	var productID sql.NullInt64
	if err := row.Scan(&c.QRKey, &c.BatchCode, &c.AccountID, &productID, &c.ScanCount, &c.CreatedAt); err != nil {
		return nil, err
	}
	if productID.Valid {
		v := productID.Int64
		c.ProductID = &v
	}
	return c, nil
}

func (p *PostgresStore) GetCode(ctx context.Context, qrKey string) (*QRCode, error) {
	c, err := scanCode(p.db.QueryRowContext(ctx,
		`SELECT `+codeColumns+` FROM qr_codes WHERE qr_key = $1`, qrKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownCode
	}
	if err != nil {
		return nil, unavailable("get code", err)
	}
	return c, nil
}

func (p *PostgresStore) ListCodes(ctx context.Context, q CodeQuery) ([]*QRCode, int, error) {
	if err := q.Validate(); err != nil {
		return nil, 0, err
	}
	var total int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM qr_codes
		WHERE account_id = $1 AND ($2::BIGINT IS NULL OR product_id = $2)`,
		q.AccountID, nullInt64(q.ProductID)).Scan(&total)
	if err != nil {
		return nil, 0, unavailable("count codes", err)
	}

	var limit sql.NullInt64
	if q.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(q.Limit), Valid: true}
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+codeColumns+` FROM qr_codes
		WHERE account_id = $1 AND ($2::BIGINT IS NULL OR product_id = $2)
		ORDER BY created_at DESC, qr_key ASC
		LIMIT $3 OFFSET $4`,
		q.AccountID, nullInt64(q.ProductID), limit, q.Offset)
	if err != nil {
		return nil, 0, unavailable("list codes", err)
	}
	defer func() { _ = rows.Close() }()

	codes := []*QRCode{}
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, 0, unavailable("list codes", err)
		}
		codes = append(codes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("list codes", err)
	}
	return codes, total, nil
}

func (p *PostgresStore) CodeStats(ctx context.Context, accountID string, productID *int64) (*CodeStats, error) {
	s := &CodeStats{}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE scan_count > 0),
		       COALESCE(SUM(scan_count), 0)
		FROM qr_codes
		WHERE account_id = $1 AND ($2::BIGINT IS NULL OR product_id = $2)`,
		accountID, nullInt64(productID)).Scan(&s.TotalCodes, &s.ScannedCodes, &s.TotalScans)
	if err != nil {
		return nil, unavailable("code stats", err)
	}
	return s, nil
}

// RecordScan increments the counter and inserts the event in one
// transaction; the UPDATE row lock serializes scans of the same code only.
func (p *PostgresStore) RecordScan(ctx context.Context, ev *ScanEvent) error {
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("scan_")
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	if ev.SecurityFlags == nil {
		ev.SecurityFlags = []string{}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("record scan", err)
	}
	defer func() { _ = tx.Rollback() }()

	var accountID string
	err = tx.QueryRowContext(ctx, `
		UPDATE qr_codes SET scan_count = scan_count + 1
		WHERE qr_key = $1
		RETURNING account_id`, ev.QRKey).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownCode
	}
	if err != nil {
		return unavailable("record scan", err)
	}

	var city, region, country sql.NullString
	var lat, lon sql.NullFloat64
	if loc := ev.Location; loc != nil {
		city = sql.NullString{String: loc.City, Valid: true}
		region = sql.NullString{String: loc.Region, Valid: true}
		country = sql.NullString{String: loc.Country, Valid: true}
		if loc.HasCoordinates() {
			lat = sql.NullFloat64{Float64: *loc.Latitude, Valid: true}
			lon = sql.NullFloat64{Float64: *loc.Longitude, Valid: true}
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO scan_events (id, qr_key, account_id, occurred_at, ip_address,
			city, region, country, latitude, longitude, security_flags, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.QRKey, accountID, ev.OccurredAt, ev.IPAddress,
		city, region, country, lat, lon, pq.Array(ev.SecurityFlags), ev.RecordedAt,
	)
	if err != nil {
		return unavailable("record scan", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("record scan", err)
	}
	if n == 0 {
		// A previous attempt committed; the rollback undoes this increment.
		return nil
	}
	if err := tx.Commit(); err != nil {
		return unavailable("record scan", err)
	}
	return nil
}

func (p *PostgresStore) AttachFlags(ctx context.Context, scanID string, flags []string) error {
	if flags == nil {
		flags = []string{}
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE scan_events SET security_flags = $1 WHERE id = $2`,
		pq.Array(flags), scanID)
	if err != nil {
		return unavailable("attach flags", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("attach flags", err)
	}
	if n == 0 {
		return ErrScanNotFound
	}
	return nil
}

const eventColumns = `e.id, e.qr_key, e.occurred_at, e.ip_address, e.city, e.region, e.country,
	e.latitude, e.longitude, e.security_flags, e.recorded_at`

func scanEvent(row rowScanner, extra ...any) (*ScanEvent, error) {
	ev := &ScanEvent{}
	var city, region, country sql.NullString
	var lat, lon sql.NullFloat64
	var flags pq.StringArray
	dest := []any{&ev.ID, &ev.QRKey, &ev.OccurredAt, &ev.IPAddress,
		&city, &region, &country, &lat, &lon, &flags, &ev.RecordedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if city.Valid || region.Valid || country.Valid || lat.Valid || lon.Valid {
		ev.Location = &Location{City: city.String, Region: region.String, Country: country.String}
		if lat.Valid && lon.Valid {
			la, lo := lat.Float64, lon.Float64
			ev.Location.Latitude = &la
			ev.Location.Longitude = &lo
		}
	}
	ev.SecurityFlags = []string(flags)
	if ev.SecurityFlags == nil {
		ev.SecurityFlags = []string{}
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.RecordedAt = ev.RecordedAt.UTC()
	return ev, nil
}

func (p *PostgresStore) queryEvents(ctx context.Context, op, query string, args ...any) ([]*ScanEvent, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer func() { _ = rows.Close() }()

	out := []*ScanEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func (p *PostgresStore) ScanHistory(ctx context.Context, qrKey string, window time.Duration) ([]*ScanEvent, error) {
	if _, err := p.GetCode(ctx, qrKey); err != nil {
		return nil, err
	}
	return p.queryEvents(ctx, "scan history", `
		SELECT `+eventColumns+` FROM scan_events e
		WHERE e.qr_key = $1 AND e.occurred_at >= $2
		ORDER BY e.occurred_at ASC, e.recorded_at ASC`,
		qrKey, time.Now().Add(-window))
}

func (p *PostgresStore) ScansByIP(ctx context.Context, ip string, window time.Duration) ([]*ScanEvent, error) {
	return p.queryEvents(ctx, "scans by ip", `
		SELECT `+eventColumns+` FROM scan_events e
		WHERE e.ip_address = $1 AND e.occurred_at >= $2
		ORDER BY e.occurred_at ASC, e.recorded_at ASC`,
		ip, time.Now().Add(-window))
}

func (p *PostgresStore) CountryFootprint(ctx context.Context, accountID, excludeScanID string) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT country, COUNT(*) FROM scan_events
		WHERE account_id = $1 AND id <> $2 AND country IS NOT NULL AND country <> ''
		GROUP BY country`, accountID, excludeScanID)
	if err != nil {
		return nil, unavailable("country footprint", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var country string
		var n int
		if err := rows.Scan(&country, &n); err != nil {
			return nil, unavailable("country footprint", err)
		}
		out[country] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("country footprint", err)
	}
	return out, nil
}

func (p *PostgresStore) DistinctScanners(ctx context.Context, qrKey string) (int, error) {
	if _, err := p.GetCode(ctx, qrKey); err != nil {
		return 0, err
	}
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT ip_address) FROM scan_events WHERE qr_key = $1`, qrKey).Scan(&n)
	if err != nil {
		return 0, unavailable("distinct scanners", err)
	}
	return n, nil
}

func (p *PostgresStore) EachScan(ctx context.Context, q Query, fn func(*ScanEvent, *QRCode) error) error {
	if err := q.Validate(); err != nil {
		return err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`, c.batch_code, c.product_id, c.scan_count, c.created_at
		FROM scan_events e
		JOIN qr_codes c ON c.qr_key = e.qr_key
		WHERE e.account_id = $1
		  AND ($2::TIMESTAMPTZ IS NULL OR e.occurred_at >= $2)
		  AND ($3::TIMESTAMPTZ IS NULL OR e.occurred_at < $3)
		  AND ($4::BIGINT IS NULL OR c.product_id = $4)
		  AND ($5 = '' OR e.qr_key = $5)`,
		q.AccountID, nullTime(q.Since), nullTime(q.Until), nullInt64(q.ProductID), q.QRKey)
	if err != nil {
		return unavailable("each scan", err)
	}
	defer func() { _ = rows.Close() }()

	codes := make(map[string]*QRCode)
	n := 0
	for rows.Next() {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		n++

		var batch string
		var productID sql.NullInt64
		var scanCount int64
		var createdAt time.Time
		ev, err := scanEvent(rows, &batch, &productID, &scanCount, &createdAt)
		if err != nil {
			return unavailable("each scan", err)
		}
		code, ok := codes[ev.QRKey]
		if !ok {
			code = &QRCode{QRKey: ev.QRKey, BatchCode: batch, AccountID: q.AccountID,
				ScanCount: scanCount, CreatedAt: createdAt.UTC()}
			if productID.Valid {
				v := productID.Int64
				code.ProductID = &v
			}
			codes[ev.QRKey] = code
		}
		if err := fn(ev, code); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return unavailable("each scan", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Migrate creates the code and scan tables (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS qr_codes (
			qr_key      TEXT PRIMARY KEY,
			batch_code  TEXT NOT NULL,
			account_id  TEXT NOT NULL,
			product_id  BIGINT,
			scan_count  BIGINT NOT NULL DEFAULT 0 CHECK (scan_count >= 0),
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_qr_codes_account ON qr_codes(account_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS scan_events (
			id             TEXT PRIMARY KEY,
			qr_key         TEXT NOT NULL REFERENCES qr_codes(qr_key),
			account_id     TEXT NOT NULL,
			occurred_at    TIMESTAMPTZ NOT NULL,
			ip_address     TEXT NOT NULL,
			city           TEXT,
			region         TEXT,
			country        TEXT,
			latitude       DOUBLE PRECISION,
			longitude      DOUBLE PRECISION,
			security_flags TEXT[] NOT NULL DEFAULT '{}',
			recorded_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_scan_events_code_time ON scan_events(qr_key, occurred_at);
		CREATE INDEX IF NOT EXISTS idx_scan_events_ip_time ON scan_events(ip_address, occurred_at);
		CREATE INDEX IF NOT EXISTS idx_scan_events_account_time ON scan_events(account_id, occurred_at);
		CREATE INDEX IF NOT EXISTS idx_scan_events_account_country ON scan_events(account_id, country);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
