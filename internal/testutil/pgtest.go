package testutil

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var pgContainer lazyURL

// PGTest returns a database with every goose migration applied and all
// application tables empty. The cleanup func empties them again and closes
// the connection.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	dsn := resolve(t, "POSTGRES_URL", &pgContainer, startPostgres)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}
	if err := migrate(ctx, db, repoDir(t, "migrations")); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}
	truncateAll(ctx, db)

	return db, func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
}

func startPostgres(ctx context.Context) (string, error) {
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("scanguard_test"),
		postgres.WithUsername("scanguard"),
		postgres.WithPassword("scanguard"),
		postgres.BasicWaitStrategies(),
		testcontainers.WithEnv(map[string]string{"TZ": "UTC", "PGTZ": "UTC"}),
	)
	if err != nil {
		return "", err
	}
	return ctr.ConnectionString(ctx, "sslmode=disable")
}

var gooseMu sync.Mutex

// migrate applies pending migrations with goose, the same tool cmd/migrate
// uses in deployments.
func migrate(ctx context.Context, db *sql.DB, dir string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, dir)
}

// truncateAll empties every table in the public schema except goose's
// version table.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT quote_ident(tablename) FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	var tables []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			tables = append(tables, name)
		}
	}
	_ = rows.Close()
	if len(tables) == 0 {
		return
	}
	_, _ = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE") // #nosec G202 -- names come from pg_tables
}
