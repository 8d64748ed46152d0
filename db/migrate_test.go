package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	dbc, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { dbc.Close() })
	return dbc
}

func cleanDatabase(t *testing.T, ctx context.Context, dbc *sql.DB) {
	t.Helper()
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS messages CASCADE`,
		`DROP TABLE IF EXISTS users CASCADE`,
		`DROP TABLE IF EXISTS streams CASCADE`,
		`DROP TABLE IF EXISTS schema_migrations CASCADE`,
	} {
		if _, err := dbc.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("clean %q: %v", stmt, err)
		}
	}
}

func assertTables(t *testing.T, dbc *sql.DB) {
	t.Helper()
	for _, table := range []string{"streams", "users", "messages"} {
		var exists bool
		err := dbc.QueryRow(`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s does not exist after migration", table)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dbc := openTestDB(t)
	ctx := context.Background()
	cleanDatabase(t, ctx, dbc)

	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, dbc); err != nil {
			t.Fatalf("Migrate run %d: %v", i+1, err)
		}
	}
	assertTables(t, dbc)
}

func TestRunMigrations(t *testing.T) {
	dbc := openTestDB(t)
	ctx := context.Background()
	cleanDatabase(t, ctx, dbc)

	if err := RunMigrations(dbc); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	if err := RunMigrations(dbc); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}
	assertTables(t, dbc)

	version, dirty, err := MigrationVersion(dbc)
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if dirty || version < 1 {
		t.Errorf("version = %d dirty = %v, want >= 1 clean", version, dirty)
	}
}

func TestMigrationsSourceFromPackageDir(t *testing.T) {
	// go test runs in the package directory, where ./migrations exists.
	src, err := migrationsSource()
	if err != nil {
		t.Fatalf("migrationsSource() error = %v", err)
	}
	if len(src) < len("file://") || src[:7] != "file://" {
		t.Errorf("source = %q, want file:// URL", src)
	}
}
