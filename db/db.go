// Package db provides database connection helpers, schema migration, and the
// catalog and chat history adapters used by the chat replay cache.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	dbc, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := dbc.PingContext(ctx); err != nil {
		_ = dbc.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return dbc, nil
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error { return migratePostgres(ctx, db) }

func migratePostgres(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			id BIGSERIAL PRIMARY KEY,
			title TEXT,
			file_name TEXT UNIQUE NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			duration_seconds DOUBLE PRECISION,
			inserted_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			stream_id BIGINT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
			author_id BIGINT NOT NULL REFERENCES users(id),
			time TIMESTAMPTZ NOT NULL,
			real_time TIMESTAMPTZ,
			content TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_ts ON streams(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_stream_time ON messages(stream_id, time)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
