// Package postgres opens the Postgres pool used by the session and location
// stores and applies the schema.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects through the pgx database/sql driver and runs migrations.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "001_locations",
		sql: `CREATE TABLE IF NOT EXISTS locations (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			latitude   DOUBLE PRECISION NOT NULL,
			longitude  DOUBLE PRECISION NOT NULL
		)`,
	},
	{
		name: "002_attendance_sessions",
		sql: `CREATE TABLE IF NOT EXISTS attendance_sessions (
			id             UUID PRIMARY KEY,
			principal_id   TEXT NOT NULL,
			location_id    TEXT NOT NULL REFERENCES locations(id),
			started_at     TIMESTAMPTZ NOT NULL,
			ended_at       TIMESTAMPTZ,
			start_evidence TEXT NOT NULL DEFAULT '',
			end_evidence   TEXT,
			break_seconds  BIGINT NOT NULL DEFAULT 0 CHECK (break_seconds >= 0),
			total_seconds  BIGINT,
			note           TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		// The one-open-session-per-principal invariant lives here. Inserts
		// that would open a second session fail with unique_violation.
		name: "003_one_open_session_per_principal",
		sql: `CREATE UNIQUE INDEX IF NOT EXISTS attendance_sessions_one_open
			ON attendance_sessions (principal_id) WHERE ended_at IS NULL`,
	},
}

// Migrate applies pending migrations in order, recording each by name.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		res, err := db.ExecContext(ctx,
			`INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, m.name)
		if err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			_, _ = db.ExecContext(ctx, `DELETE FROM schema_migrations WHERE name = $1`, m.name)
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
	}
	return nil
}
