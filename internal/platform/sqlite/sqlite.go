// Package sqlite opens a single-node SQLite database for the session and
// location stores. Timestamps are stored as unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Open opens path (or ":memory:") with foreign keys, WAL and a busy timeout,
// then runs migrations. SQLite serialises writers, so the pool is a single
// connection; this also keeps ":memory:" databases shared.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
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
			id        TEXT PRIMARY KEY,
			name      TEXT NOT NULL,
			latitude  REAL NOT NULL,
			longitude REAL NOT NULL
		)`,
	},
	{
		name: "002_attendance_sessions",
		sql: `CREATE TABLE IF NOT EXISTS attendance_sessions (
			id             TEXT PRIMARY KEY,
			principal_id   TEXT NOT NULL,
			location_id    TEXT NOT NULL REFERENCES locations(id),
			started_at     INTEGER NOT NULL,
			ended_at       INTEGER,
			start_evidence TEXT NOT NULL DEFAULT '',
			end_evidence   TEXT,
			break_seconds  INTEGER NOT NULL DEFAULT 0 CHECK (break_seconds >= 0),
			total_seconds  INTEGER,
			note           TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL
		)`,
	},
	{
		name: "003_one_open_session_per_principal",
		sql: `CREATE UNIQUE INDEX IF NOT EXISTS attendance_sessions_one_open
			ON attendance_sessions (principal_id) WHERE ended_at IS NULL`,
	},
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, m.name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if exists > 0 {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES (?)`, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
