package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"shiftgate/internal/attendance/models"
	"shiftgate/pkg/platform/sentinel"
	"shiftgate/pkg/platform/tx"
)

// SQLiteStore persists sessions in a single-node SQLite file. Timestamps are
// unix nanoseconds; the same partial unique index guards open sessions.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) InsertOpen(ctx context.Context, session *models.Session) error {
	if session == nil || !session.IsOpen() {
		return fmt.Errorf("insert open session: %w", sentinel.ErrInvalidState)
	}
	_, err := tx.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO attendance_sessions (id, principal_id, location_id, started_at, ended_at,
			start_evidence, end_evidence, break_seconds, total_seconds, note, created_at)
		VALUES (?, ?, ?, ?, NULL, ?, NULL, ?, NULL, ?, ?)
	`,
		session.ID.String(),
		session.PrincipalID,
		session.LocationID,
		session.StartedAt.UnixNano(),
		session.StartEvidence,
		session.BreakSeconds,
		session.Note,
		session.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("principal already has an open session: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("insert open session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindOpen(ctx context.Context, principalID string) (*models.Session, error) {
	session, err := scanSQLite(tx.Q(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM attendance_sessions WHERE principal_id = ? AND ended_at IS NULL`,
		principalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find open session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	session, err := scanSQLite(tx.Q(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return session, nil
}

// CloseOpen runs read, callback and conditional update in one transaction.
// SQLite serialises writers, and the ended_at IS NULL guard on the update
// rejects a concurrent close that got there first.
func (s *SQLiteStore) CloseOpen(ctx context.Context, principalID string, closeFn func(*models.Session) error) (*models.Session, error) {
	var closed *models.Session
	err := tx.Run(ctx, s.db, 0, nil, func(ctx context.Context) error {
		q := tx.Q(ctx, s.db)
		rows, err := q.QueryContext(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions
			WHERE principal_id = ? AND ended_at IS NULL LIMIT 2`, principalID)
		if err != nil {
			return fmt.Errorf("read open session: %w", err)
		}
		var open []*models.Session
		for rows.Next() {
			session, err := scanSQLite(rows)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan open session: %w", err)
			}
			open = append(open, session)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		switch len(open) {
		case 0:
			return sentinel.ErrNotFound
		case 1:
		default:
			return fmt.Errorf("principal has %d open sessions: %w", len(open), sentinel.ErrInvalidState)
		}

		working := open[0]
		if err := closeFn(working); err != nil {
			return err
		}
		if working.IsOpen() {
			return fmt.Errorf("close callback left session open: %w", sentinel.ErrInvalidState)
		}
		res, err := q.ExecContext(ctx, `
			UPDATE attendance_sessions
			SET ended_at = ?, end_evidence = ?, total_seconds = ?
			WHERE id = ? AND ended_at IS NULL
		`, working.EndedAt.UnixNano(), *working.EndEvidence, *working.TotalSeconds, working.ID.String())
		if err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("close session rows affected: %w", err)
		} else if n != 1 {
			return sentinel.ErrNotFound
		}
		closed = working
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

func (s *SQLiteStore) ListByPrincipal(ctx context.Context, principalID string) ([]*models.Session, error) {
	rows, err := tx.Q(ctx, s.db).QueryContext(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions
		WHERE principal_id = ? ORDER BY started_at, id`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func scanSQLite(row rowScanner) (*models.Session, error) {
	var (
		s            models.Session
		id           string
		startedAt    int64
		createdAt    int64
		endedAt      sql.NullInt64
		endEvidence  sql.NullString
		totalSeconds sql.NullInt64
	)
	if err := row.Scan(
		&id,
		&s.PrincipalID,
		&s.LocationID,
		&startedAt,
		&endedAt,
		&s.StartEvidence,
		&endEvidence,
		&s.BreakSeconds,
		&totalSeconds,
		&s.Note,
		&createdAt,
	); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse session id %q: %w", id, err)
	}
	s.ID = parsed
	s.StartedAt = time.Unix(0, startedAt).UTC()
	s.CreatedAt = time.Unix(0, createdAt).UTC()
	if endedAt.Valid {
		t := time.Unix(0, endedAt.Int64).UTC()
		s.EndedAt = &t
	}
	if endEvidence.Valid {
		s.EndEvidence = &endEvidence.String
	}
	if totalSeconds.Valid {
		s.TotalSeconds = &totalSeconds.Int64
	}
	return &s, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// extended codes disabled; foreign key failures must not read as conflicts
		return strings.Contains(sqliteErr.Error(), "UNIQUE")
	}
	return false
}
