package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"shiftgate/internal/attendance/models"
	"shiftgate/pkg/platform/sentinel"
	"shiftgate/pkg/platform/tx"
)

const pgUniqueViolation = "23505"

// PostgresStore persists sessions in PostgreSQL. The partial unique index
// attendance_sessions_one_open is the authority on mutual exclusion.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertOpen(ctx context.Context, session *models.Session) error {
	if session == nil || !session.IsOpen() {
		return fmt.Errorf("insert open session: %w", sentinel.ErrInvalidState)
	}
	query := `
		INSERT INTO attendance_sessions (id, principal_id, location_id, started_at, ended_at,
			start_evidence, end_evidence, break_seconds, total_seconds, note, created_at)
		VALUES ($1, $2, $3, $4, NULL, $5, NULL, $6, NULL, $7, $8)
	`
	_, err := tx.Q(ctx, s.db).ExecContext(ctx, query,
		session.ID,
		session.PrincipalID,
		session.LocationID,
		session.StartedAt,
		session.StartEvidence,
		session.BreakSeconds,
		session.Note,
		session.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("principal already has an open session: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("insert open session: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindOpen(ctx context.Context, principalID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM attendance_sessions
		WHERE principal_id = $1 AND ended_at IS NULL`
	session, err := scanPostgres(tx.Q(ctx, s.db).QueryRowContext(ctx, query, principalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find open session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM attendance_sessions WHERE id = $1`
	session, err := scanPostgres(tx.Q(ctx, s.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return session, nil
}

// CloseOpen locks the open row, applies closeFn and writes the closing
// fields in one transaction. Two open rows for one principal is reported as
// ErrInvalidState.
func (s *PostgresStore) CloseOpen(ctx context.Context, principalID string, closeFn func(*models.Session) error) (*models.Session, error) {
	var closed *models.Session
	err := tx.Run(ctx, s.db, 0, nil, func(ctx context.Context) error {
		q := tx.Q(ctx, s.db)
		rows, err := q.QueryContext(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions
			WHERE principal_id = $1 AND ended_at IS NULL
			LIMIT 2
			FOR UPDATE`, principalID)
		if err != nil {
			return fmt.Errorf("lock open session: %w", err)
		}
		var open []*models.Session
		for rows.Next() {
			session, err := scanPostgres(rows)
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
			SET ended_at = $2, end_evidence = $3, total_seconds = $4
			WHERE id = $1 AND ended_at IS NULL
		`, working.ID, working.EndedAt, working.EndEvidence, working.TotalSeconds)
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

func (s *PostgresStore) ListByPrincipal(ctx context.Context, principalID string) ([]*models.Session, error) {
	rows, err := tx.Q(ctx, s.db).QueryContext(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions
		WHERE principal_id = $1 ORDER BY started_at, id`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func scanPostgres(row rowScanner) (*models.Session, error) {
	var (
		s            models.Session
		endedAt      sql.NullTime
		endEvidence  sql.NullString
		totalSeconds sql.NullInt64
	)
	if err := row.Scan(
		&s.ID,
		&s.PrincipalID,
		&s.LocationID,
		&s.StartedAt,
		&endedAt,
		&s.StartEvidence,
		&endEvidence,
		&s.BreakSeconds,
		&totalSeconds,
		&s.Note,
		&s.CreatedAt,
	); err != nil {
		return nil, err
	}
	s.StartedAt = s.StartedAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
