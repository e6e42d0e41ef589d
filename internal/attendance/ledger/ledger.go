// Package ledger owns the attendance session state machine. A principal is
// Off (no open session) or On (exactly one). Begin moves Off to On and End
// moves On to Off; each is one atomic operation against the store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"shiftgate/internal/attendance/models"
	dErrors "shiftgate/pkg/domain-errors"
	"shiftgate/pkg/platform/privacy"
	"shiftgate/pkg/platform/sentinel"
	"shiftgate/pkg/requestcontext"
)

// Store is the persistence the ledger needs. InsertOpen must fail with
// sentinel.ErrConflict when the principal already has an open session, and
// must decide that atomically.
type Store interface {
	InsertOpen(ctx context.Context, session *models.Session) error
	FindOpen(ctx context.Context, principalID string) (*models.Session, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	CloseOpen(ctx context.Context, principalID string, closeFn func(*models.Session) error) (*models.Session, error)
	ListByPrincipal(ctx context.Context, principalID string) ([]*models.Session, error)
}

// Transition is the result of Begin or End: exactly one of Session and
// Denial is set when the error is nil.
type Transition struct {
	Session *models.Session
	Denial  *models.Denial
}

type Ledger struct {
	store  Store
	logger *slog.Logger
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func New(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	l := &Ledger{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Begin opens a session for principalID. A lost race against a concurrent
// Begin yields the same AlreadyOnDuty denial as a sequential conflict.
func (l *Ledger) Begin(ctx context.Context, principalID, locationID, evidence string) (Transition, error) {
	session, err := models.NewOpenSession(principalID, locationID, evidence, requestcontext.Now(ctx))
	if err != nil {
		return Transition{}, err
	}

	err = l.store.InsertOpen(ctx, session)
	if err == nil {
		l.logger.InfoContext(ctx, "attendance session opened",
			"session_id", session.ID,
			"subject", privacy.HashSubject(principalID),
			"location_id", locationID,
		)
		return Transition{Session: session}, nil
	}
	if !errors.Is(err, sentinel.ErrConflict) {
		return Transition{}, storeError(ctx, err, "open attendance session")
	}

	existing, findErr := l.store.FindOpen(ctx, principalID)
	switch {
	case findErr == nil:
		return Transition{Denial: models.AlreadyOnDuty(existing)}, nil
	case errors.Is(findErr, sentinel.ErrNotFound):
		// closed between our insert and this read; still a conflict for this call
		return Transition{Denial: models.AlreadyOnDuty(nil)}, nil
	default:
		return Transition{}, storeError(ctx, findErr, "read conflicting session")
	}
}

// End closes the principal's open session. Duration is whole seconds minus
// recorded breaks, floored at zero.
func (l *Ledger) End(ctx context.Context, principalID, evidence string) (Transition, error) {
	now := requestcontext.Now(ctx)
	closed, err := l.store.CloseOpen(ctx, principalID, func(s *models.Session) error {
		return s.Close(now, evidence)
	})
	switch {
	case err == nil:
		l.logger.InfoContext(ctx, "attendance session closed",
			"session_id", closed.ID,
			"subject", privacy.HashSubject(principalID),
			"total_seconds", *closed.TotalSeconds,
		)
		return Transition{Session: closed}, nil
	case errors.Is(err, sentinel.ErrNotFound):
		return Transition{Denial: models.Deny(models.ReasonNotOnDuty, "no attendance session is open")}, nil
	case errors.Is(err, sentinel.ErrInvalidState), dErrors.HasCode(err, dErrors.CodeInvariantViolation):
		return Transition{}, dErrors.Wrap(err, dErrors.CodeInvariantViolation, "attendance ledger invariant violated")
	default:
		return Transition{}, storeError(ctx, err, "close attendance session")
	}
}

// Current returns the open session, or nil when the principal is off duty.
func (l *Ledger) Current(ctx context.Context, principalID string) (*models.Session, error) {
	s, err := l.store.FindOpen(ctx, principalID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, storeError(ctx, err, "read open session")
	}
	return s, nil
}

// History returns every session the principal has had, oldest first.
func (l *Ledger) History(ctx context.Context, principalID string) ([]*models.Session, error) {
	sessions, err := l.store.ListByPrincipal(ctx, principalID)
	if err != nil {
		return nil, storeError(ctx, err, "list attendance sessions")
	}
	return sessions, nil
}

// storeError marks store failures as transient so callers may retry.
func storeError(ctx context.Context, err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, fmt.Sprintf("%s: timed out", op))
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, fmt.Sprintf("%s: store unavailable", op))
}
