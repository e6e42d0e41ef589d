// Package session stores attendance sessions. Every implementation enforces
// "at most one open session per principal" atomically inside the store:
// InsertOpen is a conditional insert, never a read followed by a write.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"shiftgate/internal/attendance/models"
	"shiftgate/pkg/platform/sentinel"
)

// InMemoryStore is safe for concurrent use within one process. It is the
// default for development and the reference for store behaviour in tests.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
	open     map[string]uuid.UUID
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[uuid.UUID]*models.Session),
		open:     make(map[string]uuid.UUID),
	}
}

// InsertOpen inserts s unless its principal already has an open session.
func (s *InMemoryStore) InsertOpen(_ context.Context, session *models.Session) error {
	if session == nil || !session.IsOpen() {
		return fmt.Errorf("insert open session: %w", sentinel.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[session.PrincipalID]; ok {
		return fmt.Errorf("principal already has an open session: %w", sentinel.ErrConflict)
	}
	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("session id already used: %w", sentinel.ErrConflict)
	}
	stored := clone(session)
	s.sessions[stored.ID] = stored
	s.open[stored.PrincipalID] = stored.ID
	return nil
}

func (s *InMemoryStore) FindOpen(_ context.Context, principalID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.open[principalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(s.sessions[id]), nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(session), nil
}

// CloseOpen applies closeFn to the principal's open session and persists the
// result, all under the store lock.
func (s *InMemoryStore) CloseOpen(_ context.Context, principalID string, closeFn func(*models.Session) error) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.open[principalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	working := clone(s.sessions[id])
	if err := closeFn(working); err != nil {
		return nil, err
	}
	if working.IsOpen() {
		return nil, fmt.Errorf("close callback left session open: %w", sentinel.ErrInvalidState)
	}
	s.sessions[id] = working
	delete(s.open, principalID)
	return clone(working), nil
}

// ListByPrincipal returns every session for a principal, oldest first.
func (s *InMemoryStore) ListByPrincipal(_ context.Context, principalID string) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Session
	for _, session := range s.sessions {
		if session.PrincipalID == principalID {
			out = append(out, clone(session))
		}
	}
	sortByStart(out)
	return out, nil
}

func clone(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.EndEvidence != nil {
		e := *s.EndEvidence
		c.EndEvidence = &e
	}
	if s.TotalSeconds != nil {
		n := *s.TotalSeconds
		c.TotalSeconds = &n
	}
	return &c
}
