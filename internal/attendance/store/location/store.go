// Package location reads branch locations. The attendance subsystem never
// writes them outside of seeding.
package location

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/lib/pq"

	"shiftgate/internal/attendance/models"
	"shiftgate/pkg/platform/sentinel"
)

// InMemoryStore holds locations in a map guarded by a RWMutex.
type InMemoryStore struct {
	mu        sync.RWMutex
	locations map[string]models.Location
}

func NewInMemoryStore(seed ...models.Location) *InMemoryStore {
	s := &InMemoryStore{locations: make(map[string]models.Location, len(seed))}
	for _, l := range seed {
		s.locations[l.ID] = l
	}
	return s
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (*models.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locations[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &l, nil
}

func (s *InMemoryStore) FindByIDs(_ context.Context, ids []string) (map[string]*models.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*models.Location, len(ids))
	for _, id := range ids {
		if l, ok := s.locations[id]; ok {
			out[id] = &l
		}
	}
	return out, nil
}

func (s *InMemoryStore) List(_ context.Context) ([]*models.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Location, 0, len(s.locations))
	for _, l := range s.locations {
		out = append(out, &l)
	}
	sortByName(out)
	return out, nil
}

func (s *InMemoryStore) Upsert(_ context.Context, l models.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[l.ID] = l
	return nil
}

// SQLStore serves Postgres and SQLite. The two differ only in placeholder
// syntax and in how FindByIDs binds its id list.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

func NewPostgres(db *sql.DB) *SQLStore { return &SQLStore{db: db, postgres: true} }

func NewSQLite(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) bind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) FindByID(ctx context.Context, id string) (*models.Location, error) {
	var l models.Location
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT id, name, latitude, longitude FROM locations WHERE id = ?`), id).
		Scan(&l.ID, &l.Name, &l.Latitude, &l.Longitude)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find location: %w", err)
	}
	return &l, nil
}

// FindByIDs returns the locations that exist; unknown ids are absent from the map.
func (s *SQLStore) FindByIDs(ctx context.Context, ids []string) (map[string]*models.Location, error) {
	out := make(map[string]*models.Location, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	if s.postgres {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, name, latitude, longitude FROM locations WHERE id = ANY($1)`, pq.Array(ids))
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, name, latitude, longitude FROM locations WHERE id IN (`+placeholders+`)`, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("find locations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l models.Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Latitude, &l.Longitude); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		out[l.ID] = &l
	}
	return out, rows.Err()
}

func (s *SQLStore) List(ctx context.Context) ([]*models.Location, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, latitude, longitude FROM locations ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	var out []*models.Location
	for rows.Next() {
		var l models.Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Latitude, &l.Longitude); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *SQLStore) Upsert(ctx context.Context, l models.Location) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO locations (id, name, latitude, longitude) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude
	`), l.ID, l.Name, l.Latitude, l.Longitude)
	if err != nil {
		return fmt.Errorf("upsert location: %w", err)
	}
	return nil
}

func sortByName(ls []*models.Location) {
	slices.SortFunc(ls, func(a, b *models.Location) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
