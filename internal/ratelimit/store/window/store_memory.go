// Package window holds ports.WindowStore implementations.
package window

import (
	"context"
	"sync"
	"time"

	"shiftgate/internal/ratelimit/models"
	"shiftgate/pkg/platform/sentinel"
)

// InMemoryStore keeps windows in a process-local map. Limits enforced
// through it are per process.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]entry
	now     func() time.Time
}

type entry struct {
	record    models.WindowRecord
	expiresAt time.Time
}

type MemoryOption func(*InMemoryStore)

// WithClock overrides the clock used to hide expired records from Get.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		records: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Get(_ context.Context, key string) (*models.WindowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	rec := e.record
	return &rec, nil
}

func (s *InMemoryStore) CompareAndSwap(_ context.Context, key string, expected int64, next models.WindowRecord, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if e, ok := s.live(key); ok {
		current = e.record.Version
	}
	if current != expected {
		return false, nil
	}
	next.Version = expected + 1
	s.records[key] = entry{record: next, expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *InMemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, e := range s.records {
		if !now.Before(e.expiresAt) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

// Len counts stored records, expired or not.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// live must be called with s.mu held. An expired record reads as absent so a
// late sweep never resurrects stale state.
func (s *InMemoryStore) live(key string) (entry, bool) {
	e, ok := s.records[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return entry{}, false
	}
	return e, true
}
