package window

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"shiftgate/internal/ratelimit/models"
	"shiftgate/internal/ratelimit/ports"
	"shiftgate/pkg/platform/circuit"
	"shiftgate/pkg/platform/sentinel"
)

// WindowStoreContractSuite runs the same expectations against every
// ports.WindowStore implementation.
type WindowStoreContractSuite struct {
	suite.Suite
	newStore func(t *testing.T) ports.WindowStore
	store    ports.WindowStore
	ctx      context.Context
}

func (s *WindowStoreContractSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
}

func record(count int) models.WindowRecord {
	return models.WindowRecord{Count: count, WindowStart: time.Now().UTC().Truncate(time.Millisecond)}
}

func TestInMemoryStore(t *testing.T) {
	suite.Run(t, &WindowStoreContractSuite{
		newStore: func(*testing.T) ports.WindowStore { return NewInMemoryStore() },
	})
}

func TestFailoverStoreHealthy(t *testing.T) {
	suite.Run(t, &WindowStoreContractSuite{
		newStore: func(*testing.T) ports.WindowStore {
			return NewFailoverStore(NewInMemoryStore(), NewInMemoryStore())
		},
	})
}

// =============================================================================
// Contract
// =============================================================================

func (s *WindowStoreContractSuite) TestGetAbsent() {
	rec, err := s.store.Get(s.ctx, "payroll:203.0.113.7")
	s.Nil(rec)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *WindowStoreContractSuite) TestCreateRequiresZeroVersion() {
	ok, err := s.store.CompareAndSwap(s.ctx, "k", 3, record(1), time.Minute)
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.store.CompareAndSwap(s.ctx, "k", 0, record(1), time.Minute)
	s.Require().NoError(err)
	s.True(ok)

	got, err := s.store.Get(s.ctx, "k")
	s.Require().NoError(err)
	s.Equal(1, got.Count)
	s.Equal(int64(1), got.Version)
}

func (s *WindowStoreContractSuite) TestSwapAdvancesVersion() {
	_, err := s.store.CompareAndSwap(s.ctx, "k", 0, record(1), time.Minute)
	s.Require().NoError(err)

	ok, err := s.store.CompareAndSwap(s.ctx, "k", 1, record(2), time.Minute)
	s.Require().NoError(err)
	s.True(ok)

	s.Run("stale version loses", func() {
		ok, err := s.store.CompareAndSwap(s.ctx, "k", 1, record(9), time.Minute)
		s.Require().NoError(err)
		s.False(ok)
	})

	got, err := s.store.Get(s.ctx, "k")
	s.Require().NoError(err)
	s.Equal(2, got.Count)
	s.Equal(int64(2), got.Version)
}

func (s *WindowStoreContractSuite) TestLockoutFieldsRoundTrip() {
	rec := record(6)
	rec.LockedOut = true
	rec.LockoutExpiry = rec.WindowStart.Add(5 * time.Minute)
	_, err := s.store.CompareAndSwap(s.ctx, "k", 0, rec, time.Minute)
	s.Require().NoError(err)

	got, err := s.store.Get(s.ctx, "k")
	s.Require().NoError(err)
	s.True(got.LockedOut)
	s.True(rec.LockoutExpiry.Equal(got.LockoutExpiry))
	s.True(rec.WindowStart.Equal(got.WindowStart))
}

func (s *WindowStoreContractSuite) TestDelete() {
	_, err := s.store.CompareAndSwap(s.ctx, "k", 0, record(1), time.Minute)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Delete(s.ctx, "k"))
	s.Require().NoError(s.store.Delete(s.ctx, "k"), "deleting twice is fine")

	_, err = s.store.Get(s.ctx, "k")
	s.ErrorIs(err, sentinel.ErrNotFound)

	ok, err := s.store.CompareAndSwap(s.ctx, "k", 0, record(1), time.Minute)
	s.Require().NoError(err)
	s.True(ok, "a deleted key starts again from version 0")
}

func (s *WindowStoreContractSuite) TestConcurrentSwapsSerialize() {
	const workers = 16
	const perWorker = 25
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for done := 0; done < perWorker; {
				rec, err := s.store.Get(s.ctx, "hot")
				var version int64
				count := 0
				if err == nil {
					version, count = rec.Version, rec.Count
				}
				ok, err := s.store.CompareAndSwap(s.ctx, "hot", version, record(count+1), time.Minute)
				if err != nil {
					s.T().Error(err)
					return
				}
				if ok {
					done++
				}
			}
		}()
	}
	wg.Wait()

	got, err := s.store.Get(s.ctx, "hot")
	s.Require().NoError(err)
	s.Equal(workers*perWorker, got.Count)
}

// =============================================================================
// In-memory expiry
// =============================================================================

func TestInMemoryExpiry(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := NewInMemoryStore(WithClock(clock))
	ctx := context.Background()

	if _, err := store.CompareAndSwap(ctx, "a", 0, record(1), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompareAndSwap(ctx, "b", 0, record(1), time.Hour); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "a"); !errors.Is(err, sentinel.ErrNotFound) {
		t.Fatalf("expired record must read as absent, got %v", err)
	}
	ok, err := store.CompareAndSwap(ctx, "a", 0, record(1), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expired record must accept a fresh create: ok=%v err=%v", ok, err)
	}

	now = now.Add(2 * time.Minute)
	n, err := store.Sweep(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || store.Len() != 1 {
		t.Fatalf("expected one eviction leaving one record, got n=%d len=%d", n, store.Len())
	}
}

// =============================================================================
// Failover
// =============================================================================

type flakyStore struct {
	*InMemoryStore
	down atomic.Bool
}

var errDown = errors.New("connection refused")

func (f *flakyStore) Get(ctx context.Context, key string) (*models.WindowRecord, error) {
	if f.down.Load() {
		return nil, errDown
	}
	return f.InMemoryStore.Get(ctx, key)
}

func (f *flakyStore) CompareAndSwap(ctx context.Context, key string, expected int64, next models.WindowRecord, ttl time.Duration) (bool, error) {
	if f.down.Load() {
		return false, errDown
	}
	return f.InMemoryStore.CompareAndSwap(ctx, key, expected, next, ttl)
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	if f.down.Load() {
		return errDown
	}
	return f.InMemoryStore.Delete(ctx, key)
}

type FailoverSuite struct {
	suite.Suite
	primary  *flakyStore
	fallback *InMemoryStore
	store    *FailoverStore
	ctx      context.Context
}

func TestFailoverSuite(t *testing.T) {
	suite.Run(t, new(FailoverSuite))
}

func (s *FailoverSuite) SetupTest() {
	s.ctx = context.Background()
	s.primary = &flakyStore{InMemoryStore: NewInMemoryStore()}
	s.fallback = NewInMemoryStore()
	s.store = NewFailoverStore(s.primary, s.fallback,
		WithBreaker(circuit.New("test", circuit.WithFailureThreshold(2), circuit.WithSuccessThreshold(2))),
	)
}

func (s *FailoverSuite) TestErrorsSurfaceUntilBreakerOpens() {
	s.primary.down.Store(true)

	_, err := s.store.Get(s.ctx, "k")
	s.ErrorIs(err, errDown)
	s.False(s.store.Degraded())

	_, err = s.store.Get(s.ctx, "k")
	s.ErrorIs(err, sentinel.ErrNotFound, "second failure opens the breaker and reads the fallback")
	s.True(s.store.Degraded())
}

func (s *FailoverSuite) TestWritesGoToFallbackWhileOpen() {
	s.primary.down.Store(true)
	_, _ = s.store.Get(s.ctx, "k")
	_, _ = s.store.Get(s.ctx, "k")
	s.Require().True(s.store.Degraded())

	ok, err := s.store.CompareAndSwap(s.ctx, "k", 0, record(1), time.Minute)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(1, s.fallback.Len())
	s.Equal(0, s.primary.Len())
}

func (s *FailoverSuite) TestRecoversAfterCleanReads() {
	s.primary.down.Store(true)
	_, _ = s.store.Get(s.ctx, "k")
	_, _ = s.store.Get(s.ctx, "k")
	s.Require().True(s.store.Degraded())

	s.primary.down.Store(false)
	_, _ = s.store.Get(s.ctx, "k")
	s.True(s.store.Degraded(), "one clean read is not enough")
	_, _ = s.store.Get(s.ctx, "k")
	s.False(s.store.Degraded())

	ok, err := s.store.CompareAndSwap(s.ctx, "k", 0, record(1), time.Minute)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(1, s.primary.Len())
}

func (s *FailoverSuite) TestDeleteClearsBothSides() {
	_, err := s.primary.CompareAndSwap(s.ctx, "k", 0, record(1), time.Minute)
	s.Require().NoError(err)
	_, err = s.fallback.CompareAndSwap(s.ctx, "k", 0, record(1), time.Minute)
	s.Require().NoError(err)

	s.Require().NoError(s.store.Delete(s.ctx, "k"))
	s.Equal(0, s.primary.Len())
	s.Equal(0, s.fallback.Len())
}
