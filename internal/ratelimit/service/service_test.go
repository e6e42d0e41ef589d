package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"shiftgate/internal/ratelimit/metrics"
	"shiftgate/internal/ratelimit/models"
	"shiftgate/internal/ratelimit/store/window"
	dErrors "shiftgate/pkg/domain-errors"
	audit "shiftgate/pkg/platform/audit"
	"shiftgate/pkg/requestcontext"
)

const clientIP = "203.0.113.7"

type recordingPublisher struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (p *recordingPublisher) Emit(_ context.Context, e audit.SecurityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func limits() map[models.EndpointClass]models.Limit {
	return map[models.EndpointClass]models.Limit{
		models.ClassAuth:    {Window: time.Minute, MaxRequests: 10, Lockout: 15 * time.Minute},
		models.ClassPayroll: {Window: time.Minute, MaxRequests: 5, Lockout: 5 * time.Minute},
		models.ClassAdmin:   {Window: time.Minute, MaxRequests: 30, Lockout: 5 * time.Minute},
		models.ClassPublic:  {Window: time.Minute, MaxRequests: 100, Lockout: time.Minute},
		// no lockout: denial lasts until the window ends
		models.ClassGeneral: {Window: time.Minute, MaxRequests: 5},
	}
}

type ServiceSuite struct {
	suite.Suite
	store     *window.InMemoryStore
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	service   *Service
	t0        time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	// expiry is checked against the store clock; pin it so records live
	// for the whole simulated timeline
	s.store = window.NewInMemoryStore(window.WithClock(func() time.Time { return s.t0 }))
	s.publisher = &recordingPublisher{}
	s.metrics = metrics.New(prometheus.NewRegistry())

	var err error
	s.service, err = New(s.store, limits(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(s.metrics),
		WithAuditPublisher(s.publisher),
	)
	s.Require().NoError(err)
}

func (s *ServiceSuite) at(d time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), s.t0.Add(d))
}

func (s *ServiceSuite) check(class models.EndpointClass, d time.Duration) *models.Result {
	res, err := s.service.Check(s.at(d), class, clientIP)
	s.Require().NoError(err)
	return res
}

// =============================================================================
// Window and lockout
// =============================================================================

func (s *ServiceSuite) TestWindowResetWithoutLockout() {
	for i := range 5 {
		res := s.check(models.ClassGeneral, time.Duration(i)*time.Second)
		s.True(res.Allowed, "request %d", i+1)
		s.Equal(4-i, res.Remaining)
	}

	res := s.check(models.ClassGeneral, 10*time.Second)
	s.False(res.Allowed)
	s.Equal(50, res.RetryAfter)
	s.True(s.t0.Add(time.Minute).Equal(res.ResetAt))

	res = s.check(models.ClassGeneral, time.Minute)
	s.True(res.Allowed, "a request after the window is admitted")
	s.Equal(4, res.Remaining, "and counting restarts at one")
}

func (s *ServiceSuite) TestLockoutOutlastsWindow() {
	for i := range 5 {
		s.Require().True(s.check(models.ClassPayroll, time.Duration(i)*time.Second).Allowed)
	}
	res := s.check(models.ClassPayroll, 10*time.Second)
	s.False(res.Allowed)
	s.Equal(300, res.RetryAfter)

	s.Run("window elapsed but lockout holds", func() {
		res := s.check(models.ClassPayroll, 2*time.Minute)
		s.False(res.Allowed)
		s.Equal(190, res.RetryAfter)
	})

	s.Run("lockout expiry admits a fresh window", func() {
		res := s.check(models.ClassPayroll, 10*time.Second+5*time.Minute)
		s.True(res.Allowed)
		s.Equal(4, res.Remaining)
	})
}

func (s *ServiceSuite) TestLockedDenialsDoNotWrite() {
	for i := range 6 {
		s.check(models.ClassPayroll, time.Duration(i)*time.Second)
	}
	before, err := s.store.Get(context.Background(), models.WindowKey(models.ClassPayroll, clientIP))
	s.Require().NoError(err)

	for i := range 10 {
		s.False(s.check(models.ClassPayroll, time.Duration(20+i)*time.Second).Allowed)
	}
	after, err := s.store.Get(context.Background(), models.WindowKey(models.ClassPayroll, clientIP))
	s.Require().NoError(err)
	s.Equal(before.Version, after.Version)
	s.Equal(before.Count, after.Count)
}

func (s *ServiceSuite) TestLockoutIsAuditedOnce() {
	for i := range 9 {
		s.check(models.ClassPayroll, time.Duration(i)*time.Second)
	}
	s.Len(s.publisher.events, 1)
	ev := s.publisher.events[0]
	s.Equal(audit.ActionRateLimitLockout, ev.Action)
	s.Equal("payroll", ev.Detail["class"])
	s.NotContains(ev.Subject, "113.7", "the client address is anonymized")
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.LockoutsTotal.WithLabelValues("payroll")))
	s.Equal(4.0, promtestutil.ToFloat64(s.metrics.DecisionsTotal.WithLabelValues("payroll", "rate_limited")))
}

func (s *ServiceSuite) TestKeysAreIsolated() {
	for i := range 6 {
		s.check(models.ClassPayroll, time.Duration(i)*time.Second)
	}
	s.True(s.check(models.ClassGeneral, 7*time.Second).Allowed, "other classes keep their own budget")

	res, err := s.service.Check(s.at(8*time.Second), models.ClassPayroll, "198.51.100.1")
	s.Require().NoError(err)
	s.True(res.Allowed, "other clients keep their own budget")

	res, err = s.service.Check(s.at(9*time.Second), models.ClassGeneral, clientIP+":payroll")
	s.Require().NoError(err)
	s.True(res.Allowed, "a delimiter in the identifier cannot reach another window")
}

func (s *ServiceSuite) TestUnknownClass() {
	_, err := s.service.Check(s.at(0), models.EndpointClass("bulk"), clientIP)
	s.True(dErrors.Is(err, dErrors.CodeInvalidInput))
}

// =============================================================================
// Status and reset
// =============================================================================

func (s *ServiceSuite) TestStatusDoesNotCount() {
	s.check(models.ClassGeneral, 0)
	for range 10 {
		st, err := s.service.Status(s.at(time.Second), models.ClassGeneral, clientIP)
		s.Require().NoError(err)
		s.Equal(1, st.Count)
		s.Equal(4, st.Remaining)
	}
	s.Equal(3, s.check(models.ClassGeneral, 2*time.Second).Remaining)
}

func (s *ServiceSuite) TestResetLiftsLockout() {
	for i := range 6 {
		s.check(models.ClassPayroll, time.Duration(i)*time.Second)
	}
	st, err := s.service.Status(s.at(10*time.Second), models.ClassPayroll, clientIP)
	s.Require().NoError(err)
	s.Require().True(st.LockedOut)

	s.Require().NoError(s.service.Reset(s.at(11*time.Second), models.ClassPayroll, clientIP))
	s.True(s.check(models.ClassPayroll, 12*time.Second).Allowed)
	s.Equal(audit.ActionRateLimitReset, s.publisher.events[len(s.publisher.events)-1].Action)
}

// =============================================================================
// Concurrency and store failures
// =============================================================================

func (s *ServiceSuite) TestConcurrentChecksNeverOveradmit() {
	const n = 64
	var admitted atomic.Int32
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			res, err := s.service.Check(s.at(time.Second), models.ClassPublic, clientIP)
			if err != nil {
				// losing the swap race too often is an error, never an over-admit
				s.True(dErrors.Is(err, dErrors.CodeUnavailable))
				return
			}
			if res.Allowed {
				admitted.Add(1)
			}
		}()
	}
	close(gate)
	wg.Wait()

	st, err := s.service.Status(s.at(time.Second), models.ClassPublic, clientIP)
	s.Require().NoError(err)
	s.Equal(int(admitted.Load()), st.Count, "every admission was recorded exactly once")
}

type alwaysConflicting struct {
	*window.InMemoryStore
	swaps atomic.Int32
}

func (a *alwaysConflicting) CompareAndSwap(context.Context, string, int64, models.WindowRecord, time.Duration) (bool, error) {
	a.swaps.Add(1)
	return false, nil
}

type brokenStore struct {
	*window.InMemoryStore
}

func (brokenStore) Get(context.Context, string) (*models.WindowRecord, error) {
	return nil, errors.New("i/o timeout")
}

func TestStoreFailures(t *testing.T) {
	t.Run("contention past the retry budget is unavailable", func(t *testing.T) {
		store := &alwaysConflicting{InMemoryStore: window.NewInMemoryStore()}
		svc, err := New(store, limits(), WithMaxAttempts(3))
		if err != nil {
			t.Fatal(err)
		}
		_, err = svc.Check(context.Background(), models.ClassGeneral, clientIP)
		if !dErrors.Is(err, dErrors.CodeUnavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
		if got := store.swaps.Load(); got != 3 {
			t.Fatalf("expected 3 swap attempts, got %d", got)
		}
	})

	t.Run("store error is unavailable", func(t *testing.T) {
		svc, err := New(brokenStore{window.NewInMemoryStore()}, limits())
		if err != nil {
			t.Fatal(err)
		}
		_, err = svc.Check(context.Background(), models.ClassGeneral, clientIP)
		if !dErrors.Is(err, dErrors.CodeUnavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
	})
}

func TestNewValidatesLimits(t *testing.T) {
	l := limits()
	delete(l, models.ClassAdmin)
	if _, err := New(window.NewInMemoryStore(), l); err == nil {
		t.Fatal("expected error for missing class")
	}

	l = limits()
	l[models.ClassAuth] = models.Limit{Window: time.Minute}
	if _, err := New(window.NewInMemoryStore(), l); err == nil {
		t.Fatal("expected error for zero budget")
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	svc, err := New(window.NewInMemoryStore(), limits())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunSweeper(ctx, 5*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
