package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	dErrors "shiftgate/pkg/domain-errors"
)

type statusErr struct {
	status     int
	retryAfter time.Duration
}

func (e statusErr) Error() string             { return fmt.Sprintf("status %d", e.status) }
func (e statusErr) StatusCode() int           { return e.status }
func (e statusErr) RetryAfter() time.Duration { return e.retryAfter }

type RetrySuite struct {
	suite.Suite
	slept []time.Duration
}

func TestRetrySuite(t *testing.T) {
	suite.Run(t, new(RetrySuite))
}

func (s *RetrySuite) SetupTest() {
	s.slept = nil
}

func (s *RetrySuite) recordSleep(_ context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return nil
}

func (s *RetrySuite) invoker(p Policy, opts ...Option) *Invoker {
	return NewInvoker(p, append([]Option{WithSleep(s.recordSleep)}, opts...)...)
}

// =============================================================================
// Backoff
// =============================================================================

func (s *RetrySuite) TestDelay() {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	s.Run("grows geometrically", func() {
		s.Equal(1000*time.Millisecond, p.Delay(1))
		s.Equal(2000*time.Millisecond, p.Delay(2))
		s.Equal(4000*time.Millisecond, p.Delay(3))
	})

	s.Run("capped at max delay", func() {
		s.Equal(10*time.Second, p.Delay(5))
		s.Equal(10*time.Second, p.Delay(60))
	})

	s.Run("jitter stays within [d, 1.1d) and varies", func() {
		jittered := p
		jittered.Jitter = true
		inv := NewInvoker(jittered)

		seen := map[time.Duration]struct{}{}
		for range 200 {
			d := inv.NextDelay(3, errors.New("x"))
			s.GreaterOrEqual(d, 4*time.Second)
			s.Less(d, 4400*time.Millisecond)
			seen[d] = struct{}{}
		}
		s.Greater(len(seen), 1)
	})

	s.Run("jitter upper edge is exclusive", func() {
		jittered := p
		jittered.Jitter = true
		inv := NewInvoker(jittered, WithRand(func() float64 { return 0.9999999 }))
		s.Less(inv.NextDelay(1, nil), 1100*time.Millisecond)
	})
}

func (s *RetrySuite) TestRetryAfterHint() {
	p := Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2, RespectRetryAfter: true}
	inv := NewInvoker(p)

	s.Run("hint raises delay", func() {
		s.Equal(time.Second, inv.NextDelay(1, statusErr{status: 429, retryAfter: time.Second}))
	})

	s.Run("hint capped at max delay", func() {
		s.Equal(2*time.Second, inv.NextDelay(1, statusErr{status: 429, retryAfter: time.Minute}))
	})

	s.Run("hint ignored when disabled", func() {
		off := p
		off.RespectRetryAfter = false
		s.Equal(100*time.Millisecond, NewInvoker(off).NextDelay(1, statusErr{status: 429, retryAfter: time.Second}))
	})
}

// =============================================================================
// Invocation
// =============================================================================

func (s *RetrySuite) TestDo() {
	p := Policy{MaxAttempts: 3, BaseDelay: 1000 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2}

	s.Run("success on first attempt", func() {
		s.SetupTest()
		got, attempts, err := Do(context.Background(), s.invoker(p), func(context.Context) (string, error) {
			return "ok", nil
		})
		s.Require().NoError(err)
		s.Equal("ok", got)
		s.Equal(1, attempts)
		s.Empty(s.slept)
	})

	s.Run("rate limited is retried up to max attempts", func() {
		s.SetupTest()
		calls := 0
		_, attempts, err := Do(context.Background(), s.invoker(p), func(context.Context) (int, error) {
			calls++
			return 0, dErrors.New(dErrors.CodeRateLimited, "slow down")
		})
		s.Require().Error(err)
		s.True(dErrors.Is(err, dErrors.CodeRateLimited))
		s.Equal(3, attempts)
		s.Equal(3, calls)
		s.Equal([]time.Duration{time.Second, 2 * time.Second}, s.slept)
	})

	s.Run("5xx recovers on a later attempt", func() {
		s.SetupTest()
		calls := 0
		got, attempts, err := Do(context.Background(), s.invoker(p), func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, statusErr{status: 503}
			}
			return 42, nil
		})
		s.Require().NoError(err)
		s.Equal(42, got)
		s.Equal(3, attempts)
	})

	s.Run("domain conflict is never retried", func() {
		s.SetupTest()
		calls := 0
		_, attempts, err := Do(context.Background(), s.invoker(p), func(context.Context) (int, error) {
			calls++
			return 0, statusErr{status: 400}
		})
		s.Require().Error(err)
		s.Equal(1, attempts)
		s.Equal(1, calls)
		s.Empty(s.slept)
	})

	s.Run("cancelled context stops waiting", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		inv := NewInvoker(p)
		attempts, err := inv.Run(ctx, func(context.Context) error {
			return dErrors.New(dErrors.CodeTimeout, "slow")
		})
		s.Require().Error(err)
		s.Equal(1, attempts)
	})

	s.Run("observer sees each retry", func() {
		s.SetupTest()
		var observed []int
		inv := s.invoker(p, WithOnRetry(func(attempt int, _ error, _ time.Duration) {
			observed = append(observed, attempt)
		}))
		_, _ = inv.Run(context.Background(), func(context.Context) error {
			return context.DeadlineExceeded
		})
		s.Equal([]int{1, 2}, observed)
	})
}

// =============================================================================
// Classification
// =============================================================================

func (s *RetrySuite) TestIsRetryable() {
	retryable := []error{
		dErrors.New(dErrors.CodeRateLimited, "x"),
		dErrors.New(dErrors.CodeTimeout, "x"),
		dErrors.New(dErrors.CodeUnavailable, "x"),
		statusErr{status: 429},
		statusErr{status: 500},
		statusErr{status: 502},
		context.DeadlineExceeded,
		&net.OpError{Op: "dial", Err: errors.New("connection refused")},
		fmt.Errorf("wrapped: %w", statusErr{status: 504}),
	}
	for _, err := range retryable {
		s.True(IsRetryable(err), "%v should be retryable", err)
	}

	permanent := []error{
		nil,
		context.Canceled,
		errors.New("plain"),
		dErrors.New(dErrors.CodeBadRequest, "x"),
		dErrors.New(dErrors.CodeUnauthorized, "x"),
		dErrors.New(dErrors.CodeNotFound, "x"),
		dErrors.New(dErrors.CodeConflict, "AlreadyOnDuty"),
		statusErr{status: 400},
		statusErr{status: 404},
	}
	for _, err := range permanent {
		s.False(IsRetryable(err), "%v should not be retryable", err)
	}
}
