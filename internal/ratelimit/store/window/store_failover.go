package window

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"shiftgate/internal/ratelimit/metrics"
	"shiftgate/internal/ratelimit/models"
	"shiftgate/internal/ratelimit/ports"
	audit "shiftgate/pkg/platform/audit"
	"shiftgate/pkg/platform/circuit"
	"shiftgate/pkg/platform/sentinel"
)

// FailoverStore serves from a shared primary and falls back to a local store
// once the primary has failed enough times in a row. While open, reads keep
// trying the primary and the breaker closes after enough clean reads.
// Writes go wherever the breaker currently points; a version read from one
// store never matches the other, so the governor's swap loop re-reads.
type FailoverStore struct {
	primary  ports.WindowStore
	fallback ports.WindowStore
	breaker  *circuit.Breaker
	logger   *slog.Logger
	metrics  *metrics.Metrics
	emitter  ports.AuditPublisher
}

type FailoverOption func(*FailoverStore)

func WithBreaker(b *circuit.Breaker) FailoverOption {
	return func(s *FailoverStore) {
		if b != nil {
			s.breaker = b
		}
	}
}

func WithFailoverLogger(logger *slog.Logger) FailoverOption {
	return func(s *FailoverStore) {
		s.logger = logger
	}
}

func WithFailoverMetrics(m *metrics.Metrics) FailoverOption {
	return func(s *FailoverStore) {
		s.metrics = m
	}
}

func WithFailoverAudit(p ports.AuditPublisher) FailoverOption {
	return func(s *FailoverStore) {
		s.emitter = p
	}
}

func NewFailoverStore(primary, fallback ports.WindowStore, opts ...FailoverOption) *FailoverStore {
	s := &FailoverStore{
		primary:  primary,
		fallback: fallback,
		breaker:  circuit.New("ratelimit-window-store"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Degraded reports whether requests are being served by the fallback.
func (s *FailoverStore) Degraded() bool {
	return s.breaker.IsOpen()
}

func (s *FailoverStore) Get(ctx context.Context, key string) (*models.WindowRecord, error) {
	rec, err := s.primary.Get(ctx, key)
	if err == nil || errors.Is(err, sentinel.ErrNotFound) {
		if usePrimary := s.success(ctx); usePrimary {
			return rec, err
		}
		return s.fallback.Get(ctx, key)
	}
	if !s.failure(ctx, "get", err) {
		return nil, err
	}
	return s.fallback.Get(ctx, key)
}

func (s *FailoverStore) CompareAndSwap(ctx context.Context, key string, expected int64, next models.WindowRecord, ttl time.Duration) (bool, error) {
	if s.breaker.IsOpen() {
		return s.fallback.CompareAndSwap(ctx, key, expected, next, ttl)
	}
	ok, err := s.primary.CompareAndSwap(ctx, key, expected, next, ttl)
	if err == nil {
		s.success(ctx)
		return ok, nil
	}
	if !s.failure(ctx, "compare_and_swap", err) {
		return false, err
	}
	return s.fallback.CompareAndSwap(ctx, key, expected, next, ttl)
}

// Delete clears both stores so a reset survives a failover in either
// direction.
func (s *FailoverStore) Delete(ctx context.Context, key string) error {
	if err := s.fallback.Delete(ctx, key); err != nil {
		return err
	}
	if err := s.primary.Delete(ctx, key); err != nil {
		if s.failure(ctx, "delete", err) {
			return nil
		}
		return err
	}
	s.success(ctx)
	return nil
}

func (s *FailoverStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := s.fallback.Sweep(ctx, now)
	if err != nil {
		return n, err
	}
	if s.breaker.IsOpen() {
		return n, nil
	}
	m, err := s.primary.Sweep(ctx, now)
	return n + m, err
}

// success records a healthy primary call and reports whether the primary's
// answer may be used.
func (s *FailoverStore) success(ctx context.Context) bool {
	usePrimary, change := s.breaker.RecordSuccess()
	if change.Closed {
		s.metrics.SetDegraded(false)
		s.logger.InfoContext(ctx, "rate limit store recovered, shared limits restored")
		s.emit(ctx, audit.ActionRateLimitRestored)
	}
	return usePrimary
}

// failure records a failed primary call and reports whether the caller
// should continue on the fallback.
func (s *FailoverStore) failure(ctx context.Context, op string, err error) bool {
	s.metrics.IncrementStoreErrors(op)
	useFallback, change := s.breaker.RecordFailure()
	if change.Opened {
		s.metrics.SetDegraded(true)
		s.logger.ErrorContext(ctx, "rate limit store circuit opened, limits are per process",
			"op", op,
			"error", err,
		)
		s.emit(ctx, audit.ActionRateLimitDegraded)
	} else if !useFallback {
		s.logger.WarnContext(ctx, "rate limit store call failed", "op", op, "error", err)
	}
	return useFallback
}

func (s *FailoverStore) emit(ctx context.Context, action audit.Action) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ctx, audit.SecurityEvent{
		Action: action,
		Detail: map[string]string{"breaker": s.breaker.Name()},
	})
}
