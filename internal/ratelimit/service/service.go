// Package service implements the rate governor: fixed windows per
// (endpoint class, client) with lockout escalation once a window's budget is
// spent.
//
// The governor holds no locks of its own. Every decision is a read, a pure
// evaluation and a compare-and-swap against the window store, retried on
// conflict, so the same code is correct over an in-process map and over a
// store shared by many processes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"shiftgate/internal/ratelimit/metrics"
	"shiftgate/internal/ratelimit/models"
	"shiftgate/internal/ratelimit/observability"
	"shiftgate/internal/ratelimit/ports"
	dErrors "shiftgate/pkg/domain-errors"
	audit "shiftgate/pkg/platform/audit"
	"shiftgate/pkg/platform/privacy"
	"shiftgate/pkg/platform/sentinel"
	"shiftgate/pkg/requestcontext"
)

const defaultMaxAttempts = 8

// degrader is implemented by stores that can report running on a fallback.
type degrader interface {
	Degraded() bool
}

type Service struct {
	store       ports.WindowStore
	limits      map[models.EndpointClass]models.Limit
	maxAttempts int
	publisher   ports.AuditPublisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditPublisher(p ports.AuditPublisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithMaxAttempts bounds the compare-and-swap loop under contention.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func New(store ports.WindowStore, limits map[models.EndpointClass]models.Limit, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("window store is required")
	}
	for _, class := range models.AllClasses {
		l, ok := limits[class]
		if !ok {
			return nil, fmt.Errorf("no limit configured for class %q", class)
		}
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("class %q: %w", class, err)
		}
	}
	s := &Service{
		store:       store,
		limits:      limits,
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Limit returns the configuration for class.
func (s *Service) Limit(class models.EndpointClass) (models.Limit, bool) {
	l, ok := s.limits[class]
	return l, ok
}

// Check counts one request from identifier against class and reports
// whether it is admitted. A denied result is not an error.
func (s *Service) Check(ctx context.Context, class models.EndpointClass, identifier string) (*models.Result, error) {
	limit, ok := s.limits[class]
	if !ok {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown endpoint class: "+string(class))
	}
	key := models.WindowKey(class, identifier)
	now := requestcontext.Now(ctx)

	for range s.maxAttempts {
		rec, err := s.store.Get(ctx, key)
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return nil, s.storeError(ctx, "get", err)
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			rec = nil
		}

		d := evaluate(rec, limit, now)
		if d.write {
			var expected int64
			if rec != nil {
				expected = rec.Version
			}
			swapped, err := s.store.CompareAndSwap(ctx, key, expected, d.next, ttl(d.next, limit, now))
			if err != nil {
				return nil, s.storeError(ctx, "compare_and_swap", err)
			}
			if !swapped {
				s.metrics.IncrementCASConflicts()
				continue
			}
		}

		res := d.result
		res.Degraded = s.degraded()
		s.observe(ctx, class, identifier, d, res)
		return &res, nil
	}
	s.logger.WarnContext(ctx, "rate limit window contended past retry budget",
		"class", string(class),
		"ip_prefix", privacy.AnonymizeIP(identifier),
	)
	return nil, dErrors.New(dErrors.CodeUnavailable, "rate limit state contended")
}

// Status reports identifier's window in class without counting a request.
func (s *Service) Status(ctx context.Context, class models.EndpointClass, identifier string) (*models.Status, error) {
	limit, ok := s.limits[class]
	if !ok {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown endpoint class: "+string(class))
	}
	rec, err := s.store.Get(ctx, models.WindowKey(class, identifier))
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, s.storeError(ctx, "get", err)
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		rec = nil
	}
	st := view(rec, limit, requestcontext.Now(ctx))
	st.Identifier = identifier
	st.Class = class
	return &st, nil
}

// Reset clears identifier's window and any lockout in class.
func (s *Service) Reset(ctx context.Context, class models.EndpointClass, identifier string) error {
	if _, ok := s.limits[class]; !ok {
		return dErrors.New(dErrors.CodeInvalidInput, "unknown endpoint class: "+string(class))
	}
	if err := s.store.Delete(ctx, models.WindowKey(class, identifier)); err != nil {
		return s.storeError(ctx, "delete", err)
	}
	observability.LogAudit(ctx, s.logger, s.publisher, audit.ActionRateLimitReset,
		"identifier", privacy.AnonymizeIP(identifier),
		"class", string(class),
		"reason", "admin reset",
	)
	return nil
}

// RunSweeper evicts stale records every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := s.store.Sweep(ctx, now)
			if err != nil {
				s.metrics.IncrementStoreErrors("sweep")
				s.logger.WarnContext(ctx, "rate limit sweep failed", "error", err)
				continue
			}
			s.metrics.AddSwept(n)
			if n > 0 {
				s.logger.DebugContext(ctx, "rate limit sweep", "evicted", n)
			}
		}
	}
}

func (s *Service) observe(ctx context.Context, class models.EndpointClass, identifier string, d decision, res models.Result) {
	outcome := "allowed"
	if !res.Allowed {
		outcome = "rate_limited"
	}
	s.metrics.ObserveDecision(string(class), outcome)
	if !d.lockedNow {
		return
	}
	s.metrics.IncrementLockouts(string(class))
	observability.LogAudit(ctx, s.logger, s.publisher, audit.ActionRateLimitLockout,
		"identifier", privacy.AnonymizeIP(identifier),
		"class", string(class),
		"reason", "window budget exhausted",
		"retry_after", res.RetryAfter,
	)
}

func (s *Service) degraded() bool {
	if d, ok := s.store.(degrader); ok {
		return d.Degraded()
	}
	return false
}

func (s *Service) storeError(ctx context.Context, op string, err error) error {
	s.metrics.IncrementStoreErrors(op)
	if errors.Is(err, context.DeadlineExceeded) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "rate limit store timed out")
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limit store unavailable")
}
