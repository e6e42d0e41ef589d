// Package retry re-runs transiently failing work with exponential backoff.
//
// The delay before attempt n+1 is min(MaxDelay, BaseDelay*Multiplier^(n-1)).
// With Jitter the realized delay is drawn from [delay, 1.1*delay). Only errors
// the classifier reports as transient are retried; everything else returns
// after the first attempt.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	// RespectRetryAfter treats a server-provided Retry-After as a lower bound
	// for the next delay, still capped at MaxDelay.
	RespectRetryAfter bool
}

// DefaultPolicy suits calls into the attendance boundary.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       4,
		BaseDelay:         250 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		Multiplier:        2,
		Jitter:            true,
		RespectRetryAfter: true,
	}
}

// Delay is the un-jittered backoff before the attempt following attempt n (n >= 1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// jitter spreads d over [d, 1.1*d). r must be in [0, 1).
func jitter(d time.Duration, r float64) time.Duration {
	return d + time.Duration(float64(d)*0.1*r)
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// OnRetry observes each scheduled retry.
type OnRetry func(attempt int, err error, delay time.Duration)

// Invoker runs work under a Policy. Construct once and share.
type Invoker struct {
	policy   Policy
	classify Classifier
	sleep    func(ctx context.Context, d time.Duration) error
	rand     func() float64
	onRetry  OnRetry
	logger   *slog.Logger
}

type Option func(*Invoker)

func WithClassifier(c Classifier) Option {
	return func(i *Invoker) {
		if c != nil {
			i.classify = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *Invoker) {
		i.logger = logger
	}
}

func WithOnRetry(fn OnRetry) Option {
	return func(i *Invoker) {
		i.onRetry = fn
	}
}

// WithSleep replaces the inter-attempt wait. Tests use it to record delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(i *Invoker) {
		if fn != nil {
			i.sleep = fn
		}
	}
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(i *Invoker) {
		if fn != nil {
			i.rand = fn
		}
	}
}

func NewInvoker(policy Policy, opts ...Option) *Invoker {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	inv := &Invoker{
		policy:   policy,
		classify: IsRetryable,
		sleep:    sleepCtx,
		rand:     rand.Float64,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (i *Invoker) Policy() Policy { return i.policy }

// NextDelay returns the realized wait after a failed attempt, applying jitter
// and any Retry-After hint carried by err.
func (i *Invoker) NextDelay(attempt int, err error) time.Duration {
	d := i.policy.Delay(attempt)
	if i.policy.Jitter {
		d = jitter(d, i.rand())
	}
	if i.policy.RespectRetryAfter {
		if hint, ok := RetryAfterHint(err); ok && hint > d {
			d = hint
			if i.policy.MaxDelay > 0 && d > i.policy.MaxDelay {
				d = i.policy.MaxDelay
			}
		}
	}
	return d
}

// Run executes fn until it succeeds, fails permanently, attempts are
// exhausted, or ctx ends. It returns the number of attempts made and the
// last error.
func (i *Invoker) Run(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	_, attempts, err := Do(ctx, i, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return attempts, err
}

// Do is Run for work that yields a value.
func Do[T any](ctx context.Context, inv *Invoker, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= inv.policy.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if attempt == inv.policy.MaxAttempts || !inv.classify(err) {
			return zero, attempt, err
		}

		delay := inv.NextDelay(attempt, err)
		if inv.onRetry != nil {
			inv.onRetry(attempt, err, delay)
		}
		if inv.logger != nil {
			inv.logger.DebugContext(ctx, "retrying after transient failure",
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
				"error", err,
			)
		}
		if err := inv.sleep(ctx, delay); err != nil {
			return zero, attempt, lastErr
		}
	}
	return zero, inv.policy.MaxAttempts, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
