// Package worker drains the security ring buffer into a sink in batches.
package worker

import (
	"context"
	"log/slog"
	"time"

	audit "shiftgate/pkg/platform/audit"
	"shiftgate/pkg/platform/circuit"
)

// Source is the queue side of the security publisher's ring buffer.
type Source interface {
	DequeueBatch(n int) []audit.SecurityEvent
	Requeue(events []audit.SecurityEvent)
	Len() int
}

// Worker flushes buffered events on an interval. When a fallback sink is
// configured, a circuit breaker routes batches to it after repeated primary
// failures; otherwise failed batches are requeued.
type Worker struct {
	source    Source
	sink      audit.Sink
	fallback  audit.Sink
	breaker   *circuit.Breaker
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

type Option func(*Worker)

func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithFallback(sink audit.Sink) Option {
	return func(w *Worker) {
		w.fallback = sink
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func New(source Source, sink audit.Sink, opts ...Option) *Worker {
	w := &Worker{
		source:    source,
		sink:      sink,
		interval:  time.Second,
		batchSize: 256,
		breaker:   circuit.New("audit-sink"),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run flushes until ctx is cancelled, then drains what is left with a short
// grace period. It returns nil on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			for w.source.Len() > 0 && drainCtx.Err() == nil {
				if !w.Flush(drainCtx) {
					break
				}
			}
			cancel()
			return nil
		case <-ticker.C:
			for w.source.Len() > 0 {
				if !w.Flush(ctx) {
					break
				}
			}
		}
	}
}

// Flush writes one batch. It reports whether the batch was delivered.
func (w *Worker) Flush(ctx context.Context) bool {
	batch := w.source.DequeueBatch(w.batchSize)
	if len(batch) == 0 {
		return false
	}

	if w.fallback != nil && w.breaker.IsOpen() {
		// keep probing the primary so the breaker can close
		if err := w.sink.Write(ctx, batch); err != nil {
			w.breaker.RecordFailure()
			return w.writeFallback(ctx, batch)
		}
		if _, change := w.breaker.RecordSuccess(); change.Closed {
			w.logger.InfoContext(ctx, "audit sink recovered")
		}
		return true
	}

	if err := w.sink.Write(ctx, batch); err != nil {
		w.logger.WarnContext(ctx, "audit sink write failed", "error", err, "batch", len(batch))
		if w.fallback == nil {
			w.source.Requeue(batch)
			return false
		}
		useFallback, change := w.breaker.RecordFailure()
		if change.Opened {
			w.logger.ErrorContext(ctx, "audit sink circuit opened, using fallback sink")
		}
		if useFallback {
			return w.writeFallback(ctx, batch)
		}
		w.source.Requeue(batch)
		return false
	}
	w.breaker.RecordSuccess()
	return true
}

func (w *Worker) writeFallback(ctx context.Context, batch []audit.SecurityEvent) bool {
	if err := w.fallback.Write(ctx, batch); err != nil {
		w.logger.ErrorContext(ctx, "audit fallback sink write failed", "error", err, "batch", len(batch))
		w.source.Requeue(batch)
		return false
	}
	return true
}
