// Package ports defines the interfaces the rate governor depends on.
package ports

import (
	"context"
	"time"

	"shiftgate/internal/ratelimit/models"
	audit "shiftgate/pkg/platform/audit"
)

// WindowStore holds window records. Implementations must make
// CompareAndSwap atomic per key; the governor never holds a lock across
// calls.
type WindowStore interface {
	// Get returns the record for key, or sentinel.ErrNotFound.
	Get(ctx context.Context, key string) (*models.WindowRecord, error)

	// CompareAndSwap stores next if the stored version equals expected
	// (0 meaning absent) and reports whether it did. The stored record
	// expires after ttl.
	CompareAndSwap(ctx context.Context, key string, expected int64, next models.WindowRecord, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Sweep evicts records whose ttl has passed and returns how many went.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// AuditPublisher receives security events for lockouts and admin resets.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}
