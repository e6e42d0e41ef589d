package service

import (
	"math"
	"time"

	"shiftgate/internal/ratelimit/models"
)

// decision is the outcome of applying one request to a window record.
type decision struct {
	next   models.WindowRecord
	write  bool
	result models.Result
	// lockedNow marks the request that tipped the window into lockout.
	lockedNow bool
}

// evaluate applies one request at now to rec (nil when absent). It is pure;
// the caller persists next when write is set.
func evaluate(rec *models.WindowRecord, limit models.Limit, now time.Time) decision {
	if rec != nil && rec.LockedOut && now.Before(rec.LockoutExpiry) {
		// still locked: deny without counting
		return decision{result: denied(limit, rec.LockoutExpiry, now)}
	}

	if rec == nil || rec.LockedOut || !now.Before(rec.WindowStart.Add(limit.Window)) {
		next := models.WindowRecord{Count: 1, WindowStart: now}
		return decision{next: next, write: true, result: allowed(limit, next)}
	}

	next := *rec
	next.Count++
	if next.Count <= limit.MaxRequests {
		return decision{next: next, write: true, result: allowed(limit, next)}
	}

	expiry := now.Add(limit.Lockout)
	if limit.Lockout == 0 {
		expiry = rec.WindowStart.Add(limit.Window)
	}
	next.LockedOut = true
	next.LockoutExpiry = expiry
	return decision{next: next, write: true, lockedNow: true, result: denied(limit, expiry, now)}
}

// view is the non-mutating counterpart of evaluate used by Status.
func view(rec *models.WindowRecord, limit models.Limit, now time.Time) models.Status {
	st := models.Status{Limit: limit.MaxRequests, Remaining: limit.MaxRequests}
	if rec == nil {
		return st
	}
	if rec.LockedOut {
		if !now.Before(rec.LockoutExpiry) {
			return st
		}
		start, expiry := rec.WindowStart, rec.LockoutExpiry
		st.Count = rec.Count
		st.Remaining = 0
		st.WindowStart = &start
		st.LockedOut = true
		st.LockoutExpiry = &expiry
		st.ResetAt = &expiry
		return st
	}
	reset := rec.WindowStart.Add(limit.Window)
	if !now.Before(reset) {
		return st
	}
	start := rec.WindowStart
	st.Count = rec.Count
	st.Remaining = max(0, limit.MaxRequests-rec.Count)
	st.WindowStart = &start
	st.ResetAt = &reset
	return st
}

func allowed(limit models.Limit, rec models.WindowRecord) models.Result {
	return models.Result{
		Allowed:   true,
		Limit:     limit.MaxRequests,
		Remaining: max(0, limit.MaxRequests-rec.Count),
		ResetAt:   rec.ResetAt(limit.Window),
	}
}

func denied(limit models.Limit, resetAt, now time.Time) models.Result {
	return models.Result{
		Limit:      limit.MaxRequests,
		ResetAt:    resetAt,
		RetryAfter: retryAfter(resetAt, now),
		LockedOut:  true,
	}
}

// retryAfter rounds up to whole seconds and never returns less than 1, so a
// client honouring it cannot arrive before the reset.
func retryAfter(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(1, secs)
}

// ttl keeps a record for a couple of windows past its reset so idle keys age
// out without a sweep.
func ttl(rec models.WindowRecord, limit models.Limit, now time.Time) time.Duration {
	return max(0, rec.ResetAt(limit.Window).Sub(now)) + staleWindows*limit.Window
}

const staleWindows = 2
