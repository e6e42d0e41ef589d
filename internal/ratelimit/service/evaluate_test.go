package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"shiftgate/internal/ratelimit/models"
)

func TestEvaluate(t *testing.T) {
	limit := models.Limit{Window: time.Minute, MaxRequests: 3, Lockout: 5 * time.Minute}
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		rec        *models.WindowRecord
		now        time.Time
		allowed    bool
		write      bool
		lockedNow  bool
		count      int
		retryAfter int
	}{
		{"first request opens a window", nil, t0, true, true, false, 1, 0},
		{"within budget counts", &models.WindowRecord{Count: 2, WindowStart: t0}, t0.Add(time.Second), true, true, false, 3, 0},
		{"over budget locks out", &models.WindowRecord{Count: 3, WindowStart: t0}, t0.Add(10 * time.Second), false, true, true, 4, 300},
		{"window elapsed restarts at one", &models.WindowRecord{Count: 3, WindowStart: t0}, t0.Add(time.Minute), true, true, false, 1, 0},
		{
			"locked out denies without writing",
			&models.WindowRecord{Count: 4, WindowStart: t0, LockedOut: true, LockoutExpiry: t0.Add(5 * time.Minute)},
			t0.Add(2 * time.Minute), false, false, false, 0, 180,
		},
		{
			"expired lockout is a fresh window",
			&models.WindowRecord{Count: 4, WindowStart: t0, LockedOut: true, LockoutExpiry: t0.Add(5 * time.Minute)},
			t0.Add(5 * time.Minute), true, true, false, 1, 0,
		},
		{
			"sub-second wait rounds up to one",
			&models.WindowRecord{Count: 4, WindowStart: t0, LockedOut: true, LockoutExpiry: t0.Add(5 * time.Minute)},
			t0.Add(5*time.Minute - 200*time.Millisecond), false, false, false, 0, 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := evaluate(tt.rec, limit, tt.now)
			assert.Equal(t, tt.allowed, d.result.Allowed)
			assert.Equal(t, tt.write, d.write)
			assert.Equal(t, tt.lockedNow, d.lockedNow)
			assert.Equal(t, tt.retryAfter, d.result.RetryAfter)
			if tt.write {
				assert.Equal(t, tt.count, d.next.Count)
			}
		})
	}
}

func TestEvaluateWithoutLockoutDeniesUntilWindowEnds(t *testing.T) {
	limit := models.Limit{Window: time.Minute, MaxRequests: 1}
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	d := evaluate(&models.WindowRecord{Count: 1, WindowStart: t0}, limit, t0.Add(15*time.Second))
	assert.False(t, d.result.Allowed)
	assert.Equal(t, 45, d.result.RetryAfter)
	assert.True(t, t0.Add(time.Minute).Equal(d.next.LockoutExpiry))
}

func TestView(t *testing.T) {
	limit := models.Limit{Window: time.Minute, MaxRequests: 5, Lockout: time.Hour}
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	st := view(nil, limit, t0)
	assert.Equal(t, 5, st.Remaining)
	assert.Nil(t, st.ResetAt)

	st = view(&models.WindowRecord{Count: 2, WindowStart: t0}, limit, t0.Add(time.Second))
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, 3, st.Remaining)

	st = view(&models.WindowRecord{Count: 2, WindowStart: t0}, limit, t0.Add(2*time.Minute))
	assert.Equal(t, 0, st.Count, "elapsed window reads as empty")

	locked := &models.WindowRecord{Count: 6, WindowStart: t0, LockedOut: true, LockoutExpiry: t0.Add(time.Hour)}
	st = view(locked, limit, t0.Add(time.Minute))
	assert.True(t, st.LockedOut)
	assert.Equal(t, 0, st.Remaining)
}
