package circuit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outcome drives one Record call: true records a success.
type outcome bool

const (
	ok   outcome = true
	fail outcome = false
)

func record(b *Breaker, o outcome) (primary bool, change Change) {
	if o == ok {
		return b.RecordSuccess()
	}
	useFallback, change := b.RecordFailure()
	return !useFallback, change
}

func TestBreakerTransitions(t *testing.T) {
	tests := []struct {
		name        string
		sequence    []outcome
		wantState   State
		wantPrimary bool
		wantChange  Change
	}{
		{"new breaker is closed", nil, StateClosed, true, Change{}},
		{"failures below threshold stay closed", []outcome{fail, fail}, StateClosed, true, Change{}},
		{"threshold failure opens", []outcome{fail, fail, fail}, StateOpen, false, Change{Opened: true}},
		{"a success between failures restarts the count", []outcome{fail, fail, ok, fail, fail}, StateClosed, true, Change{}},
		{"failures while open keep the fallback", []outcome{fail, fail, fail, fail}, StateOpen, false, Change{}},
		{"one success while open is not trusted", []outcome{fail, fail, fail, ok}, StateOpen, false, Change{}},
		{"success threshold closes", []outcome{fail, fail, fail, ok, ok}, StateClosed, true, Change{Closed: true}},
		{"a failure while probing restarts the success count", []outcome{fail, fail, fail, ok, fail, ok}, StateOpen, false, Change{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("ratelimit-store", WithFailureThreshold(3), WithSuccessThreshold(2))
			primary, change := true, Change{}
			for _, o := range tt.sequence {
				primary, change = record(b, o)
			}
			assert.Equal(t, tt.wantState, b.State())
			assert.Equal(t, tt.wantPrimary, primary)
			assert.Equal(t, tt.wantChange, change)
		})
	}
}

func TestBreakerDefaultsAndOptions(t *testing.T) {
	b := New("audit-sink", WithFailureThreshold(0), WithSuccessThreshold(-1))
	assert.Equal(t, "audit-sink", b.Name())

	for range defaultFailureThreshold - 1 {
		b.RecordFailure()
	}
	require.False(t, b.IsOpen(), "non-positive options keep the defaults")
	b.RecordFailure()
	require.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, "closed", b.State().String())
}

func TestBreakerConcurrentFailuresOpenOnce(t *testing.T) {
	b := New("ratelimit-store", WithFailureThreshold(10))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		opened int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, change := b.RecordFailure(); change.Opened {
				mu.Lock()
				opened++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, opened)
	assert.Equal(t, "open", b.State().String())
}
