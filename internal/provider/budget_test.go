package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestBudgetAdmitsUpToMax(t *testing.T) {
	b := NewBudget("test", 3, time.Minute, 50*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Acquire(ctx))
	}
	assert.Equal(t, 3, b.Consumed())

	err := b.Acquire(ctx)
	assert.ErrorIs(t, err, ErrRateLimitTimeout)
	assert.Equal(t, 3, b.Consumed(), "a timed-out wait must not consume budget")
}

func TestBudgetWindowRollover(t *testing.T) {
	b := NewBudget("test", 2, 60*time.Millisecond, 500*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, b.Acquire(ctx))
	require.NoError(t, b.Acquire(ctx))

	// The third acquire must park until the window rolls over, then succeed.
	start := time.Now()
	require.NoError(t, b.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 1, b.Consumed())
}

func TestBudgetConcurrentCallersNeverExceedMax(t *testing.T) {
	const max = 5
	window := 100 * time.Millisecond
	b := NewBudget("test", max, window, 20*time.Millisecond)

	// Observe admissions per window with a fake clock pinned inside the
	// budget's own locking, so the count is exact.
	var admitted atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Acquire(context.Background()); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	// With a 20ms max wait inside a 100ms window, only the first window's
	// admissions (plus pacing slack) can succeed; it must never exceed the
	// per-window max for the windows that fit in the wait budget.
	assert.LessOrEqual(t, b.Consumed(), max)
	assert.GreaterOrEqual(t, int(admitted.Load()), 1)
}

func TestBudgetRespectsCallerCancellation(t *testing.T) {
	b := NewBudget("test", 1, time.Minute, time.Minute)
	require.NoError(t, b.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBudgetFakeClockRollover(t *testing.T) {
	b := NewBudget("test", 2, time.Second, 10*time.Millisecond)

	current := time.Unix(1700000000, 0)
	b.now = func() time.Time { return current }
	// Disable real-time pacing so the fake clock fully controls admission.
	b.limiter = rate.NewLimiter(rate.Inf, 0)

	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx))
	require.NoError(t, b.Acquire(ctx))
	assert.Equal(t, 2, b.Consumed())

	// Advancing the clock past the window resets consumption.
	current = current.Add(2 * time.Second)
	assert.Equal(t, 0, b.Consumed())
	require.NoError(t, b.Acquire(ctx))
	assert.Equal(t, 1, b.Consumed())
}
