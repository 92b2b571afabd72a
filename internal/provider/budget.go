package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jfellows/gamedex/internal/metrics"
)

// Budget is the shared per-provider rate budget. Exactly one Budget exists
// per provider; sync batches, hybrid-search fallbacks and import jobs all
// draw from the same instance.
//
// Two mechanisms compose: a fixed rolling window counter enforcing the hard
// "at most max requests per window" invariant, and a token-bucket limiter
// spacing admitted requests evenly across the window so a burst at window
// start does not hammer the provider.
type Budget struct {
	provider string
	max      int
	window   time.Duration
	maxWait  time.Duration
	limiter  *rate.Limiter

	mu          sync.Mutex
	windowStart time.Time
	consumed    int

	now func() time.Time
}

// NewBudget creates a budget admitting maxPerWindow requests per window.
// Acquire fails with ErrRateLimitTimeout after maxWait.
func NewBudget(provider string, maxPerWindow int, window, maxWait time.Duration) *Budget {
	if maxPerWindow < 1 {
		maxPerWindow = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Budget{
		provider: provider,
		max:      maxPerWindow,
		window:   window,
		maxWait:  maxWait,
		limiter:  rate.NewLimiter(rate.Every(window/time.Duration(maxPerWindow)), maxPerWindow),
		now:      time.Now,
	}
}

// Acquire blocks until the budget admits one request, the context is
// cancelled, or maxWait elapses. It never busy-waits; callers park on a
// timer until the current window rolls over.
func (b *Budget) Acquire(ctx context.Context) error {
	if b.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.maxWait)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		metrics.RateBudgetWait.WithLabelValues(b.provider).Observe(time.Since(start).Seconds())
	}()

	for {
		b.mu.Lock()
		now := b.now()
		if now.Sub(b.windowStart) >= b.window {
			b.windowStart = now
			b.consumed = 0
		}
		if b.consumed < b.max {
			b.consumed++
			b.mu.Unlock()
			break
		}
		wait := b.windowStart.Add(b.window).Sub(now)
		b.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return b.waitErr(ctx.Err())
		case <-timer.C:
		}
	}

	// Space admitted requests evenly within the window.
	if err := b.limiter.Wait(ctx); err != nil {
		return b.waitErr(err)
	}
	return nil
}

// Consumed reports how many requests the current window has admitted.
func (b *Budget) Consumed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Sub(b.windowStart) >= b.window {
		return 0
	}
	return b.consumed
}

// Max returns the per-window request ceiling.
func (b *Budget) Max() int {
	return b.max
}

// Window returns the budget's window duration.
func (b *Budget) Window() time.Duration {
	return b.window
}

func (b *Budget) waitErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s budget exhausted after %s", ErrRateLimitTimeout, b.provider, b.maxWait)
}
