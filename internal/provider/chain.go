package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/jfellows/gamedex/internal/catalog"
	"github.com/jfellows/gamedex/internal/logging"
	"github.com/jfellows/gamedex/internal/metrics"
)

// ErrAllProvidersFailed means every provider in the chain failed outright;
// the joined per-provider errors are attached as the cause.
var ErrAllProvidersFailed = errors.New("all providers failed")

// chainEntry pairs a provider with its circuit breaker and its standing in
// the chain. An authoritative provider's empty result ends the chain: if
// the provider of record says a game does not exist, a lower-ranked source
// is not asked for a second opinion.
type chainEntry struct {
	client        Client
	authoritative bool
	breaker       *gobreaker.CircuitBreaker[[]catalog.Candidate]
}

// Chain arbitrates between providers in priority order. A provider is
// skipped when its breaker is open or its call fails; the next provider is
// consulted and the fallthrough is recorded.
type Chain struct {
	entries []chainEntry
}

// NewChain builds a chain consulting clients in the given order.
// authoritative flags whether the corresponding client's empty answer is
// final; the two slices are parallel.
func NewChain(clients []Client, authoritative []bool) *Chain {
	entries := make([]chainEntry, 0, len(clients))
	for i, client := range clients {
		auth := i < len(authoritative) && authoritative[i]
		settings := gobreaker.Settings{
			Name:    client.Name(),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// A missing record is a well-formed answer, not a provider
			// failure; it must never trip the breaker.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound)
			},
		}
		entries = append(entries, chainEntry{
			client:        client,
			authoritative: auth,
			breaker:       gobreaker.NewCircuitBreaker[[]catalog.Candidate](settings),
		})
	}
	return &Chain{entries: entries}
}

// budgeted is implemented by clients that draw from a shared rate budget.
type budgeted interface {
	Budget() *Budget
}

// BatchHint returns a batch size that keeps one batch of per-candidate
// calls within the tightest provider budget window. Zero when no client
// exposes a budget.
func (c *Chain) BatchHint() int {
	hint := 0
	for _, entry := range c.entries {
		b, ok := entry.client.(budgeted)
		if !ok || b.Budget() == nil {
			continue
		}
		if max := b.Budget().Max(); hint == 0 || max < hint {
			hint = max
		}
	}
	return hint
}

// Search runs the query down the chain and returns the first non-empty
// answer.
func (c *Chain) Search(ctx context.Context, query string, limit int) ([]catalog.Candidate, error) {
	return c.run(ctx, "search", func(client Client) ([]catalog.Candidate, error) {
		return client.Search(ctx, query, limit)
	})
}

// FetchRecent runs the recency feed down the chain.
func (c *Chain) FetchRecent(ctx context.Context, since time.Time, limit int) ([]catalog.Candidate, error) {
	return c.run(ctx, "fetch recent", func(client Client) ([]catalog.Candidate, error) {
		return client.FetchRecent(ctx, since, limit)
	})
}

// FetchPopular runs the popularity feed down the chain.
func (c *Chain) FetchPopular(ctx context.Context, limit int) ([]catalog.Candidate, error) {
	return c.run(ctx, "fetch popular", func(client Client) ([]catalog.Candidate, error) {
		return client.FetchPopular(ctx, limit)
	})
}

// FetchByID asks the named provider directly; ids are provider-scoped so
// there is nothing to fall back to.
func (c *Chain) FetchByID(ctx context.Context, providerName string, externalID int64) (*catalog.Candidate, error) {
	for _, entry := range c.entries {
		if entry.client.Name() != providerName {
			continue
		}
		cands, err := entry.breaker.Execute(func() ([]catalog.Candidate, error) {
			cand, err := entry.client.FetchByID(ctx, externalID)
			if err != nil {
				return nil, err
			}
			return []catalog.Candidate{*cand}, nil
		})
		if err != nil {
			return nil, err
		}
		return &cands[0], nil
	}
	return nil, &Error{Provider: providerName, Op: "fetch by id", Err: ErrNotFound}
}

// run walks the chain. The first non-empty result wins. Empty results fall
// through (unless the provider is authoritative); failed providers are
// skipped and their errors joined if nobody answers.
func (c *Chain) run(ctx context.Context, op string, fn func(Client) ([]catalog.Candidate, error)) ([]catalog.Candidate, error) {
	var failures []error

	for _, entry := range c.entries {
		name := entry.client.Name()
		cands, err := entry.breaker.Execute(func() ([]catalog.Candidate, error) {
			return fn(entry.client)
		})
		if err != nil {
			reason := failureReason(err)
			metrics.ChainFallthroughs.WithLabelValues(name, reason).Inc()
			logging.With("provider", name, "op", op).Warn("provider failed, falling through",
				"reason", reason, "error", err)
			failures = append(failures, err)
			continue
		}
		if len(cands) > 0 {
			return cands, nil
		}
		if entry.authoritative {
			// The provider of record has no answer; treat that as final.
			return nil, nil
		}
		metrics.ChainFallthroughs.WithLabelValues(name, "empty").Inc()
		logging.With("provider", name, "op", op).Debug("provider returned nothing, falling through")
	}

	if len(failures) > 0 && len(failures) == len(c.entries) {
		return nil, errors.Join(ErrAllProvidersFailed, errors.Join(failures...))
	}
	return nil, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrRateLimitTimeout):
		return "rate_limited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unavailable"
	}
}
