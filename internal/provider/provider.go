// Package provider implements rate-limited clients for upstream game
// metadata sources and the priority chain that arbitrates between them.
package provider

import (
	"context"
	"time"

	"github.com/jfellows/gamedex/internal/catalog"
)

// Client is the uniform interface over one upstream metadata provider.
// Every call draws from the provider's shared rate budget before any HTTP
// request is issued, and blocks cooperatively until the budget admits it.
type Client interface {
	// Name returns the provider name (e.g., "igdb").
	Name() string
	// Search finds games matching a free-text query.
	Search(ctx context.Context, query string, limit int) ([]catalog.Candidate, error)
	// FetchByID fetches one game by its provider-specific id.
	// Returns ErrNotFound when the provider has no such record.
	FetchByID(ctx context.Context, externalID int64) (*catalog.Candidate, error)
	// FetchRecent returns games released since the given date, newest first.
	FetchRecent(ctx context.Context, since time.Time, limit int) ([]catalog.Candidate, error)
	// FetchPopular returns the provider's trending/top-rated feed.
	FetchPopular(ctx context.Context, limit int) ([]catalog.Candidate, error)
}
