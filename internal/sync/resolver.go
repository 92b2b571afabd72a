package sync

import (
	"context"
	"errors"

	"github.com/jfellows/gamedex/internal/catalog"
	"github.com/jfellows/gamedex/internal/config"
	"github.com/jfellows/gamedex/internal/logging"
	"github.com/jfellows/gamedex/internal/tracing"
)

// Query is one hybrid search request.
type Query struct {
	Filters catalog.Filters
	Page    catalog.Page
	// AutoSync permits one bounded remote top-up when the local catalog
	// comes up short. When false the search never leaves the local DB.
	AutoSync bool
}

// Response is a hybrid search answer. Entries always come from the local
// catalog; the remote phase only ever adds rows for the re-query to find.
type Response struct {
	Entries []catalog.Entry
	Total   int
	// SyncedCount is how many new entries the remote top-up wrote.
	SyncedCount int
	// SourcedFromRemote marks an answer whose top-up completed and added
	// entries. A timed-out top-up reports as local-only even when partial
	// commits landed.
	SourcedFromRemote bool
	// TimedOut reports that the remote phase hit its deadline. Whatever it
	// committed before the deadline is kept and reflected in Entries.
	TimedOut bool
}

// Resolver answers catalog searches local-first, topping up from the
// provider chain only when the local answer is too thin.
type Resolver struct {
	repo   *catalog.Repository
	engine *Engine
	cfg    config.SyncConfig
}

// NewResolver creates a hybrid search resolver.
func NewResolver(repo *catalog.Repository, engine *Engine, cfg config.SyncConfig) *Resolver {
	return &Resolver{repo: repo, engine: engine, cfg: cfg}
}

// Search runs the hybrid flow: query locally, optionally top up from the
// chain, re-query. The remote phase is strictly best-effort; its failures
// and timeouts degrade to the local answer and never error.
func (r *Resolver) Search(ctx context.Context, q Query) (Response, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.hybrid_search")
	defer span.End()

	local, err := r.repo.Search(ctx, q.Filters, q.Page)
	if err != nil {
		return Response{}, err
	}
	resp := Response{Entries: local.Entries, Total: local.Total}

	if !q.AutoSync || q.Filters.Query == "" || local.Total >= r.cfg.SearchMin {
		return resp, nil
	}

	log := logging.With("query", q.Filters.Query, "local_total", local.Total)
	log.Debug("local results below threshold, topping up from providers")

	sctx := ctx
	if r.cfg.SearchTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, r.cfg.SearchTimeout)
		defer cancel()
	}

	run, runErr := r.engine.Run(sctx, Request{
		Mode:  ModeSeedQuery,
		Query: q.Filters.Query,
		Limit: r.cfg.SearchLimit,
	})
	resp.SyncedCount = run.New
	resp.TimedOut = errors.Is(sctx.Err(), context.DeadlineExceeded)
	resp.SourcedFromRemote = !resp.TimedOut && run.New > 0
	if runErr != nil {
		log.Warn("remote top-up incomplete", "synced", resp.SyncedCount, "error", runErr)
	} else if resp.TimedOut {
		log.Warn("remote top-up timed out", "synced", resp.SyncedCount)
	}

	// Whatever the top-up committed is already durable; the re-query picks
	// it up even after a timeout.
	refreshed, err := r.repo.Search(ctx, q.Filters, q.Page)
	if err != nil {
		log.Warn("post-sync re-query failed, returning pre-sync results", "error", err)
		return resp, nil
	}
	resp.Entries = refreshed.Entries
	resp.Total = refreshed.Total
	return resp, nil
}
