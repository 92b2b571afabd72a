// Package sync pulls game metadata from the provider chain into the local
// catalog: seeding runs, stale refresh and new-release discovery.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jfellows/gamedex/internal/catalog"
	"github.com/jfellows/gamedex/internal/config"
	"github.com/jfellows/gamedex/internal/logging"
	"github.com/jfellows/gamedex/internal/metrics"
	"github.com/jfellows/gamedex/internal/provider"
	"github.com/jfellows/gamedex/internal/tracing"
)

// Mode selects what a sync run does.
type Mode string

const (
	// ModeSeedPopular pulls the providers' popularity feed.
	ModeSeedPopular Mode = "seed-popular"
	// ModeSeedQuery pulls everything matching a free-text query.
	ModeSeedQuery Mode = "seed-query"
	// ModeSeedTag pulls games for a genre or platform tag.
	ModeSeedTag Mode = "seed-tag"
	// ModeRefreshStale re-fetches entries whose metadata has gone stale.
	ModeRefreshStale Mode = "refresh-stale"
	// ModeDiscoverNew pulls releases from the lookback window.
	ModeDiscoverNew Mode = "discover-new"
)

// ErrNoCandidates means the run could not source any candidates at all.
var ErrNoCandidates = errors.New("no candidates sourced")

// Request parameterizes one sync run. Zero values fall back to configured
// defaults.
type Request struct {
	Mode  Mode
	Query string // seed-query and seed-tag text
	Limit int
	// BatchSize caps how many candidates are in flight at once; the
	// configured worker count applies within each batch.
	BatchSize int
	// Lookback bounds discover-new; StaleAfter bounds refresh-stale.
	Lookback   time.Duration
	StaleAfter time.Duration
}

// Failure records one candidate that could not be synced. The run carries
// on past individual failures; they are reported, not fatal.
type Failure struct {
	Name       string
	Provider   string
	ExternalID int64
	Err        error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s (%s/%d): %v", f.Name, f.Provider, f.ExternalID, f.Err)
}

// Result summarizes a completed sync run.
type Result struct {
	Mode      Mode
	Attempted int
	New       int
	Updated   int
	// Archived counts refreshed entries whose provider of record no longer
	// reports them; they are soft-archived, not failed.
	Archived int
	Failed   int
	Failures []Failure
}

// Engine executes sync runs against the catalog using the provider chain.
type Engine struct {
	repo  *catalog.Repository
	chain *provider.Chain
	cfg   config.SyncConfig
}

// New creates a sync engine.
func New(repo *catalog.Repository, chain *provider.Chain, cfg config.SyncConfig) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{repo: repo, chain: chain, cfg: cfg}
}

// Run executes one sync run and reports what happened. Per-candidate
// failures never abort the run; an error is returned only when no
// candidates could be sourced at all.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.run")
	defer span.End()

	start := time.Now()
	defer metrics.RecordSyncDuration(string(req.Mode), start)

	limit := e.clampLimit(req.Limit)
	log := logging.With("mode", string(req.Mode), "limit", limit)
	log.Info("sync run starting")

	result := Result{Mode: req.Mode}
	var err error
	if req.Mode == ModeRefreshStale {
		err = e.refreshStale(ctx, req, limit, &result)
	} else {
		err = e.seed(ctx, req, limit, &result)
	}
	if err != nil {
		return result, err
	}

	metrics.SyncCandidates.WithLabelValues(string(req.Mode), "new").Add(float64(result.New))
	metrics.SyncCandidates.WithLabelValues(string(req.Mode), "updated").Add(float64(result.Updated))
	metrics.SyncCandidates.WithLabelValues(string(req.Mode), "archived").Add(float64(result.Archived))
	metrics.SyncCandidates.WithLabelValues(string(req.Mode), "failed").Add(float64(result.Failed))
	log.Info("sync run finished",
		"attempted", result.Attempted, "new", result.New,
		"updated", result.Updated, "archived", result.Archived, "failed", result.Failed)
	return result, nil
}

// seed sources candidates from the chain's feed endpoints and upserts them.
func (e *Engine) seed(ctx context.Context, req Request, limit int, result *Result) error {
	var (
		cands []catalog.Candidate
		err   error
	)
	switch req.Mode {
	case ModeSeedPopular:
		cands, err = e.chain.FetchPopular(ctx, limit)
	case ModeSeedQuery, ModeSeedTag:
		if req.Query == "" {
			return fmt.Errorf("%s: query is required", req.Mode)
		}
		cands, err = e.chain.Search(ctx, req.Query, limit)
	case ModeDiscoverNew:
		lookback := req.Lookback
		if lookback <= 0 {
			lookback = e.cfg.Lookback
		}
		cands, err = e.chain.FetchRecent(ctx, time.Now().UTC().Add(-lookback), limit)
	default:
		return fmt.Errorf("unknown sync mode %q", req.Mode)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCandidates, err)
	}

	if req.Mode == ModeSeedTag {
		cands = filterByTag(cands, req.Query)
	}

	batch := req.BatchSize
	if batch <= 0 {
		// Size batches to the tightest provider budget so one batch never
		// overruns a provider's window.
		batch = e.chain.BatchHint()
	}
	if batch <= 0 {
		batch = len(cands)
	}
	for start := 0; start < len(cands); start += batch {
		end := start + batch
		if end > len(cands) {
			end = len(cands)
		}
		if err := e.processCandidates(ctx, cands[start:end], result); err != nil {
			return err
		}
	}
	return nil
}

// filterByTag keeps candidates carrying the tag as a genre or platform.
// Providers treat the tag as free text, so their answers need narrowing.
func filterByTag(cands []catalog.Candidate, tag string) []catalog.Candidate {
	want := catalog.Normalize(tag)
	kept := cands[:0]
	for _, cand := range cands {
		if hasTag(cand.Genres, want) || hasTag(cand.Platforms, want) {
			kept = append(kept, cand)
		}
	}
	return kept
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if catalog.Normalize(t) == want {
			return true
		}
	}
	return false
}

// refreshStale re-fetches entries not synced within the staleness window,
// oldest first, each from its own provider of record.
func (e *Engine) refreshStale(ctx context.Context, req Request, limit int, result *Result) error {
	staleAfter := req.StaleAfter
	if staleAfter <= 0 {
		staleAfter = e.cfg.StaleAfter
	}
	entries, err := e.repo.FindStale(ctx, staleAfter, limit)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCandidates, err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			mu.Lock()
			result.Attempted++
			mu.Unlock()

			_, created, err := e.refreshEntry(gctx, entry)
			if errors.Is(err, provider.ErrNotFound) {
				// The provider of record no longer reports the game;
				// preserve it as a soft-archived entry.
				if aerr := e.repo.Archive(gctx, entry.ID); aerr != nil {
					err = fmt.Errorf("archive vanished entry: %w", aerr)
				} else {
					logging.With("entry_id", entry.ID, "provider", entry.Provider).
						Info("entry no longer reported by provider, archived")
					mu.Lock()
					result.Archived++
					mu.Unlock()
					return nil
				}
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				extID, _ := entry.ExternalID(entry.Provider)
				result.Failures = append(result.Failures, Failure{
					Name: entry.Name, Provider: entry.Provider, ExternalID: extID, Err: err,
				})
			case created:
				result.New++
			default:
				result.Updated++
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) refreshEntry(ctx context.Context, entry catalog.Entry) (catalog.Entry, bool, error) {
	extID, ok := entry.ExternalID(entry.Provider)
	if !ok {
		return catalog.Entry{}, false, fmt.Errorf("entry %d has no %s id", entry.ID, entry.Provider)
	}
	cand, err := e.chain.FetchByID(ctx, entry.Provider, extID)
	if err != nil {
		return catalog.Entry{}, false, err
	}
	return e.repo.Upsert(ctx, *cand)
}

// processCandidates upserts sourced candidates through a bounded worker
// pool. Summary-only discovery results get a detail fetch first.
func (e *Engine) processCandidates(ctx context.Context, cands []catalog.Candidate, result *Result) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for _, cand := range cands {
		cand := cand
		g.Go(func() error {
			mu.Lock()
			result.Attempted++
			mu.Unlock()

			created, err := e.upsertCandidate(gctx, cand)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				result.Failures = append(result.Failures, Failure{
					Name: cand.Name, Provider: cand.Provider, ExternalID: cand.ExternalID, Err: err,
				})
			case created:
				result.New++
			default:
				result.Updated++
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) upsertCandidate(ctx context.Context, cand catalog.Candidate) (bool, error) {
	if cand.SummaryOnly {
		full, err := e.chain.FetchByID(ctx, cand.Provider, cand.ExternalID)
		if err != nil {
			return false, err
		}
		cand = *full
	}
	_, created, err := e.repo.Upsert(ctx, cand)
	return created, err
}

func (e *Engine) clampLimit(limit int) int {
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	if e.cfg.MaxLimit > 0 && limit > e.cfg.MaxLimit {
		limit = e.cfg.MaxLimit
	}
	return limit
}
