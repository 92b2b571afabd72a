package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jfellows/gamedex/internal/catalog"
	"github.com/jfellows/gamedex/internal/config"
	"github.com/jfellows/gamedex/internal/db"
	"github.com/jfellows/gamedex/internal/provider"
)

type stubProvider struct {
	mock.Mock
	name string
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Search(ctx context.Context, query string, limit int) ([]catalog.Candidate, error) {
	args := s.Called(ctx, query, limit)
	cands, _ := args.Get(0).([]catalog.Candidate)
	return cands, args.Error(1)
}

func (s *stubProvider) FetchByID(ctx context.Context, externalID int64) (*catalog.Candidate, error) {
	args := s.Called(ctx, externalID)
	cand, _ := args.Get(0).(*catalog.Candidate)
	return cand, args.Error(1)
}

func (s *stubProvider) FetchRecent(ctx context.Context, since time.Time, limit int) ([]catalog.Candidate, error) {
	args := s.Called(ctx, since, limit)
	cands, _ := args.Get(0).([]catalog.Candidate)
	return cands, args.Error(1)
}

func (s *stubProvider) FetchPopular(ctx context.Context, limit int) ([]catalog.Candidate, error) {
	args := s.Called(ctx, limit)
	cands, _ := args.Get(0).([]catalog.Candidate)
	return cands, args.Error(1)
}

func newTestRepo(t *testing.T) *catalog.Repository {
	repo, _ := newTestRepoDB(t)
	return repo
}

func newTestRepoDB(t *testing.T) (*catalog.Repository, *db.DB) {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return catalog.NewRepository(database), database
}

// backdateEntry rewinds an entry's last sync time so it reads as stale.
func backdateEntry(database *db.DB, id int64, age time.Duration) error {
	when := time.Now().UTC().Add(-age).Format(time.RFC3339)
	_, err := database.Conn().Exec("UPDATE catalog_entries SET last_synced_at = ? WHERE id = ?", when, id)
	return err
}

func testSyncConfig() config.SyncConfig {
	cfg := config.DefaultConfig().Sync
	cfg.Workers = 2
	return cfg
}

func igdbCandidate(id int64, name string, year int) catalog.Candidate {
	d := time.Date(year, 6, 1, 0, 0, 0, 0, time.UTC)
	return catalog.Candidate{
		Provider:    catalog.ProviderIGDB,
		ExternalID:  id,
		Name:        name,
		Summary:     name + " summary",
		ReleaseDate: &d,
		Rating:      80,
		RatingCount: 100,
	}
}

func TestRunSeedPopular(t *testing.T) {
	repo := newTestRepo(t)
	igdb := &stubProvider{name: catalog.ProviderIGDB}
	igdb.On("FetchPopular", mock.Anything, 3).Return([]catalog.Candidate{
		igdbCandidate(1, "Hades", 2020),
		igdbCandidate(2, "Celeste", 2018),
		igdbCandidate(3, "Hollow Knight", 2017),
	}, nil)

	engine := New(repo, provider.NewChain([]provider.Client{igdb}, []bool{true}), testSyncConfig())
	result, err := engine.Run(context.Background(), Request{Mode: ModeSeedPopular, Limit: 3})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 3, result.New)
	assert.Zero(t, result.Failed)

	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRunSeedQuerySecondRunUpdates(t *testing.T) {
	repo := newTestRepo(t)
	igdb := &stubProvider{name: catalog.ProviderIGDB}
	igdb.On("Search", mock.Anything, "hades", 2).Return([]catalog.Candidate{
		igdbCandidate(1, "Hades", 2020),
		igdbCandidate(2, "Hades II", 2024),
	}, nil)

	engine := New(repo, provider.NewChain([]provider.Client{igdb}, []bool{true}), testSyncConfig())

	first, err := engine.Run(context.Background(), Request{Mode: ModeSeedQuery, Query: "hades", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, first.New)

	second, err := engine.Run(context.Background(), Request{Mode: ModeSeedQuery, Query: "hades", Limit: 2})
	require.NoError(t, err)
	assert.Zero(t, second.New)
	assert.Equal(t, 2, second.Updated)

	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRunSeedQueryRequiresQuery(t *testing.T) {
	engine := New(newTestRepo(t), provider.NewChain(nil, nil), testSyncConfig())
	_, err := engine.Run(context.Background(), Request{Mode: ModeSeedQuery})
	require.Error(t, err)
}

func TestRunSummaryOnlyCandidatesGetDetailFetch(t *testing.T) {
	repo := newTestRepo(t)
	rawg := &stubProvider{name: catalog.ProviderRAWG}

	listed := catalog.Candidate{
		Provider:    catalog.ProviderRAWG,
		ExternalID:  42,
		Name:        "Outer Wilds",
		SummaryOnly: true,
	}
	full := igdbCandidate(42, "Outer Wilds", 2019)
	full.Provider = catalog.ProviderRAWG

	rawg.On("Search", mock.Anything, "outer wilds", 1).Return([]catalog.Candidate{listed}, nil)
	rawg.On("FetchByID", mock.Anything, int64(42)).Return(&full, nil)

	engine := New(repo, provider.NewChain([]provider.Client{rawg}, []bool{false}), testSyncConfig())
	result, err := engine.Run(context.Background(), Request{Mode: ModeSeedQuery, Query: "outer wilds", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.New)
	rawg.AssertExpectations(t)

	entry, err := repo.GetByExternalID(context.Background(), catalog.ProviderRAWG, 42)
	require.NoError(t, err)
	assert.Equal(t, "Outer Wilds summary", entry.Summary)
}

func TestRunSeedTagFiltersOffTagResults(t *testing.T) {
	repo := newTestRepo(t)
	igdb := &stubProvider{name: catalog.ProviderIGDB}

	tagged := igdbCandidate(1, "Into the Breach", 2018)
	tagged.Genres = []string{"Strategy", "Turn Based Strategy"}
	offTag := igdbCandidate(2, "Strategy Guide Simulator", 2020)
	offTag.Genres = []string{"Simulator"}

	igdb.On("Search", mock.Anything, "strategy", 10).
		Return([]catalog.Candidate{tagged, offTag}, nil)

	engine := New(repo, provider.NewChain([]provider.Client{igdb}, []bool{true}), testSyncConfig())
	result, err := engine.Run(context.Background(), Request{Mode: ModeSeedTag, Query: "strategy", Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Attempted, "candidates without the tag are dropped, not synced")
	assert.Equal(t, 1, result.New)

	_, err = repo.GetByExternalID(context.Background(), catalog.ProviderIGDB, 2)
	assert.Error(t, err)
}

func TestRunPartialFailureReported(t *testing.T) {
	repo := newTestRepo(t)
	igdb := &stubProvider{name: catalog.ProviderIGDB}

	bad := igdbCandidate(2, "", 2020) // empty name fails candidate validation
	igdb.On("Search", mock.Anything, "mix", 2).Return([]catalog.Candidate{
		igdbCandidate(1, "Good Game", 2020),
		bad,
	}, nil)

	engine := New(repo, provider.NewChain([]provider.Client{igdb}, []bool{true}), testSyncConfig())
	result, err := engine.Run(context.Background(), Request{Mode: ModeSeedQuery, Query: "mix", Limit: 2})
	require.NoError(t, err, "per-candidate failures must not abort the run")

	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 1, result.New)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, int64(2), result.Failures[0].ExternalID)
}

func TestRunNoCandidatesSourced(t *testing.T) {
	igdb := &stubProvider{name: catalog.ProviderIGDB}
	igdb.On("FetchPopular", mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Provider: "igdb", Op: "fetch popular", Err: provider.ErrUnavailable})

	engine := New(newTestRepo(t), provider.NewChain([]provider.Client{igdb}, []bool{true}), testSyncConfig())
	_, err := engine.Run(context.Background(), Request{Mode: ModeSeedPopular, Limit: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestRunRefreshStale(t *testing.T) {
	repo, database := newTestRepoDB(t)
	ctx := context.Background()

	stale := igdbCandidate(10, "Old Game", 2001)
	_, _, err := repo.Upsert(ctx, stale)
	require.NoError(t, err)
	entry, err := repo.GetByExternalID(ctx, catalog.ProviderIGDB, 10)
	require.NoError(t, err)
	require.NoError(t, backdateEntry(database, entry.ID, 60*24*time.Hour))

	fresh := igdbCandidate(10, "Old Game", 2001)
	fresh.Rating = 91

	igdb := &stubProvider{name: catalog.ProviderIGDB}
	igdb.On("FetchByID", mock.Anything, int64(10)).Return(&fresh, nil)

	engine := New(repo, provider.NewChain([]provider.Client{igdb}, []bool{true}), testSyncConfig())
	result, err := engine.Run(ctx, Request{Mode: ModeRefreshStale, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 1, result.Updated)

	refreshed, err := repo.GetByExternalID(ctx, catalog.ProviderIGDB, 10)
	require.NoError(t, err)
	assert.InDelta(t, 91, refreshed.Rating, 0.01)
	assert.WithinDuration(t, time.Now().UTC(), refreshed.LastSyncedAt, 5*time.Second)
}

func TestRunRefreshStaleArchivesVanishedEntry(t *testing.T) {
	repo, database := newTestRepoDB(t)
	ctx := context.Background()

	gone := igdbCandidate(11, "Delisted Game", 2003)
	_, _, err := repo.Upsert(ctx, gone)
	require.NoError(t, err)
	entry, err := repo.GetByExternalID(ctx, catalog.ProviderIGDB, 11)
	require.NoError(t, err)
	require.NoError(t, backdateEntry(database, entry.ID, 60*24*time.Hour))

	igdb := &stubProvider{name: catalog.ProviderIGDB}
	igdb.On("FetchByID", mock.Anything, int64(11)).
		Return(nil, &provider.Error{Provider: "igdb", Op: "fetch by id", Err: provider.ErrNotFound})

	engine := New(repo, provider.NewChain([]provider.Client{igdb}, []bool{true}), testSyncConfig())
	result, err := engine.Run(ctx, Request{Mode: ModeRefreshStale, Limit: 10})
	require.NoError(t, err)

	// A vanished game is preserved as archived, not reported as a failure.
	assert.Equal(t, 1, result.Archived)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Updated)

	archived, err := repo.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, archived.Archived)
}

// budgetedStub pairs the provider mock with a real rate budget so the
// engine derives its default batch size from it.
type budgetedStub struct {
	*stubProvider
	budget *provider.Budget
}

func (b *budgetedStub) Budget() *provider.Budget { return b.budget }

func TestRunBatchDefaultsToProviderBudget(t *testing.T) {
	repo := newTestRepo(t)
	igdb := &budgetedStub{
		stubProvider: &stubProvider{name: catalog.ProviderIGDB},
		budget:       provider.NewBudget(catalog.ProviderIGDB, 2, time.Minute, 0),
	}
	igdb.On("FetchPopular", mock.Anything, 5).Return([]catalog.Candidate{
		igdbCandidate(1, "A Short Hike", 2019),
		igdbCandidate(2, "Tunic", 2022),
		igdbCandidate(3, "Dredge", 2023),
		igdbCandidate(4, "Sable", 2021),
		igdbCandidate(5, "Chicory", 2021),
	}, nil)

	chain := provider.NewChain([]provider.Client{igdb}, []bool{true})
	require.Equal(t, 2, chain.BatchHint())

	engine := New(repo, chain, testSyncConfig())
	result, err := engine.Run(context.Background(), Request{Mode: ModeSeedPopular, Limit: 5})
	require.NoError(t, err)

	// Budget-sized batches still process every candidate.
	assert.Equal(t, 5, result.Attempted)
	assert.Equal(t, 5, result.New)
}

func TestRunLimitClamped(t *testing.T) {
	repo := newTestRepo(t)
	cfg := testSyncConfig()
	cfg.MaxLimit = 10

	igdb := &stubProvider{name: catalog.ProviderIGDB}
	// The provider must see the clamped limit, not the requested one.
	igdb.On("FetchPopular", mock.Anything, 10).Return([]catalog.Candidate{
		igdbCandidate(1, "Solo", 2020),
	}, nil)

	engine := New(repo, provider.NewChain([]provider.Client{igdb}, []bool{true}), cfg)
	_, err := engine.Run(context.Background(), Request{Mode: ModeSeedPopular, Limit: 9999})
	require.NoError(t, err)
	igdb.AssertExpectations(t)
}
