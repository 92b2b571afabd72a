package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jfellows/gamedex/internal/catalog"
	"github.com/jfellows/gamedex/internal/provider"
)

func TestHybridSearchLocalHitSkipsProviders(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	_, _, err := repo.Upsert(ctx, igdbCandidate(1, "Stardew Valley", 2016))
	require.NoError(t, err)

	igdb := &stubProvider{name: catalog.ProviderIGDB}
	cfg := testSyncConfig()
	engine := New(repo, provider.NewChain([]provider.Client{igdb}, []bool{true}), cfg)
	resolver := NewResolver(repo, engine, cfg)

	resp, err := resolver.Search(ctx, Query{
		Filters:  catalog.Filters{Query: "stardew"},
		Page:     catalog.Page{Number: 1, Size: 20},
		AutoSync: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Total)
	assert.False(t, resp.SourcedFromRemote)
	assert.False(t, resp.TimedOut)
	igdb.AssertNotCalled(t, "Search", mock.Anything, mock.Anything, mock.Anything)
}

func TestHybridSearchTopsUpFromProviders(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	igdb := &stubProvider{name: catalog.ProviderIGDB}
	cfg := testSyncConfig()
	igdb.On("Search", mock.Anything, "celeste", cfg.SearchLimit).Return([]catalog.Candidate{
		igdbCandidate(7, "Celeste", 2018),
	}, nil)

	engine := New(repo, provider.NewChain([]provider.Client{igdb}, []bool{true}), cfg)
	resolver := NewResolver(repo, engine, cfg)

	resp, err := resolver.Search(ctx, Query{
		Filters:  catalog.Filters{Query: "celeste"},
		Page:     catalog.Page{Number: 1, Size: 20},
		AutoSync: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, 1, resp.SyncedCount)
	assert.True(t, resp.SourcedFromRemote)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "Celeste", resp.Entries[0].Name)
}

func TestHybridSearchAutoSyncDisabledNeverCallsProviders(t *testing.T) {
	repo := newTestRepo(t)
	igdb := &stubProvider{name: catalog.ProviderIGDB}
	cfg := testSyncConfig()
	engine := New(repo, provider.NewChain([]provider.Client{igdb}, []bool{true}), cfg)
	resolver := NewResolver(repo, engine, cfg)

	resp, err := resolver.Search(context.Background(), Query{
		Filters:  catalog.Filters{Query: "anything"},
		Page:     catalog.Page{Number: 1, Size: 20},
		AutoSync: false,
	})
	require.NoError(t, err)
	assert.Zero(t, resp.Total)
	assert.False(t, resp.SourcedFromRemote)
	igdb.AssertNotCalled(t, "Search", mock.Anything, mock.Anything, mock.Anything)
}

func TestHybridSearchProviderFailureDegradesToLocal(t *testing.T) {
	repo := newTestRepo(t)
	igdb := &stubProvider{name: catalog.ProviderIGDB}
	cfg := testSyncConfig()
	igdb.On("Search", mock.Anything, "ghost", cfg.SearchLimit).
		Return(nil, &provider.Error{Provider: "igdb", Op: "search", Err: provider.ErrUnavailable})

	engine := New(repo, provider.NewChain([]provider.Client{igdb}, []bool{true}), cfg)
	resolver := NewResolver(repo, engine, cfg)

	resp, err := resolver.Search(context.Background(), Query{
		Filters:  catalog.Filters{Query: "ghost"},
		Page:     catalog.Page{Number: 1, Size: 20},
		AutoSync: true,
	})
	require.NoError(t, err, "remote failure must degrade, not error")
	assert.Zero(t, resp.Total)
	assert.False(t, resp.SourcedFromRemote)
}

func TestHybridSearchTimeoutKeepsPartialResults(t *testing.T) {
	repo := newTestRepo(t)
	igdb := &stubProvider{name: catalog.ProviderIGDB}
	cfg := testSyncConfig()
	cfg.SearchTimeout = 30 * time.Millisecond
	cfg.Workers = 1

	// The provider answers, then the detail-free upserts land; a slow
	// second page is simulated by the provider stalling past the deadline.
	igdb.On("Search", mock.Anything, "slow", cfg.SearchLimit).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			<-ctx.Done()
		}).
		Return(nil, context.DeadlineExceeded)

	engine := New(repo, provider.NewChain([]provider.Client{igdb}, []bool{true}), cfg)
	resolver := NewResolver(repo, engine, cfg)

	resp, err := resolver.Search(context.Background(), Query{
		Filters:  catalog.Filters{Query: "slow"},
		Page:     catalog.Page{Number: 1, Size: 20},
		AutoSync: true,
	})
	require.NoError(t, err, "a timed-out top-up degrades to local results")
	assert.True(t, resp.TimedOut)
	assert.Zero(t, resp.Total)
}

func TestHybridSearchTimeoutReportsLocalOnlyDespitePartialCommits(t *testing.T) {
	repo := newTestRepo(t)
	igdb := &stubProvider{name: catalog.ProviderIGDB}
	cfg := testSyncConfig()
	cfg.SearchTimeout = 50 * time.Millisecond
	cfg.Workers = 1

	fast := catalog.Candidate{Provider: catalog.ProviderIGDB, ExternalID: 21, Name: "Metroid Prime", SummaryOnly: true}
	slow := catalog.Candidate{Provider: catalog.ProviderIGDB, ExternalID: 22, Name: "Metroid Fusion", SummaryOnly: true}
	detail := igdbCandidate(21, "Metroid Prime", 2002)

	igdb.On("Search", mock.Anything, "metroid", cfg.SearchLimit).
		Return([]catalog.Candidate{fast, slow}, nil)
	igdb.On("FetchByID", mock.Anything, int64(21)).Return(&detail, nil)
	// The second detail fetch stalls past the deadline; the first commit
	// has already landed by then.
	igdb.On("FetchByID", mock.Anything, int64(22)).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			<-ctx.Done()
		}).
		Return(nil, context.DeadlineExceeded)

	engine := New(repo, provider.NewChain([]provider.Client{igdb}, []bool{true}), cfg)
	resolver := NewResolver(repo, engine, cfg)

	resp, err := resolver.Search(context.Background(), Query{
		Filters:  catalog.Filters{Query: "metroid"},
		Page:     catalog.Page{Number: 1, Size: 20},
		AutoSync: true,
	})
	require.NoError(t, err)
	assert.True(t, resp.TimedOut)
	assert.False(t, resp.SourcedFromRemote, "a timed-out top-up is reported as local-only")
	assert.Equal(t, 1, resp.SyncedCount)
	assert.Equal(t, 1, resp.Total, "entries committed before the deadline are kept")
}
