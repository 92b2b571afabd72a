package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRAWG(t *testing.T, handler http.HandlerFunc) *RAWGClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewRAWGClient("test-key", NewBudget("rawg", 100, time.Second, time.Second))
	require.NoError(t, err)
	client.baseURL = srv.URL
	return client
}

func TestRAWGSearchScalesRatingAndMarksSummaryOnly(t *testing.T) {
	client := newTestRAWG(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/games", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		assert.Equal(t, "celeste", r.URL.Query().Get("search"))
		_, _ = w.Write([]byte(`{"results":[{
			"id": 50738,
			"name": "Celeste",
			"released": "2018-01-25",
			"rating": 4.4,
			"ratings_count": 2500,
			"background_image": "https://media.rawg.io/celeste.jpg",
			"genres": [{"name": "Platformer"}],
			"platforms": [{"platform": {"name": "Nintendo Switch"}}]
		}]}`))
	})

	cands, err := client.Search(context.Background(), "celeste", 5)
	require.NoError(t, err)
	require.Len(t, cands, 1)

	c := cands[0]
	assert.Equal(t, int64(50738), c.ExternalID)
	assert.InDelta(t, 88.0, c.Rating, 0.001, "0-5 rating rescales to 0-100")
	assert.True(t, c.SummaryOnly, "list results carry no description")
	assert.Equal(t, []string{"Platformer"}, c.Genres)
	assert.Equal(t, []string{"Nintendo Switch"}, c.Platforms)
	require.NotNil(t, c.ReleaseDate)
	assert.Equal(t, 2018, c.ReleaseDate.Year())
}

func TestRAWGFetchByIDCarriesDescription(t *testing.T) {
	client := newTestRAWG(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/games/50738", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": 50738,
			"name": "Celeste",
			"description_raw": "Climb the mountain.",
			"rating": 4.4
		}`))
	})

	cand, err := client.FetchByID(context.Background(), 50738)
	require.NoError(t, err)
	assert.Equal(t, "Climb the mountain.", cand.Summary)
	assert.False(t, cand.SummaryOnly)
}

func TestRAWGNotFound(t *testing.T) {
	client := newTestRAWG(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.FetchByID(context.Background(), 999999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRAWGThrottledUpstream(t *testing.T) {
	client := newTestRAWG(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Search(context.Background(), "anything", 5)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRAWGServerErrorIsUnavailable(t *testing.T) {
	client := newTestRAWG(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Search(context.Background(), "anything", 5)
	assert.ErrorIs(t, err, ErrUnavailable)
}
