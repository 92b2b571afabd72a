package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jfellows/gamedex/internal/catalog"
	"github.com/jfellows/gamedex/internal/metrics"
)

const rawgBaseURL = "https://api.rawg.io/api"

// RAWGClient is the fallback metadata provider. RAWG rates games 0-5, so
// ratings are rescaled to the catalog's 0-100 range on conversion. List
// endpoints omit descriptions, so list results are marked summary-only and
// callers needing full detail follow up with FetchByID.
type RAWGClient struct {
	apiKey     string
	budget     *Budget
	baseURL    string
	httpClient *http.Client
}

// NewRAWGClient creates a RAWG provider client.
func NewRAWGClient(apiKey string, budget *Budget) (*RAWGClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("RAWG API key is required")
	}
	return &RAWGClient{
		apiKey:     apiKey,
		budget:     budget,
		baseURL:    rawgBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *RAWGClient) Name() string {
	return catalog.ProviderRAWG
}

// Budget exposes the client's shared rate budget.
func (c *RAWGClient) Budget() *Budget {
	return c.budget
}

type rawgNamed struct {
	Name string `json:"name"`
}

type rawgPlatformWrap struct {
	Platform rawgNamed `json:"platform"`
}

type rawgGame struct {
	ID           int64              `json:"id"`
	Name         string             `json:"name"`
	Slug         string             `json:"slug"`
	Description  string             `json:"description_raw"`
	Released     string             `json:"released"`
	Rating       float64            `json:"rating"`
	RatingsCount int64              `json:"ratings_count"`
	ImageURL     string             `json:"background_image"`
	Genres       []rawgNamed        `json:"genres"`
	Platforms    []rawgPlatformWrap `json:"platforms"`
}

type rawgPage struct {
	Results []rawgGame `json:"results"`
}

// Search finds games matching a free-text query.
func (c *RAWGClient) Search(ctx context.Context, query string, limit int) ([]catalog.Candidate, error) {
	params := url.Values{}
	params.Set("search", query)
	params.Set("page_size", strconv.Itoa(limit))

	var page rawgPage
	if err := c.get(ctx, "search", "/games", params, &page); err != nil {
		return nil, err
	}
	return convertRAWGList(page.Results), nil
}

// FetchByID fetches one game, including its full description.
func (c *RAWGClient) FetchByID(ctx context.Context, externalID int64) (*catalog.Candidate, error) {
	var g rawgGame
	if err := c.get(ctx, "fetch by id", "/games/"+strconv.FormatInt(externalID, 10), nil, &g); err != nil {
		return nil, err
	}
	cand := convertRAWG(g, false)
	return &cand, nil
}

// FetchRecent returns games released since the given date, newest first.
func (c *RAWGClient) FetchRecent(ctx context.Context, since time.Time, limit int) ([]catalog.Candidate, error) {
	params := url.Values{}
	params.Set("dates", since.UTC().Format("2006-01-02")+","+time.Now().UTC().Format("2006-01-02"))
	params.Set("ordering", "-released")
	params.Set("page_size", strconv.Itoa(limit))

	var page rawgPage
	if err := c.get(ctx, "fetch recent", "/games", params, &page); err != nil {
		return nil, err
	}
	return convertRAWGList(page.Results), nil
}

// FetchPopular returns games ordered by community rating volume.
func (c *RAWGClient) FetchPopular(ctx context.Context, limit int) ([]catalog.Candidate, error) {
	params := url.Values{}
	params.Set("ordering", "-added")
	params.Set("page_size", strconv.Itoa(limit))

	var page rawgPage
	if err := c.get(ctx, "fetch popular", "/games", params, &page); err != nil {
		return nil, err
	}
	return convertRAWGList(page.Results), nil
}

// get acquires budget, issues one GET and decodes the JSON body into out.
func (c *RAWGClient) get(ctx context.Context, op, path string, params url.Values, out any) error {
	if err := c.budget.Acquire(ctx); err != nil {
		metrics.ProviderRequests.WithLabelValues(c.Name(), "rate_limited").Inc()
		return wrapErr(c.Name(), op, err)
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return wrapErr(c.Name(), op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(c.Name(), "unavailable").Inc()
		return wrapErr(c.Name(), op, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.ProviderRequests.WithLabelValues(c.Name(), "empty").Inc()
		return wrapErr(c.Name(), op, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.ProviderRequests.WithLabelValues(c.Name(), "rate_limited").Inc()
		return wrapErr(c.Name(), op, ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		metrics.ProviderRequests.WithLabelValues(c.Name(), "unavailable").Inc()
		return wrapErr(c.Name(), op, fmt.Errorf("%w: unexpected status %s", ErrUnavailable, resp.Status))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.ProviderRequests.WithLabelValues(c.Name(), "unavailable").Inc()
		return wrapErr(c.Name(), op, fmt.Errorf("%w: decode: %v", ErrUnavailable, err))
	}
	metrics.ProviderRequests.WithLabelValues(c.Name(), "ok").Inc()
	return nil
}

func convertRAWGList(games []rawgGame) []catalog.Candidate {
	if len(games) == 0 {
		return nil
	}
	cands := make([]catalog.Candidate, 0, len(games))
	for _, g := range games {
		if g.ID == 0 {
			continue
		}
		cands = append(cands, convertRAWG(g, true))
	}
	return cands
}

func convertRAWG(g rawgGame, summaryOnly bool) catalog.Candidate {
	cand := catalog.Candidate{
		Provider:    catalog.ProviderRAWG,
		ExternalID:  g.ID,
		Name:        g.Name,
		Summary:     g.Description,
		Rating:      g.Rating * 20, // RAWG rates 0-5; catalog stores 0-100
		RatingCount: g.RatingsCount,
		CoverURL:    g.ImageURL,
		SummaryOnly: summaryOnly,
	}

	if g.Released != "" {
		if t, err := time.ParseInLocation("2006-01-02", g.Released, time.UTC); err == nil {
			cand.ReleaseDate = &t
		}
	}
	for _, genre := range g.Genres {
		if genre.Name != "" {
			cand.Genres = append(cand.Genres, genre.Name)
		}
	}
	for _, p := range g.Platforms {
		if p.Platform.Name != "" {
			cand.Platforms = append(cand.Platforms, p.Platform.Name)
		}
	}
	return cand
}
