package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Henry-Sarabia/igdb/v2"

	"github.com/jfellows/gamedex/internal/catalog"
	"github.com/jfellows/gamedex/internal/logging"
	"github.com/jfellows/gamedex/internal/metrics"
)

const (
	twitchTokenURL = "https://id.twitch.tv/oauth2/token"
	// Refresh the app token this long before Twitch expires it.
	tokenRefreshSlack = 5 * time.Minute
)

var igdbGameFields = []string{
	"id", "name", "summary", "first_release_date",
	"total_rating", "total_rating_count", "cover", "genres", "platforms",
}

// IGDBClient is the primary metadata provider, backed by the IGDB v4 API.
// Authentication uses Twitch client-credentials tokens; refresh is
// transparent, proactive near expiry and retried once on a 401-class
// failure before surfacing an error.
type IGDBClient struct {
	clientID     string
	clientSecret string
	budget       *Budget
	httpClient   *http.Client

	mu          sync.Mutex
	api         *igdb.Client
	tokenExpiry time.Time

	// Genre and platform ids resolve to names once and are cached for the
	// process lifetime; both vocabularies are small and effectively static.
	tagMu     sync.Mutex
	genres    map[int]string
	platforms map[int]string
}

// NewIGDBClient creates an IGDB provider client. Credentials are validated
// lazily on first use so construction never blocks on the network.
func NewIGDBClient(clientID, clientSecret string, budget *Budget) (*IGDBClient, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("IGDB client id and secret are required")
	}
	return &IGDBClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		budget:       budget,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *IGDBClient) Name() string {
	return catalog.ProviderIGDB
}

// Budget exposes the client's shared rate budget.
func (c *IGDBClient) Budget() *Budget {
	return c.budget
}

// Search finds games matching a free-text query.
func (c *IGDBClient) Search(ctx context.Context, query string, limit int) ([]catalog.Candidate, error) {
	games, err := c.callGames(ctx, "search", func(api *igdb.Client) ([]*igdb.Game, error) {
		return api.Games.Search(query,
			igdb.SetFields(igdbGameFields...),
			igdb.SetLimit(limit),
		)
	})
	if err != nil {
		return nil, err
	}
	return c.convertAll(ctx, games), nil
}

// FetchByID fetches one game by IGDB id.
func (c *IGDBClient) FetchByID(ctx context.Context, externalID int64) (*catalog.Candidate, error) {
	games, err := c.callGames(ctx, "fetch by id", func(api *igdb.Client) ([]*igdb.Game, error) {
		g, err := api.Games.Get(int(externalID), igdb.SetFields(igdbGameFields...))
		if err != nil {
			return nil, err
		}
		return []*igdb.Game{g}, nil
	})
	if err != nil {
		return nil, err
	}
	if len(games) == 0 {
		return nil, wrapErr(c.Name(), "fetch by id", ErrNotFound)
	}
	cands := c.convertAll(ctx, games)
	return &cands[0], nil
}

// FetchRecent returns games released since the given date, newest first.
func (c *IGDBClient) FetchRecent(ctx context.Context, since time.Time, limit int) ([]catalog.Candidate, error) {
	cutoff := strconv.FormatInt(since.Unix(), 10)
	games, err := c.callGames(ctx, "fetch recent", func(api *igdb.Client) ([]*igdb.Game, error) {
		return api.Games.Index(
			igdb.SetFields(igdbGameFields...),
			igdb.SetFilter("first_release_date", igdb.OpGreaterThanEqual, cutoff),
			igdb.SetOrder("first_release_date", igdb.OrderDescending),
			igdb.SetLimit(limit),
		)
	})
	if err != nil {
		return nil, err
	}
	return c.convertAll(ctx, games), nil
}

// FetchPopular returns well-rated games ordered by rating volume.
func (c *IGDBClient) FetchPopular(ctx context.Context, limit int) ([]catalog.Candidate, error) {
	games, err := c.callGames(ctx, "fetch popular", func(api *igdb.Client) ([]*igdb.Game, error) {
		return api.Games.Index(
			igdb.SetFields(igdbGameFields...),
			igdb.SetFilter("total_rating_count", igdb.OpGreaterThan, "100"),
			igdb.SetOrder("total_rating_count", igdb.OrderDescending),
			igdb.SetLimit(limit),
		)
	})
	if err != nil {
		return nil, err
	}
	return c.convertAll(ctx, games), nil
}

// callGames acquires budget, runs one IGDB games call, and retries once
// with a fresh token on an auth failure.
func (c *IGDBClient) callGames(ctx context.Context, op string, fn func(*igdb.Client) ([]*igdb.Game, error)) ([]*igdb.Game, error) {
	if err := c.budget.Acquire(ctx); err != nil {
		metrics.ProviderRequests.WithLabelValues(c.Name(), "rate_limited").Inc()
		return nil, wrapErr(c.Name(), op, err)
	}

	api, err := c.ensureAPI(ctx, false)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(c.Name(), "unavailable").Inc()
		return nil, wrapErr(c.Name(), op, err)
	}

	games, err := fn(api)
	if err != nil && isAuthError(err) {
		logging.Debug("igdb token rejected, refreshing", "op", op)
		api, err = c.ensureAPI(ctx, true)
		if err == nil {
			games, err = fn(api)
		}
	}

	switch {
	case err == nil:
		metrics.ProviderRequests.WithLabelValues(c.Name(), "ok").Inc()
		return games, nil
	case isEmptyResult(err):
		metrics.ProviderRequests.WithLabelValues(c.Name(), "empty").Inc()
		return nil, nil
	case isRateLimitError(err):
		metrics.ProviderRequests.WithLabelValues(c.Name(), "rate_limited").Inc()
		return nil, wrapErr(c.Name(), op, fmt.Errorf("%w: %v", ErrRateLimited, err))
	default:
		metrics.ProviderRequests.WithLabelValues(c.Name(), "unavailable").Inc()
		return nil, wrapErr(c.Name(), op, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
}

// ensureAPI returns an API handle with a valid token, exchanging
// credentials when the token is missing, near expiry, or force-refreshed.
func (c *IGDBClient) ensureAPI(ctx context.Context, force bool) (*igdb.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.api != nil && time.Now().Before(c.tokenExpiry.Add(-tokenRefreshSlack)) {
		return c.api, nil
	}

	token, expiresIn, err := c.fetchTwitchToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: twitch auth: %v", ErrUnavailable, err)
	}

	c.api = igdb.NewClient(c.clientID, token, c.httpClient)
	c.tokenExpiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	logging.Debug("igdb access token refreshed", "expires_in", expiresIn)
	return c.api, nil
}

// fetchTwitchToken exchanges client credentials for an app access token.
func (c *IGDBClient) fetchTwitchToken(ctx context.Context) (string, int, error) {
	vals := url.Values{}
	vals.Set("client_id", c.clientID)
	vals.Set("client_secret", c.clientSecret)
	vals.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, twitchTokenURL,
		strings.NewReader(vals.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, err
	}
	if result.ExpiresIn == 0 {
		result.ExpiresIn = 3600
	}
	return result.AccessToken, result.ExpiresIn, nil
}

// convertAll maps IGDB games onto candidates, resolving genre and platform
// ids through the cached vocabularies and cover ids through one batched
// covers call per response.
func (c *IGDBClient) convertAll(ctx context.Context, games []*igdb.Game) []catalog.Candidate {
	if len(games) == 0 {
		return nil
	}
	covers := c.resolveCovers(ctx, games)
	cands := make([]catalog.Candidate, 0, len(games))
	for _, g := range games {
		if g == nil || g.ID == 0 {
			continue
		}
		cand := c.convert(ctx, g)
		cand.CoverURL = covers[g.Cover]
		cands = append(cands, cand)
	}
	return cands
}

// resolveCovers fetches all cover records for a batch of games in one call
// and upscales the thumbnail URLs the API returns. Failures degrade to
// entries without cover art.
func (c *IGDBClient) resolveCovers(ctx context.Context, games []*igdb.Game) map[int]string {
	var ids []int
	for _, g := range games {
		if g != nil && g.Cover != 0 {
			ids = append(ids, g.Cover)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	urls := make(map[int]string, len(ids))
	if err := c.budget.Acquire(ctx); err != nil {
		return nil
	}
	api, err := c.ensureAPI(ctx, false)
	if err != nil {
		return nil
	}
	covers, err := api.Covers.List(ids, igdb.SetFields("id", "url"), igdb.SetLimit(len(ids)))
	if err != nil {
		logging.Warn("igdb cover lookup failed", "count", len(ids), "error", err)
		return nil
	}
	for _, cov := range covers {
		if cov == nil || cov.URL == "" {
			continue
		}
		u := cov.URL
		if strings.HasPrefix(u, "//") {
			u = "https:" + u
		}
		urls[cov.ID] = strings.Replace(u, "t_thumb", "t_cover_big", 1)
	}
	return urls
}

func (c *IGDBClient) convert(ctx context.Context, g *igdb.Game) catalog.Candidate {
	cand := catalog.Candidate{
		Provider:    catalog.ProviderIGDB,
		ExternalID:  int64(g.ID),
		Name:        g.Name,
		Summary:     g.Summary,
		Rating:      g.TotalRating,
		RatingCount: int64(g.TotalRatingCount),
		Genres:      c.resolveGenres(ctx, g.Genres),
		Platforms:   c.resolvePlatforms(ctx, g.Platforms),
	}

	if g.FirstReleaseDate != 0 {
		t := time.Unix(int64(g.FirstReleaseDate), 0).UTC()
		cand.ReleaseDate = &t
	}
	return cand
}

// resolveGenres maps genre ids to names, loading the full (small, static)
// genre vocabulary on first use. Lookup failures degrade to no tags.
func (c *IGDBClient) resolveGenres(ctx context.Context, ids []int) []string {
	if len(ids) == 0 {
		return nil
	}
	c.tagMu.Lock()
	defer c.tagMu.Unlock()

	if c.genres == nil {
		c.genres = map[int]string{}
		if err := c.budget.Acquire(ctx); err == nil {
			if api, err := c.ensureAPI(ctx, false); err == nil {
				if all, err := api.Genres.Index(igdb.SetFields("id", "name"), igdb.SetLimit(500)); err == nil {
					for _, g := range all {
						c.genres[g.ID] = g.Name
					}
				} else {
					logging.Warn("igdb genre vocabulary load failed", "error", err)
				}
			}
		}
	}
	return lookupTags(c.genres, ids)
}

// resolvePlatforms is the platform analogue of resolveGenres.
func (c *IGDBClient) resolvePlatforms(ctx context.Context, ids []int) []string {
	if len(ids) == 0 {
		return nil
	}
	c.tagMu.Lock()
	defer c.tagMu.Unlock()

	if c.platforms == nil {
		c.platforms = map[int]string{}
		if err := c.budget.Acquire(ctx); err == nil {
			if api, err := c.ensureAPI(ctx, false); err == nil {
				if all, err := api.Platforms.Index(igdb.SetFields("id", "name"), igdb.SetLimit(500)); err == nil {
					for _, p := range all {
						c.platforms[p.ID] = p.Name
					}
				} else {
					logging.Warn("igdb platform vocabulary load failed", "error", err)
				}
			}
		}
	}
	return lookupTags(c.platforms, ids)
}

func lookupTags(vocab map[int]string, ids []int) []string {
	var tags []string
	for _, id := range ids {
		if name, ok := vocab[id]; ok {
			tags = append(tags, name)
		}
	}
	return tags
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized")
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}

// isEmptyResult detects the library's no-results error, which the chain
// treats as a well-formed empty response rather than a failure.
func isEmptyResult(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no results") || strings.Contains(msg, "results are empty")
}
