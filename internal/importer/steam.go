package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const steamBaseURL = "https://api.steampowered.com"

// SteamLibrary fetches owned games through the Steam Web API. The linked
// account's ID is the 64-bit SteamID.
type SteamLibrary struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewSteamLibrary creates a Steam library client.
func NewSteamLibrary(apiKey string) (*SteamLibrary, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("steam API key is required")
	}
	return &SteamLibrary{
		apiKey:     apiKey,
		baseURL:    steamBaseURL,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}, nil
}

func (s *SteamLibrary) Platform() string { return "steam" }

// FetchOwnedGames lists the account's library via GetOwnedGames. Steam
// answers 401/403 for revoked keys and private profiles; both surface as
// invalid credentials so only this account fails.
func (s *SteamLibrary) FetchOwnedGames(ctx context.Context, account LinkedAccount) ([]OwnedGame, error) {
	params := url.Values{}
	params.Set("key", s.apiKey)
	params.Set("steamid", account.ID)
	params.Set("include_appinfo", "1")
	params.Set("include_played_free_games", "1")
	params.Set("format", "json")

	endpoint := s.baseURL + "/IPlayerService/GetOwnedGames/v0001/?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("steam request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: steam rejected key or profile is private", ErrCredentialInvalid)
	default:
		return nil, fmt.Errorf("steam returned %s", resp.Status)
	}

	var payload struct {
		Response struct {
			Games []struct {
				AppID int64  `json:"appid"`
				Name  string `json:"name"`
			} `json:"games"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("steam response decode failed: %w", err)
	}

	games := make([]OwnedGame, 0, len(payload.Response.Games))
	for _, g := range payload.Response.Games {
		if g.Name == "" {
			continue
		}
		games = append(games, OwnedGame{Name: g.Name, Platform: "steam"})
	}
	return games, nil
}

// StaticAccountSource serves linked accounts declared in configuration.
type StaticAccountSource struct {
	accounts map[string][]LinkedAccount
}

// NewStaticAccountSource builds an account source from (userID, account)
// pairs.
func NewStaticAccountSource(byUser map[string][]LinkedAccount) *StaticAccountSource {
	return &StaticAccountSource{accounts: byUser}
}

// ListAccounts returns the user's linked accounts, narrowed to one
// platform unless the scope is ScopeAll.
func (s *StaticAccountSource) ListAccounts(_ context.Context, userID, platformScope string) ([]LinkedAccount, error) {
	var out []LinkedAccount
	for _, account := range s.accounts[userID] {
		if platformScope != ScopeAll && account.Platform != platformScope {
			continue
		}
		out = append(out, account)
	}
	return out, nil
}
