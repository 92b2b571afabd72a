// Package catalog defines the persisted game catalog: the canonical Entry
// model, provider candidates, and the SQLite-backed repository.
package catalog

import "time"

// Provider names recognized by the catalog. Each maps to its own external
// id column so an entry can carry at most one id per provider.
const (
	ProviderIGDB = "igdb"
	ProviderRAWG = "rawg"
)

// Entry is the canonical local representation of a game.
type Entry struct {
	ID             int64
	IGDBID         *int64
	RAWGID         *int64
	Name           string
	NormalizedName string
	Slug           string
	Summary        string
	ReleaseDate    *time.Time
	Rating         float64
	RatingCount    int64
	CoverURL       string
	Platforms      []string
	Genres         []string
	// Provider records which provider last wrote this entry.
	Provider     string
	Archived     bool
	LastSyncedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExternalID returns the entry's id for the given provider, if any.
func (e *Entry) ExternalID(provider string) (int64, bool) {
	switch provider {
	case ProviderIGDB:
		if e.IGDBID != nil {
			return *e.IGDBID, true
		}
	case ProviderRAWG:
		if e.RAWGID != nil {
			return *e.RAWGID, true
		}
	}
	return 0, false
}

// Candidate is a normalized, not-yet-persisted game record returned by a
// provider client.
type Candidate struct {
	Provider    string
	ExternalID  int64
	Name        string
	Summary     string
	ReleaseDate *time.Time
	Rating      float64
	RatingCount int64
	CoverURL    string
	Platforms   []string
	Genres      []string
	// SummaryOnly marks discovery results that carry no detail payload and
	// need a follow-up fetch before upserting.
	SummaryOnly bool
}

// Filters narrow a catalog search.
type Filters struct {
	Query           string
	Genres          []string
	Platforms       []string
	IncludeArchived bool
}

// Page selects a result window. Numbering starts at 1.
type Page struct {
	Number int
	Size   int
}

// SearchResult is one page of catalog search results plus the total count
// of local matches.
type SearchResult struct {
	Entries []Entry
	Total   int
}
