package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jfellows/gamedex/internal/db"
)

// Repository is the persistence boundary for catalog entries.
//
// Upserts are keyed by (provider, external id) with a secondary best-effort
// match on normalized name + release year, so two providers describing the
// same title converge on one entry. Entries are never hard-deleted; a
// provider that stops reporting a title soft-archives it.
type Repository struct {
	conn *sql.DB
}

// NewRepository creates a repository over an opened database.
func NewRepository(d *db.DB) *Repository {
	return &Repository{conn: d.Conn()}
}

const entryColumns = `id, igdb_id, rawg_id, name, normalized_name, slug, summary,
	release_date, rating, rating_count, cover_url, platforms, genres,
	provider, archived, last_synced_at, created_at, updated_at`

// externalIDColumn maps a provider name to its id column.
func externalIDColumn(provider string) (string, error) {
	switch provider {
	case ProviderIGDB:
		return "igdb_id", nil
	case ProviderRAWG:
		return "rawg_id", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// Upsert writes a candidate into the catalog. It resolves against an
// existing entry by (provider, external id), then by normalized name +
// release year, and only creates a new entry when neither matches.
// Returns the resulting entry and whether it was newly created.
func (r *Repository) Upsert(ctx context.Context, cand Candidate) (Entry, bool, error) {
	if cand.Name == "" || cand.ExternalID == 0 {
		return Entry{}, false, &Error{Op: "upsert", Name: cand.Name, Err: ErrInvalidCandidate}
	}
	col, err := externalIDColumn(cand.Provider)
	if err != nil {
		return Entry{}, false, &Error{Op: "upsert", Name: cand.Name, Err: err}
	}

	normalized := Normalize(cand.Name)
	now := time.Now().UTC()

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, false, wrapDBError(err, "upsert", cand.Name)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id FROM catalog_entries WHERE %s = ?", col),
		cand.ExternalID,
	).Scan(&id)

	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		matched, matchErr := r.matchByNameYear(ctx, tx, normalized, ReleaseYear(cand.ReleaseDate))
		if matchErr != nil {
			return Entry{}, false, wrapDBError(matchErr, "upsert", cand.Name)
		}
		if matched != 0 {
			id = matched
		} else {
			res, insErr := tx.ExecContext(ctx, fmt.Sprintf(`
				INSERT INTO catalog_entries
					(%s, name, normalized_name, slug, summary, release_date,
					 rating, rating_count, cover_url, platforms, genres,
					 provider, archived, last_synced_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`, col),
				cand.ExternalID, cand.Name, normalized, Slugify(cand.Name),
				cand.Summary, fmtNullTime(cand.ReleaseDate),
				cand.Rating, cand.RatingCount, cand.CoverURL,
				encodeTags(cand.Platforms), encodeTags(cand.Genres),
				cand.Provider, fmtTime(now), fmtTime(now), fmtTime(now),
			)
			if insErr != nil {
				return Entry{}, false, wrapDBError(insErr, "upsert", cand.Name)
			}
			id, err = res.LastInsertId()
			if err != nil {
				return Entry{}, false, wrapDBError(err, "upsert", cand.Name)
			}
			created = true
		}
	case err != nil:
		return Entry{}, false, wrapDBError(err, "upsert", cand.Name)
	}

	if !created {
		// Claim only this provider's id column; a merge must not clobber
		// the other provider's external id.
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE catalog_entries SET
				%s = ?, name = ?, normalized_name = ?, slug = ?, summary = ?,
				release_date = ?, rating = ?, rating_count = ?, cover_url = ?,
				platforms = ?, genres = ?, provider = ?, archived = 0,
				last_synced_at = ?, updated_at = ?
			WHERE id = ?`, col),
			cand.ExternalID, cand.Name, normalized, Slugify(cand.Name),
			cand.Summary, fmtNullTime(cand.ReleaseDate),
			cand.Rating, cand.RatingCount, cand.CoverURL,
			encodeTags(cand.Platforms), encodeTags(cand.Genres),
			cand.Provider, fmtTime(now), fmtTime(now), id,
		)
		if err != nil {
			return Entry{}, false, wrapDBError(err, "upsert", cand.Name)
		}
	}

	entry, err := scanEntry(tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM catalog_entries WHERE id = ?", entryColumns), id))
	if err != nil {
		return Entry{}, false, wrapDBError(err, "upsert", cand.Name)
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, false, wrapDBError(err, "upsert", cand.Name)
	}
	return entry, created, nil
}

// matchByNameYear finds an entry with the same normalized name and release
// year. Candidates without a release date only match entries that also lack
// one, to keep remakes and their originals apart.
func (r *Repository) matchByNameYear(ctx context.Context, tx *sql.Tx, normalized string, year int) (int64, error) {
	var (
		id  int64
		err error
	)
	if year == 0 {
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM catalog_entries WHERE normalized_name = ? AND release_date IS NULL",
			normalized,
		).Scan(&id)
	} else {
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM catalog_entries WHERE normalized_name = ? AND CAST(strftime('%Y', release_date) AS INTEGER) = ?",
			normalized, year,
		).Scan(&id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// GetByExternalID looks up an entry by its id at the given provider.
func (r *Repository) GetByExternalID(ctx context.Context, provider string, externalID int64) (Entry, error) {
	col, err := externalIDColumn(provider)
	if err != nil {
		return Entry{}, &Error{Op: "get by external id", Err: err}
	}
	entry, err := scanEntry(r.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM catalog_entries WHERE %s = ?", entryColumns, col),
		externalID,
	))
	if err != nil {
		return Entry{}, wrapDBError(err, "get by external id", "")
	}
	return entry, nil
}

// GetByID looks up an entry by local id.
func (r *Repository) GetByID(ctx context.Context, id int64) (Entry, error) {
	entry, err := scanEntry(r.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM catalog_entries WHERE id = ?", entryColumns), id))
	if err != nil {
		return Entry{}, wrapDBError(err, "get by id", "")
	}
	return entry, nil
}

// FindStale returns unarchived entries whose last sync is older than the
// threshold, oldest first, capped at limit.
func (r *Repository) FindStale(ctx context.Context, olderThan time.Duration, limit int) ([]Entry, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := r.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM catalog_entries
		WHERE archived = 0 AND last_synced_at < ?
		ORDER BY last_synced_at ASC
		LIMIT ?`, entryColumns),
		fmtTime(cutoff), limit,
	)
	if err != nil {
		return nil, wrapDBError(err, "find stale", "")
	}
	defer func() { _ = rows.Close() }()

	return collectEntries(rows)
}

// Search runs a filtered, paginated catalog query with deterministic
// ordering: exact and prefix name matches first, then rating count, then
// recency, with id as the final tiebreaker for stable pagination.
func (r *Repository) Search(ctx context.Context, f Filters, p Page) (SearchResult, error) {
	if p.Size <= 0 {
		p.Size = 20
	}
	if p.Number <= 0 {
		p.Number = 1
	}

	where := make([]string, 0, 4)
	args := make([]any, 0, 8)

	if !f.IncludeArchived {
		where = append(where, "archived = 0")
	}
	normalized := ""
	if f.Query != "" {
		normalized = Normalize(f.Query)
		where = append(where, "normalized_name LIKE ?")
		args = append(args, "%"+normalized+"%")
	}
	for _, g := range f.Genres {
		where = append(where, "genres LIKE ?")
		args = append(args, `%"`+g+`"%`)
	}
	for _, pl := range f.Platforms {
		where = append(where, "platforms LIKE ?")
		args = append(args, `%"`+pl+`"%`)
	}

	clause := "1=1"
	if len(where) > 0 {
		clause = strings.Join(where, " AND ")
	}

	var total int
	err := r.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM catalog_entries WHERE "+clause, args...,
	).Scan(&total)
	if err != nil {
		return SearchResult{}, wrapDBError(err, "search", f.Query)
	}

	order := "COALESCE(rating_count, 0) DESC, release_date DESC, id ASC"
	pageArgs := args
	if normalized != "" {
		order = "(normalized_name = ?) DESC, (normalized_name LIKE ?) DESC, " + order
		pageArgs = append(append([]any{}, args...), normalized, normalized+"%")
	}

	query := fmt.Sprintf(
		"SELECT %s FROM catalog_entries WHERE %s ORDER BY %s LIMIT ? OFFSET ?",
		entryColumns, clause, order,
	)
	pageArgs = append(pageArgs, p.Size, (p.Number-1)*p.Size)

	rows, err := r.conn.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return SearchResult{}, wrapDBError(err, "search", f.Query)
	}
	defer func() { _ = rows.Close() }()

	entries, err := collectEntries(rows)
	if err != nil {
		return SearchResult{}, wrapDBError(err, "search", f.Query)
	}
	return SearchResult{Entries: entries, Total: total}, nil
}

// Archive soft-archives an entry. Archived entries stay queryable with
// IncludeArchived and can be revived by a later upsert.
func (r *Repository) Archive(ctx context.Context, id int64) error {
	res, err := r.conn.ExecContext(ctx,
		"UPDATE catalog_entries SET archived = 1, updated_at = ? WHERE id = ?",
		fmtTime(time.Now().UTC()), id,
	)
	if err != nil {
		return wrapDBError(err, "archive", "")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError(err, "archive", "")
	}
	if n == 0 {
		return &Error{Op: "archive", Err: ErrNotFound}
	}
	return nil
}

// Count returns the total number of catalog entries.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM catalog_entries").Scan(&n); err != nil {
		return 0, wrapDBError(err, "count", "")
	}
	return n, nil
}

// CountAndAverageRating aggregates reviews for an entry. This is the read
// contract consumed by the review subsystem; the catalog never writes
// review rows.
func (r *Repository) CountAndAverageRating(ctx context.Context, entryID int64) (int, float64, error) {
	var (
		count int
		avg   float64
	)
	err := r.conn.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(AVG(rating), 0) FROM reviews WHERE catalog_entry_id = ?",
		entryID,
	).Scan(&count, &avg)
	if err != nil {
		return 0, 0, wrapDBError(err, "count and average rating", "")
	}
	return count, avg, nil
}

// --- row scanning -----------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e              Entry
		igdbID, rawgID sql.NullInt64
		slug, summary  sql.NullString
		coverURL       sql.NullString
		releaseDate    sql.NullString
		rating         sql.NullFloat64
		ratingCount    sql.NullInt64
		platforms      string
		genres         string
		archived       int
		lastSynced     string
		createdAt      sql.NullString
		updatedAt      sql.NullString
	)

	err := row.Scan(&e.ID, &igdbID, &rawgID, &e.Name, &e.NormalizedName,
		&slug, &summary, &releaseDate, &rating, &ratingCount, &coverURL,
		&platforms, &genres, &e.Provider, &archived, &lastSynced,
		&createdAt, &updatedAt)
	if err != nil {
		return Entry{}, err
	}

	if igdbID.Valid {
		e.IGDBID = &igdbID.Int64
	}
	if rawgID.Valid {
		e.RAWGID = &rawgID.Int64
	}
	e.Slug = slug.String
	e.Summary = summary.String
	e.CoverURL = coverURL.String
	e.Rating = rating.Float64
	e.RatingCount = ratingCount.Int64
	e.Archived = archived != 0
	e.Platforms = decodeTags(platforms)
	e.Genres = decodeTags(genres)

	if releaseDate.Valid {
		if t, perr := parseTime(releaseDate.String); perr == nil {
			e.ReleaseDate = &t
		}
	}
	if t, perr := parseTime(lastSynced); perr == nil {
		e.LastSyncedAt = t
	}
	if createdAt.Valid {
		if t, perr := parseTime(createdAt.String); perr == nil {
			e.CreatedAt = t
		}
	}
	if updatedAt.Valid {
		if t, perr := parseTime(updatedAt.String); perr == nil {
			e.UpdatedAt = t
		}
	}

	return e, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Timestamps are stored as UTC RFC3339 strings so lexicographic SQL
// comparisons match chronological order.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeTags(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}
