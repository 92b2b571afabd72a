package catalog

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonAlnumPattern   = regexp.MustCompile(`[^a-z0-9 ]+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Normalize produces the search key for a game name: diacritics folded,
// lowercased, punctuation stripped, whitespace collapsed. Two providers
// describing the same title should normalize to the same key.
func Normalize(name string) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		name,
	)
	if err != nil {
		folded = name
	}

	s := strings.ToLower(folded)
	s = nonAlnumPattern.ReplaceAllString(s, " ")
	s = whitespacePattern.ReplaceAllString(strings.TrimSpace(s), " ")
	return s
}

// Slugify produces a URL-friendly slug from a game name.
func Slugify(name string) string {
	return strings.ReplaceAll(Normalize(name), " ", "-")
}

// ReleaseYear returns the year of a release date, or 0 when unknown.
// Used for the secondary name+year duplicate match during upserts.
func ReleaseYear(t *time.Time) int {
	if t == nil {
		return 0
	}
	return t.Year()
}
