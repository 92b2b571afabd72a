package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercase", "Hollow Knight", "hollow knight"},
		{"punctuation", "The Legend of Zelda: Breath of the Wild", "the legend of zelda breath of the wild"},
		{"diacritics", "Pokémon Café", "pokemon cafe"},
		{"collapse whitespace", "  Dark   Souls  ", "dark souls"},
		{"digits kept", "Half-Life 2", "half life 2"},
		{"symbols dropped", "Ōkami HD™", "okami hd"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "the-witcher-3-wild-hunt", Slugify("The Witcher 3: Wild Hunt"))
	assert.Equal(t, "pokemon-cafe", Slugify("Pokémon Café"))
}

func TestReleaseYear(t *testing.T) {
	assert.Equal(t, 0, ReleaseYear(nil))

	d := time.Date(2017, 3, 3, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 2017, ReleaseYear(&d))
}
