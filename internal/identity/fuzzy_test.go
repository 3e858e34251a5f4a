package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldName(t *testing.T) {
	assert.Equal(t, "jose oneil", FoldName("  José   O'Neil "))
	assert.Equal(t, "", FoldName("!!!"))
}

func TestNameSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"identical after folding", "José O'Neil", "jose oneil", 0.999, 0.999},
		{"one typo", "Jonathan Smith", "Jonathon Smith", 0.9, 0.95},
		{"different people", "Alice Smith", "Bob Jones", 0, 0.3},
		{"empty never matches", "", "Alice", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := NameSimilarity(tt.a, tt.b)
			assert.GreaterOrEqual(t, score, tt.min)
			assert.LessOrEqual(t, score, tt.max)
			assert.Less(t, score, 1.0, "fuzzy scores stay below an exact match")
		})
	}
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 3, levenshtein([]rune("kitten"), []rune("sitting")))
	assert.Equal(t, 4, levenshtein([]rune(""), []rune("abcd")))
	assert.Equal(t, 0, levenshtein([]rune("same"), []rune("same")))
}
