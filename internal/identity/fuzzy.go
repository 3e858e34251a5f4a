package identity

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxFuzzyScore keeps fuzzy scores strictly below an exact match
const maxFuzzyScore = 0.999

// FoldName lowercases a display name, strips accents and punctuation and
// collapses whitespace, so "José  O'Neil" and "jose oneil" compare equal
func FoldName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	folded = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, folded)

	return strings.Join(strings.Fields(folded), " ")
}

// NameSimilarity scores two display names in [0, 1). Names that fold to
// nothing never match.
func NameSimilarity(a, b string) float64 {
	fa, fb := []rune(FoldName(a)), []rune(FoldName(b))
	if len(fa) == 0 || len(fb) == 0 {
		return 0
	}

	longest := max(len(fa), len(fb))
	score := 1 - float64(levenshtein(fa, fb))/float64(longest)
	return min(score, maxFuzzyScore)
}

// levenshtein is the edit distance between two rune slices, using two rows
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(
				prev[j]+1,      // deletion
				cur[j-1]+1,     // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, cur = cur, prev
	}

	return prev[len(b)]
}
