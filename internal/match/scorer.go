package match

import "unicode"

// Scorer calculates fuzzy match scores.
type Scorer interface {
	// Score rates a match of queryRunes inside textRunes. originalRunes keeps
	// the original case for boundary detection; matches holds the rune
	// indices of the matched characters. Higher is better.
	Score(queryRunes, originalRunes, textRunes []rune, matches []int) int
}

// DefaultScorer rewards consecutive characters, word boundaries and prefix
// matches, and penalizes gaps.
type DefaultScorer struct{}

// Score implements the Scorer interface.
func (DefaultScorer) Score(queryRunes, originalRunes, textRunes []rune, matches []int) int {
	if len(matches) == 0 {
		return 0
	}

	score := 100

	for i := 1; i < len(matches); i++ {
		if matches[i] == matches[i-1]+1 {
			score += 20
		}
	}

	for _, idx := range matches {
		if isWordBoundary(originalRunes, idx) {
			score += 15
		}
	}

	if matches[0] == 0 {
		score += 25
	}

	if len(matches) > 1 {
		if gap := matches[len(matches)-1] - matches[0] - len(matches) + 1; gap > 0 {
			score -= gap * 2
		}
	}

	if matches[0] > 0 {
		score -= matches[0]
	}

	if n := len(textRunes); n < 20 {
		score += 20 - n
	}

	if hasPrefix(textRunes, queryRunes) {
		score += 50
	}

	if score < 1 {
		score = 1
	}
	return score
}

func hasPrefix(text, prefix []rune) bool {
	if len(text) < len(prefix) {
		return false
	}
	for i, r := range prefix {
		if text[i] != r {
			return false
		}
	}
	return true
}

// isWordBoundary checks if the rune at idx starts a word.
func isWordBoundary(runes []rune, idx int) bool {
	if idx == 0 {
		return true
	}
	if idx >= len(runes) {
		return false
	}
	prev, cur := runes[idx-1], runes[idx]
	if unicode.IsSpace(prev) || unicode.IsPunct(prev) {
		return true
	}
	// camelCase
	return unicode.IsLower(prev) && unicode.IsUpper(cur)
}
