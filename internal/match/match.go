// Package match rates how well a query string matches an item text.
//
// Two modes exist. Word-prefix matching requires every query word to be the
// prefix of a distinct word of the text. Fuzzy matching only requires the
// query characters to appear in order.
package match

import (
	"slices"
	"strings"
	"unicode"
)

// Options configures a Matcher.
type Options struct {
	// Fuzzy enables subsequence matching.
	Fuzzy bool

	// CaseSensitive disables case folding.
	CaseSensitive bool
}

// Matcher rates texts against one query.
type Matcher struct {
	opts   Options
	query  string
	words  []string
	runes  []rune
	scorer Scorer
	best   int
}

// New creates a Matcher for query.
func New(query string, opts Options) *Matcher {
	m := &Matcher{opts: opts, scorer: DefaultScorer{}}
	m.query = m.normalize(strings.TrimSpace(query))
	m.words = splitWords(m.query)
	m.runes = []rune(m.query)
	if len(m.runes) > 0 {
		idx := make([]int, len(m.runes))
		for i := range idx {
			idx[i] = i
		}
		m.best = m.scorer.Score(m.runes, m.runes, m.runes, idx)
	}
	return m
}

// Query returns the normalized query.
func (m *Matcher) Query() string {
	return m.query
}

// Match reports whether text matches and how well, in [0,1]. An empty
// query matches everything with relevance 0.
func (m *Matcher) Match(text string) (float64, bool) {
	if m.query == "" {
		return 0, true
	}
	norm := m.normalize(text)

	if r, ok := m.matchWords(norm); ok {
		return r, true
	}
	if !m.opts.Fuzzy {
		return 0, false
	}
	return m.matchFuzzy(text, norm)
}

// MatchAny returns the best relevance of the texts.
func (m *Matcher) MatchAny(texts ...string) (float64, bool) {
	best, found := 0.0, false
	for _, t := range texts {
		if r, ok := m.Match(t); ok {
			found = true
			if r > best {
				best = r
			}
		}
	}
	return best, found
}

func (m *Matcher) normalize(s string) string {
	if m.opts.CaseSensitive {
		return s
	}
	return strings.ToLower(s)
}

// matchWords requires each query word to prefix a distinct text word.
// Relevance is the share of the text covered by the query.
func (m *Matcher) matchWords(text string) (float64, bool) {
	textWords := splitWords(text)
	used := make([]bool, len(textWords))
	matched := 0
	for _, qw := range m.words {
		found := false
		for i, tw := range textWords {
			if !used[i] && strings.HasPrefix(tw, qw) {
				used[i] = true
				matched += len([]rune(qw))
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	total := len([]rune(text))
	if total == 0 {
		return 0, false
	}
	return clamp(float64(matched) / float64(total)), true
}

// matchFuzzy uses a greedy left-to-right subsequence scan. Fuzzy hits rank
// below word-prefix hits of the same text.
func (m *Matcher) matchFuzzy(original, norm string) (float64, bool) {
	textRunes := []rune(norm)
	matches := make([]int, 0, len(m.runes))
	qi := 0
	for i := 0; i < len(textRunes) && qi < len(m.runes); i++ {
		if textRunes[i] == m.runes[qi] {
			matches = append(matches, i)
			qi++
		}
	}
	if qi != len(m.runes) {
		return 0, false
	}
	score := m.scorer.Score(m.runes, []rune(original), textRunes, matches)
	return clamp(float64(score)/float64(m.best)) * 0.5, true
}

// Result pairs a candidate with its relevance.
type Result[T any] struct {
	Value     T
	Relevance float64
}

// Filter returns the candidates matching query sorted by relevance, ties
// keeping input order. text extracts the strings to match from a candidate.
func Filter[T any](query string, opts Options, candidates []T, text func(T) []string) []Result[T] {
	m := New(query, opts)
	out := make([]Result[T], 0, len(candidates))
	for _, c := range candidates {
		if r, ok := m.MatchAny(text(c)...); ok {
			out = append(out, Result[T]{Value: c, Relevance: r})
		}
	}
	slices.SortStableFunc(out, func(a, b Result[T]) int {
		switch {
		case a.Relevance > b.Relevance:
			return -1
		case a.Relevance < b.Relevance:
			return 1
		default:
			return 0
		}
	})
	return out
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '_' && r != '.')
	})
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
