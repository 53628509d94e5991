package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordPrefixMatching(t *testing.T) {
	m := New("fire", Options{})
	r, ok := m.Match("Firefox Web Browser")
	require.True(t, ok)
	assert.Greater(t, r, 0.0)
	assert.LessOrEqual(t, r, 1.0)

	_, ok = m.Match("Campfire")
	assert.False(t, ok, "infix is not a word prefix")

	full, ok := New("firefox", Options{}).Match("firefox")
	require.True(t, ok)
	assert.InDelta(t, 1.0, full, 1e-9)
}

func TestWordsMatchDistinctWords(t *testing.T) {
	m := New("web web", Options{})
	_, ok := m.Match("Web Browser")
	assert.False(t, ok)

	_, ok = New("br web", Options{}).Match("Web Browser")
	assert.True(t, ok, "word order does not matter")
}

func TestFuzzyMatching(t *testing.T) {
	m := New("ffx", Options{Fuzzy: true})
	r, ok := m.Match("Firefox")
	require.True(t, ok)
	assert.Greater(t, r, 0.0)
	assert.LessOrEqual(t, r, 0.5)

	_, ok = New("ffx", Options{}).Match("Firefox")
	assert.False(t, ok, "fuzzy disabled")

	_, ok = m.Match("Chromium")
	assert.False(t, ok)
}

func TestCaseSensitivity(t *testing.T) {
	_, ok := New("Fire", Options{CaseSensitive: true}).Match("firefox")
	assert.False(t, ok)
	_, ok = New("Fire", Options{}).Match("firefox")
	assert.True(t, ok)
}

func TestEmptyQueryMatchesAll(t *testing.T) {
	r, ok := New("   ", Options{}).Match("anything")
	assert.True(t, ok)
	assert.Zero(t, r)
}

func TestFilterOrdersByRelevance(t *testing.T) {
	candidates := []string{"Terminal Emulator", "Term", "Text Editor", "Files"}
	res := Filter("te", Options{}, candidates, func(s string) []string { return []string{s} })

	require.Len(t, res, 3)
	assert.Equal(t, "Term", res[0].Value)
	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Relevance, res[i].Relevance)
	}
}

func TestFilterIsDeterministic(t *testing.T) {
	candidates := []string{"ab", "ab", "abc", "ab d"}
	text := func(s string) []string { return []string{s} }
	first := Filter("ab", Options{Fuzzy: true}, candidates, text)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Filter("ab", Options{Fuzzy: true}, candidates, text))
	}
}

func TestDefaultScorerPrefersConsecutive(t *testing.T) {
	s := DefaultScorer{}
	q := []rune("abc")
	text := []rune("abcxyz")
	tight := s.Score(q, text, text, []int{0, 1, 2})
	loose := s.Score(q, []rune("axbxcx"), []rune("axbxcx"), []int{0, 2, 4})
	assert.Greater(t, tight, loose)
}
