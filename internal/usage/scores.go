// Package usage records activations and turns them into usage scores.
//
// The score of an item is the sum of 1/(days_since_use+1) over its
// activations inside the accounting window.
package usage

import (
	"math"
	"time"
)

// Activation is one use of a result item.
type Activation struct {
	Query     string
	Extension string
	Item      string
	Action    string
	Time      time.Time
}

type itemKey struct {
	extension string
	item      string
}

type inputKey struct {
	query     string
	extension string
	item      string
}

// Scores is an immutable snapshot of usage scores. A nil *Scores scores
// everything zero.
type Scores struct {
	items  map[itemKey]float64
	inputs map[inputKey]float64
	at     time.Time
}

// Weight returns the contribution of an activation that happened at t,
// seen from now.
func Weight(t, now time.Time) float64 {
	days := math.Floor(now.Sub(t).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return 1 / (days + 1)
}

// ComputeScores builds a snapshot from acts. Activations older than window
// are ignored; a zero window keeps everything.
func ComputeScores(acts []Activation, now time.Time, window time.Duration) *Scores {
	s := &Scores{
		items:  make(map[itemKey]float64),
		inputs: make(map[inputKey]float64),
		at:     now,
	}
	for _, a := range acts {
		if window > 0 && now.Sub(a.Time) > window {
			continue
		}
		w := Weight(a.Time, now)
		s.items[itemKey{a.Extension, a.Item}] += w
		s.inputs[inputKey{a.Query, a.Extension, a.Item}] += w
	}
	return s
}

// Item returns the score of an item regardless of the query that led to it.
func (s *Scores) Item(extension, item string) float64 {
	if s == nil {
		return 0
	}
	return s.items[itemKey{extension, item}]
}

// Input returns the score of an item for one exact query string.
func (s *Scores) Input(query, extension, item string) float64 {
	if s == nil {
		return 0
	}
	return s.inputs[inputKey{query, extension, item}]
}

// Len returns the number of scored items.
func (s *Scores) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// ComputedAt returns when the snapshot was built.
func (s *Scores) ComputedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.at
}
