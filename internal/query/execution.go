package query

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/lodestar/internal/usage"
)

// start runs the query on a worker goroutine. Empty queries finish
// immediately.
func (e *Engine) start(q *Query) {
	e.obs.QueryStarted(q.kind)
	switch q.kind {
	case KindTrigger:
		go e.runTrigger(q)
	case KindGlobal:
		go e.runGlobal(q)
	default:
		e.complete(q)
	}
}

func (e *Engine) complete(q *Query) {
	q.mu.Lock()
	n := len(q.matches)
	q.mu.Unlock()
	e.obs.QueryFinished(q.kind, time.Since(q.started), n, !q.IsValid())
	q.finish()
}

func (e *Engine) runTrigger(q *Query) {
	defer e.complete(q)

	h := q.handler
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return h.HandleTriggerQuery(q.ctx, q)
	}()
	q.closeAdds()
	e.obs.HandlerFinished(h.ID(), time.Since(start), err)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error("trigger handler %s: %v", h.ID(), err)
	}
	if !q.IsValid() {
		return
	}

	q.mu.Lock()
	q.matches = promote(q.matches, q.str, q.scores)
	q.mu.Unlock()
}

// promote moves items used before with exactly this input to the front,
// highest score first. The other items keep the handler's order.
func promote(ms []Match, input string, scores *usage.Scores) []Match {
	if scores.Len() == 0 || len(ms) == 0 {
		return ms
	}
	scored := make([]Match, 0, len(ms))
	rest := make([]Match, 0, len(ms))
	for _, m := range ms {
		if s := scores.Input(input, m.Extension, m.Item.ID()); s > 0 {
			m.Score = s
			scored = append(scored, m)
			continue
		}
		rest = append(rest, m)
	}
	slices.SortStableFunc(scored, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(strings.ToLower(a.Item.Text()), strings.ToLower(b.Item.Text()))
	})
	return append(scored, rest...)
}

func (e *Engine) runGlobal(q *Query) {
	defer e.complete(q)

	results := make([][]Match, len(q.globals))
	var g errgroup.Group
	if e.config.MaxParallel > 0 {
		g.SetLimit(e.config.MaxParallel)
	}
	for i, h := range q.globals {
		g.Go(func() error {
			if !q.IsValid() {
				return nil
			}
			results[i] = e.runGlobalHandler(q, h)
			return nil
		})
	}
	_ = g.Wait()

	if !q.IsValid() {
		return
	}
	merged := mergeGlobal(results)
	q.setMatches(merged)
	if len(merged) == 0 {
		q.Fallbacks()
	}
}

type globalResult struct {
	items []RankItem
	err   error
}

// runGlobalHandler runs one handler and scores its items. With a handler
// timeout configured the handler is abandoned once it expires and its
// late results are discarded.
func (e *Engine) runGlobalHandler(q *Query, h GlobalHandler) []Match {
	ctx, cancel := context.WithCancel(q.ctx)
	defer cancel()

	start := time.Now()
	ch := make(chan globalResult, 1)
	go func() {
		items, err := callGlobal(ctx, q, h)
		ch <- globalResult{items: items, err: err}
	}()

	var res globalResult
	if t := e.config.HandlerTimeout; t > 0 {
		timer := time.NewTimer(t)
		select {
		case res = <-ch:
			timer.Stop()
		case <-timer.C:
			cancel()
			res.err = context.DeadlineExceeded
		}
	} else {
		res = <-ch
	}
	e.obs.HandlerFinished(h.ID(), time.Since(start), res.err)

	switch {
	case errors.Is(res.err, context.DeadlineExceeded):
		e.log.Warn("global handler %s exceeded %s, results dropped", h.ID(), e.config.HandlerTimeout)
		return nil
	case errors.Is(res.err, context.Canceled):
		return nil
	case res.err != nil:
		e.log.Error("global handler %s: %v", h.ID(), res.err)
		return nil
	}

	out := make([]Match, 0, len(res.items))
	for _, ri := range res.items {
		if ri.Item == nil {
			continue
		}
		rel := clampRelevance(ri.Relevance)
		out = append(out, Match{
			Extension: h.ID(),
			Item:      ri.Item,
			Score:     rel * (1 + q.scores.Item(h.ID(), ri.Item.ID())),
		})
	}
	return out
}

func callGlobal(ctx context.Context, q *Query, h GlobalHandler) (items []RankItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.HandleGlobalQuery(ctx, q)
}

func clampRelevance(r float64) float64 {
	if math.IsNaN(r) || r < 0 {
		return 0
	}
	return min(r, 1)
}

// mergeGlobal concatenates the per-handler lists in handler order and
// sorts them by score. The sort is stable so equal scores keep that order.
func mergeGlobal(results [][]Match) []Match {
	var n int
	for _, r := range results {
		n += len(r)
	}
	merged := make([]Match, 0, n)
	for _, r := range results {
		merged = append(merged, r...)
	}
	slices.SortStableFunc(merged, func(a, b Match) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return merged
}

// fallbacks collects fallback items in fallback order.
func (e *Engine) fallbacks(q *Query) []Match {
	e.mu.RLock()
	hs := e.orderedFallbacks()
	e.mu.RUnlock()

	var out []Match
	for _, h := range hs {
		items, err := callFallback(h, q.str)
		if err != nil {
			e.log.Error("fallback handler %s: %v", h.ID(), err)
			continue
		}
		for _, it := range items {
			if it != nil {
				out = append(out, Match{Extension: h.ID(), Item: it})
			}
		}
	}
	return out
}

func callFallback(h FallbackHandler, s string) (items []Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Fallbacks(s), nil
}
