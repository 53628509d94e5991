package query_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/query"
	"github.com/dshills/lodestar/internal/usage"
)

type triggerExt struct {
	extension.Base
	def           string
	remap         bool
	supportsFuzzy bool
	handle        func(ctx context.Context, q *query.Query) error
	calls         atomic.Int32

	mu      sync.Mutex
	trigger string
	fuzzy   bool
}

func newTrigger(id, trigger string, handle func(context.Context, *query.Query) error) *triggerExt {
	return &triggerExt{Base: extension.NewBase(id, id, ""), def: trigger, remap: true, supportsFuzzy: true, handle: handle}
}

func (t *triggerExt) DefaultTrigger() string      { return t.def }
func (t *triggerExt) AllowTriggerRemap() bool     { return t.remap }
func (t *triggerExt) SupportsFuzzyMatching() bool { return t.supportsFuzzy }

func (t *triggerExt) SetFuzzyMatching(enabled bool) {
	t.mu.Lock()
	t.fuzzy = enabled
	t.mu.Unlock()
}

func (t *triggerExt) SetTrigger(trigger string) {
	t.mu.Lock()
	t.trigger = trigger
	t.mu.Unlock()
}

func (t *triggerExt) Fuzzy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fuzzy
}

func (t *triggerExt) HandleTriggerQuery(ctx context.Context, q *query.Query) error {
	t.calls.Add(1)
	if t.handle == nil {
		return nil
	}
	return t.handle(ctx, q)
}

// echo adds one item per id.
func echo(ids ...string) func(context.Context, *query.Query) error {
	return func(_ context.Context, q *query.Query) error {
		for _, id := range ids {
			q.Add(query.NewItem(id, id, q.String()))
		}
		return nil
	}
}

type globalExt struct {
	extension.Base
	handle func(ctx context.Context, q *query.Query) ([]query.RankItem, error)
	calls  atomic.Int32
}

func newGlobal(id string, handle func(context.Context, *query.Query) ([]query.RankItem, error)) *globalExt {
	return &globalExt{Base: extension.NewBase(id, id, ""), handle: handle}
}

func (g *globalExt) HandleGlobalQuery(ctx context.Context, q *query.Query) ([]query.RankItem, error) {
	g.calls.Add(1)
	return g.handle(ctx, q)
}

// ranked returns fixed items with the given relevances.
func ranked(pairs ...any) func(context.Context, *query.Query) ([]query.RankItem, error) {
	return func(context.Context, *query.Query) ([]query.RankItem, error) {
		var out []query.RankItem
		for i := 0; i+1 < len(pairs); i += 2 {
			id := pairs[i].(string)
			out = append(out, query.RankItem{Item: query.NewItem(id, id, ""), Relevance: pairs[i+1].(float64)})
		}
		return out, nil
	}
}

type fallbackExt struct {
	extension.Base
	items []string
}

func newFallback(id string, items ...string) *fallbackExt {
	return &fallbackExt{Base: extension.NewBase(id, id, ""), items: items}
}

func (f *fallbackExt) Fallbacks(s string) []query.Item {
	out := make([]query.Item, 0, len(f.items))
	for _, id := range f.items {
		out = append(out, query.NewItem(id, id+" "+s, ""))
	}
	return out
}

type fakeUsage struct {
	mu     sync.Mutex
	acts   []usage.Activation
	scores *usage.Scores
}

func newFakeUsage(acts ...usage.Activation) *fakeUsage {
	u := &fakeUsage{}
	for _, a := range acts {
		u.add(a)
	}
	return u
}

func (u *fakeUsage) add(a usage.Activation) {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	u.acts = append(u.acts, a)
	u.scores = usage.ComputeScores(u.acts, time.Now(), 0)
}

func (u *fakeUsage) Scores() *usage.Scores {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.scores
}

func (u *fakeUsage) AddActivation(_ context.Context, a usage.Activation) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.add(a)
	return nil
}

func (u *fakeUsage) Activations() []usage.Activation {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]usage.Activation(nil), u.acts...)
}

func ids(ms []query.Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Extension + ":" + m.Item.ID()
	}
	return out
}

func wait(t interface {
	Helper()
	Fatalf(string, ...any)
}, q *query.Query) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("query %q did not finish: %v", q.Input(), err)
	}
}
