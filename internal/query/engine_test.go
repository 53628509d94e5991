package query_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/plugin/plugintest"
	"github.com/dshills/lodestar/internal/query"
	"github.com/dshills/lodestar/internal/usage"
)

func setup(t *testing.T, cfg query.Config, exts ...extension.Extension) (*query.Engine, *extension.Registry) {
	t.Helper()
	r := extension.NewRegistry()
	for _, e := range exts {
		require.NoError(t, r.Register(e))
	}
	e := query.NewEngine(r, cfg)
	e.Start()
	t.Cleanup(e.Stop)
	return e, r
}

func TestCalcTriggerRouting(t *testing.T) {
	calc := newTrigger("calculator", "calc ", func(_ context.Context, q *query.Query) error {
		q.Add(query.NewItem("result", "3", q.String()))
		return nil
	})
	apps := newGlobal("apps", ranked("calculator_app", 1.0))
	e, _ := setup(t, query.Config{}, calc, apps)

	q := e.Query("calc 1+2")
	wait(t, q)
	assert.Equal(t, query.KindTrigger, q.Kind())
	assert.Equal(t, "calc ", q.Trigger())
	assert.Equal(t, "1+2", q.String())
	assert.Equal(t, "calculator", q.Handler())
	assert.Equal(t, []string{"calculator:result"}, ids(q.Matches()))
	assert.Zero(t, apps.calls.Load(), "global handlers never see triggered input")

	q = e.Query("calc")
	wait(t, q)
	assert.Equal(t, query.KindGlobal, q.Kind())
	assert.Equal(t, "calc", q.String())
	assert.Equal(t, []string{"apps:calculator_app"}, ids(q.Matches()))
	assert.EqualValues(t, 1, calc.calls.Load())
}

func TestLongestTriggerWins(t *testing.T) {
	g := newTrigger("google", "g ", echo("g"))
	gg := newTrigger("google_images", "gg ", echo("gg"))
	e, _ := setup(t, query.Config{}, g, gg)

	q := e.Query("gg cats")
	wait(t, q)
	assert.Equal(t, "google_images", q.Handler())
	assert.Equal(t, "cats", q.String())

	q = e.Query("g cats")
	wait(t, q)
	assert.Equal(t, "google", q.Handler())
}

func TestTriggerCollisionKeepsActiveHandler(t *testing.T) {
	b := newTrigger("b", "x ", echo("b"))
	e, r := setup(t, query.Config{}, b)

	a := newTrigger("a", "x ", echo("a"))
	require.NoError(t, r.Register(a))

	assert.Equal(t, map[string]string{"x ": "b"}, e.ActiveTriggers())
	infos := e.TriggerHandlers()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.False(t, infos[0].Active, "rejected handler stays listed")
	assert.True(t, infos[1].Active)

	require.NoError(t, r.Deregister(b))
	assert.Equal(t, map[string]string{"x ": "a"}, e.ActiveTriggers())

	q := e.Query("x y")
	wait(t, q)
	assert.Equal(t, "a", q.Handler())
}

func TestEmptyTriggerNeverActive(t *testing.T) {
	e, _ := setup(t, query.Config{}, newTrigger("blank", "", echo("x")))
	assert.Empty(t, e.ActiveTriggers())
}

func TestSetTrigger(t *testing.T) {
	settings := plugintest.NewSettings()
	calc := newTrigger("calc", "calc ", echo("r"))
	web := newTrigger("web", "web ", echo("w"))
	fixed := newTrigger("fixed", "f ", echo("f"))
	fixed.remap = false
	fixed.supportsFuzzy = false
	e, r := setup(t, query.Config{Settings: settings}, calc, web, fixed)

	tests := []struct {
		name    string
		id      string
		trigger string
		want    error
	}{
		{"empty", "calc", "", query.ErrEmptyTrigger},
		{"unknown handler", "nope", "n ", query.ErrHandlerNotFound},
		{"remap not allowed", "fixed", "g ", query.ErrRemapNotAllowed},
		{"in use", "calc", "web ", query.ErrTriggerInUse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, e.SetTrigger(tt.id, tt.trigger), tt.want)
		})
	}

	require.NoError(t, e.SetTrigger("calc", "= "))
	assert.Equal(t, "calc", e.ActiveTriggers()["= "])
	assert.NotContains(t, e.ActiveTriggers(), "calc ")
	assert.Equal(t, "= ", settings.String("calc/trigger", ""))

	// A fresh engine picks up the persisted trigger.
	e2 := query.NewEngine(r, query.Config{Settings: settings})
	e2.Start()
	defer e2.Stop()
	assert.Equal(t, "calc", e2.ActiveTriggers()["= "])

	require.NoError(t, e.SetFuzzy("calc", true))
	assert.True(t, calc.Fuzzy())
	assert.True(t, settings.Bool("calc/fuzzy", false))
	assert.ErrorIs(t, e.SetFuzzy("fixed", true), query.ErrFuzzyNotSupported)

	require.NoError(t, e.SetTriggerEnabled("calc", false))
	assert.NotContains(t, e.ActiveTriggers(), "= ")
	assert.False(t, settings.Bool("calc/trigger_enabled", true))
	q := e.Query("= 1")
	wait(t, q)
	assert.Equal(t, query.KindGlobal, q.Kind())
}

func TestEmptyInput(t *testing.T) {
	apps := newGlobal("apps", ranked("a", 1.0))
	e, _ := setup(t, query.Config{}, apps)

	q := e.Query("")
	assert.True(t, q.IsFinished(), "empty query finishes immediately")
	assert.Equal(t, query.KindEmpty, q.Kind())
	assert.Empty(t, q.Matches())
	assert.Zero(t, apps.calls.Load())

	e2, _ := setup(t, query.Config{RunEmptyQuery: true}, apps)
	q = e2.Query("")
	wait(t, q)
	assert.Equal(t, query.KindGlobal, q.Kind())
	assert.Equal(t, []string{"apps:a"}, ids(q.Matches()))
}

func TestGlobalRanking(t *testing.T) {
	a := newGlobal("a", ranked("x", 0.5, "y", 0.9))
	b := newGlobal("b", ranked("z", 0.5, "w", 2.0, "n", -1.0))

	for _, parallel := range []int{0, 1} {
		e, _ := setup(t, query.Config{MaxParallel: parallel}, a, b)
		q := e.Query("q")
		wait(t, q)
		assert.Equal(t, []string{"b:w", "a:y", "a:x", "b:z", "b:n"}, ids(q.Matches()))
		assert.InDelta(t, 1.0, q.Matches()[0].Score, 1e-9, "relevance is clamped")
	}

	u := newFakeUsage(usage.Activation{Query: "other", Extension: "a", Item: "x"})
	e, _ := setup(t, query.Config{Usage: u}, a, b)
	for range 3 {
		q := e.Query("q")
		wait(t, q)
		assert.Equal(t, []string{"a:x", "b:w", "a:y", "b:z", "b:n"}, ids(q.Matches()),
			"usage boosts the item, ties keep handler order")
	}
}

func TestGlobalHandlerFailures(t *testing.T) {
	panics := newGlobal("panics", func(context.Context, *query.Query) ([]query.RankItem, error) {
		panic("boom")
	})
	fails := newGlobal("fails", func(context.Context, *query.Query) ([]query.RankItem, error) {
		return nil, errors.New("backend down")
	})
	nils := newGlobal("nils", func(context.Context, *query.Query) ([]query.RankItem, error) {
		return []query.RankItem{{Item: nil, Relevance: 1}}, nil
	})
	good := newGlobal("good", ranked("ok", 0.3))
	e, _ := setup(t, query.Config{}, panics, fails, nils, good)

	q := e.Query("x")
	wait(t, q)
	assert.Equal(t, []string{"good:ok"}, ids(q.Matches()))
}

func TestDisabledGlobalHandler(t *testing.T) {
	settings := plugintest.NewSettings()
	apps := newGlobal("apps", ranked("a", 1.0))
	files := newGlobal("files", ranked("f", 1.0))
	e, _ := setup(t, query.Config{Settings: settings}, apps, files)

	require.NoError(t, e.SetGlobalEnabled("files", false))
	assert.ErrorIs(t, e.SetGlobalEnabled("nope", false), query.ErrHandlerNotFound)
	assert.False(t, settings.Bool("files/global_enabled", true))
	assert.Equal(t, []query.GlobalInfo{
		{ID: "apps", Name: "apps", Enabled: true},
		{ID: "files", Name: "files", Enabled: false},
	}, e.GlobalHandlers())

	q := e.Query("x")
	wait(t, q)
	assert.Equal(t, []string{"apps:a"}, ids(q.Matches()))
	assert.Zero(t, files.calls.Load())
}

func TestCancelledTriggerQueryDropsResults(t *testing.T) {
	started := make(chan struct{})
	slow := newTrigger("slow", "s ", func(ctx context.Context, q *query.Query) error {
		close(started)
		<-ctx.Done()
		q.Add(query.NewItem("late", "late", ""))
		return ctx.Err()
	})
	e, _ := setup(t, query.Config{}, slow)

	q := e.Query("s x")
	<-started
	assert.True(t, q.IsValid())
	q.Cancel()
	wait(t, q)

	assert.False(t, q.IsValid())
	assert.True(t, q.IsFinished())
	assert.Empty(t, q.Matches())

	q.Add(query.NewItem("after", "after", ""))
	assert.Empty(t, q.Matches())
}

func TestCancelledGlobalQuery(t *testing.T) {
	started := make(chan struct{})
	blocking := newGlobal("blocking", func(ctx context.Context, _ *query.Query) ([]query.RankItem, error) {
		close(started)
		<-ctx.Done()
		return []query.RankItem{{Item: query.NewItem("late", "late", ""), Relevance: 1}}, nil
	})
	e, _ := setup(t, query.Config{}, blocking, newFallback("web", "search"))

	q := e.Query("x")
	<-started
	q.Cancel()
	wait(t, q)
	assert.Empty(t, q.Matches())
}

func TestHandlerTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	stuck := newGlobal("stuck", func(context.Context, *query.Query) ([]query.RankItem, error) {
		<-release
		return []query.RankItem{{Item: query.NewItem("late", "late", ""), Relevance: 1}}, nil
	})
	fast := newGlobal("fast", ranked("quick", 0.4))
	e, _ := setup(t, query.Config{HandlerTimeout: 50 * time.Millisecond}, stuck, fast)

	start := time.Now()
	q := e.Query("x")
	wait(t, q)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"fast:quick"}, ids(q.Matches()))
}

func TestFallbacks(t *testing.T) {
	settings := plugintest.NewSettings()
	empty := newGlobal("apps", ranked())
	e, _ := setup(t, query.Config{Settings: settings}, empty,
		newFallback("apps_fb", "a"), newFallback("files", "f"), newFallback("web", "google", "ddg"))

	assert.Equal(t, []string{"apps_fb", "files", "web"}, e.FallbackHandlers())
	require.NoError(t, e.SetFallbackOrder([]string{"web", "files"}))
	assert.Equal(t, []string{"web", "files", "apps_fb"}, e.FallbackHandlers())
	assert.Equal(t, []string{"web", "files"}, settings.Strings(query.FallbackOrderKey, nil))

	q := e.Query("cats")
	wait(t, q)
	assert.Empty(t, q.Matches())
	fb := q.Fallbacks()
	assert.Equal(t, []string{"web:google", "web:ddg", "files:f", "apps_fb:a"}, ids(fb))
	assert.Equal(t, "google cats", fb[0].Item.Text())
}

func TestTriggerUsagePromotion(t *testing.T) {
	h := newTrigger("t", "t ", func(_ context.Context, q *query.Query) error {
		q.Add(
			query.NewItem("a", "Apple", ""),
			query.NewItem("b", "banana", ""),
			query.NewItem("c", "zeta", ""),
			query.NewItem("d", "Alpha", ""),
		)
		return nil
	})
	yesterday := time.Now().Add(-30 * time.Hour)
	u := newFakeUsage(
		usage.Activation{Query: "foo", Extension: "t", Item: "c"},
		usage.Activation{Query: "foo", Extension: "t", Item: "d"},
		usage.Activation{Query: "foo", Extension: "t", Item: "b", Time: yesterday},
		usage.Activation{Query: "other", Extension: "t", Item: "a"},
	)
	e, _ := setup(t, query.Config{Usage: u}, h)

	q := e.Query("t foo")
	wait(t, q)
	assert.Equal(t, []string{"t:d", "t:c", "t:b", "t:a"}, ids(q.Matches()))

	q = e.Query("t bar")
	wait(t, q)
	assert.Equal(t, []string{"t:a", "t:b", "t:c", "t:d"}, ids(q.Matches()), "no usage for this input keeps handler order")
}

func TestActivate(t *testing.T) {
	var ran bool
	g := newGlobal("apps", func(context.Context, *query.Query) ([]query.RankItem, error) {
		return []query.RankItem{
			{Item: query.NewItem("firefox", "Firefox", "", query.Action{ID: "run", Text: "Run", Run: func() error {
				ran = true
				return nil
			}}), Relevance: 1},
			{Item: query.NewItem("bare", "Bare", ""), Relevance: 0.5},
		}, nil
	})
	u := newFakeUsage()
	e, _ := setup(t, query.Config{Usage: u}, g)

	q := e.Query("fi")
	wait(t, q)
	ms := q.Matches()
	require.Len(t, ms, 2)

	ctx := context.Background()
	require.NoError(t, q.Activate(ctx, ms[0], ""))
	assert.True(t, ran)
	acts := u.Activations()
	require.Len(t, acts, 1)
	assert.Equal(t, "fi", acts[0].Query)
	assert.Equal(t, "apps", acts[0].Extension)
	assert.Equal(t, "firefox", acts[0].Item)
	assert.Equal(t, "run", acts[0].Action)

	assert.ErrorIs(t, q.Activate(ctx, ms[0], "missing"), query.ErrActionNotFound)
	assert.ErrorIs(t, q.Activate(ctx, ms[1], ""), query.ErrActionNotFound)
}

func TestHandlersFollowRegistry(t *testing.T) {
	e, r := setup(t, query.Config{})
	calc := newTrigger("calc", "calc ", echo("r"))
	apps := newGlobal("apps", ranked("a", 1.0))

	require.NoError(t, r.Register(calc))
	require.NoError(t, r.Register(apps))
	assert.Equal(t, map[string]string{"calc ": "calc"}, e.ActiveTriggers())
	assert.Len(t, e.GlobalHandlers(), 1)

	require.NoError(t, r.Deregister(calc))
	require.NoError(t, r.Deregister(apps))
	assert.Empty(t, e.ActiveTriggers())
	assert.Empty(t, e.GlobalHandlers())
	assert.Empty(t, e.TriggerHandlers())
}

type lateAdder struct {
	q chan *query.Query
}

func (lateAdder) QueryStarted(query.Kind)                            {}
func (lateAdder) QueryFinished(query.Kind, time.Duration, int, bool) {}

func (l lateAdder) HandlerFinished(string, time.Duration, error) {
	q := <-l.q
	q.Add(query.NewItem("late", "late", ""))
}

func TestTriggerAddAfterReturnDropped(t *testing.T) {
	obs := lateAdder{q: make(chan *query.Query, 1)}
	h := newTrigger("t", "t ", func(_ context.Context, q *query.Query) error {
		q.Add(query.NewItem("a", "a", ""))
		obs.q <- q
		return nil
	})
	u := newFakeUsage(usage.Activation{Query: "x", Extension: "t", Item: "late"})
	e, _ := setup(t, query.Config{Usage: u, Observer: obs}, h)

	q := e.Query("t x")
	wait(t, q)
	assert.Equal(t, []string{"t:a"}, ids(q.Matches()))
}
