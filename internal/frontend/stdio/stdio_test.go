package stdio

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/plugin/plugintest"
	"github.com/dshills/lodestar/internal/query"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type echo struct {
	extension.Base
	mu        sync.Mutex
	activated []string
}

func (*echo) DefaultTrigger() string      { return "e " }
func (*echo) AllowTriggerRemap() bool     { return false }
func (*echo) SupportsFuzzyMatching() bool { return false }
func (*echo) SetFuzzyMatching(bool)       {}
func (*echo) SetTrigger(string)           {}

func (e *echo) HandleTriggerQuery(_ context.Context, q *query.Query) error {
	text := q.String()
	q.Add(query.NewItem(text, text, "echoed",
		query.Action{ID: "first", Text: "First", Run: func() error { e.record("first:" + text); return nil }},
		query.Action{ID: "second", Text: "Second", Run: func() error { e.record("second:" + text); return nil }},
	))
	return nil
}

func (e *echo) record(s string) {
	e.mu.Lock()
	e.activated = append(e.activated, s)
	e.mu.Unlock()
}

func (e *echo) Activated() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.activated...)
}

type search struct{ extension.Base }

func (*search) Fallbacks(s string) []query.Item {
	return []query.Item{query.NewItem("search", "Search "+s, "")}
}

type host struct{ engine *query.Engine }

func (h host) Engine() *query.Engine   { return h.engine }
func (h host) Notifications() []string { return []string{"plugin x failed"} }
func (h host) Quit()                   {}
func (h host) Restart()                {}
func (h host) Report() []string        { return []string{"report line"} }

type harness struct {
	t    *testing.T
	fe   *Frontend
	echo *echo
	in   *io.PipeWriter
	out  *syncBuffer
	done chan error
}

func start(t *testing.T) *harness {
	t.Helper()
	e := &echo{Base: extension.NewBase("echo", "Echo", "")}
	exts := extension.NewRegistry()
	require.NoError(t, exts.Register(e))
	require.NoError(t, exts.Register(&search{Base: extension.NewBase("search", "Search", "")}))
	engine := query.NewEngine(exts, query.Config{})
	engine.Start()
	t.Cleanup(engine.Stop)

	pr, pw := io.Pipe()
	out := &syncBuffer{}
	fe := New(WithIO(pr, out), WithWait(2*time.Second))
	h := &harness{t: t, fe: fe, echo: e, in: pw, out: out, done: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- fe.Run(ctx, host{engine: engine}) }()
	t.Cleanup(func() {
		cancel()
		_ = pw.Close()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return")
		}
	})
	return h
}

func (h *harness) send(line string) {
	h.t.Helper()
	_, err := io.WriteString(h.in, line+"\n")
	require.NoError(h.t, err)
}

func (h *harness) expect(want string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return strings.Contains(h.out.String(), want)
	}, 3*time.Second, 10*time.Millisecond, "output never contained %q:\n%s", want, h.out.String())
}

func TestQueryAndActivate(t *testing.T) {
	h := start(t)

	h.send("e hello")
	h.expect("1. hello  (echoed)")

	h.send("!1")
	h.expect("activated hello")
	assert.Equal(t, []string{"first:hello"}, h.echo.Activated())

	h.send(":a 1")
	h.expect("  1.2 Second")

	h.send("!1.2")
	require.Eventually(t, func() bool { return len(h.echo.Activated()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "second:hello", h.echo.Activated()[1])
}

func TestFallbacks(t *testing.T) {
	h := start(t)
	h.send("nothing matches")
	h.expect("~1. Search nothing matches")
}

func TestBadReferences(t *testing.T) {
	h := start(t)
	h.send("!1")
	h.expect(`no result "1"`)

	h.send("e x")
	h.expect("1. x")
	h.send("!1.9")
	h.expect(`no action "1.9"`)
}

func TestHostCommands(t *testing.T) {
	h := start(t)
	h.send(":errors")
	h.expect("plugin x failed")
	h.send(":report")
	h.expect("report line")
}

func TestShowRunsQuery(t *testing.T) {
	h := start(t)
	h.fe.Hide()
	assert.False(t, h.fe.IsVisible())
	h.fe.Show("e shown")
	assert.True(t, h.fe.IsVisible())
	h.expect("1. shown")
}

func TestConfirm(t *testing.T) {
	h := start(t)
	h.send(":report")
	h.expect("report line")

	r := plugin.NewRegistry(extension.NewRegistry(), plugin.RegistryConfig{Confirmer: h.fe})
	require.NoError(t, r.AddProvider(context.Background(),
		plugintest.NewProvider("mem", plugintest.NewLoader("a"), plugintest.NewLoader("b", "a"))))

	errc := make(chan error, 1)
	go func() { errc <- r.Enable(context.Background(), "b") }()
	h.expect("Enable b?\nThis also enables its dependencies: a\n[y/N] ")
	h.send("n")

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, plugin.ErrCancelled)
	case <-time.After(3 * time.Second):
		t.Fatal("Enable did not return")
	}
	a, _ := r.Entry("a")
	assert.False(t, a.Enabled())
}

func TestQuitAndEOF(t *testing.T) {
	h := start(t)
	h.send(":q")
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after :q")
	}

	h2 := start(t)
	require.NoError(t, h2.in.Close())
	select {
	case err := <-h2.done:
		assert.NoError(t, err)
		h2.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return at end of input")
	}
}

func TestConfirmNotRunning(t *testing.T) {
	_, err := New().Confirm(context.Background(), plugin.ConfirmRequest{})
	assert.ErrorIs(t, err, ErrNotRunning)
}
