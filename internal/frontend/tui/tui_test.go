package tui

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/plugin/plugintest"
	"github.com/dshills/lodestar/internal/query"
)

// upper is a trigger handler answering "up <text>" with the upper cased
// text.
type upper struct {
	extension.Base
	mu        sync.Mutex
	activated []string
}

func (*upper) DefaultTrigger() string      { return "up " }
func (*upper) AllowTriggerRemap() bool     { return false }
func (*upper) SupportsFuzzyMatching() bool { return false }
func (*upper) SetFuzzyMatching(bool)       {}
func (*upper) SetTrigger(string)           {}

func (u *upper) HandleTriggerQuery(_ context.Context, q *query.Query) error {
	text := strings.ToUpper(q.String())
	q.Add(query.NewItem("result", text, "upper cased", query.Action{
		ID: "copy", Text: "Copy",
		Run: func() error {
			u.mu.Lock()
			u.activated = append(u.activated, text)
			u.mu.Unlock()
			return nil
		},
	}))
	return nil
}

func (u *upper) Activated() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.activated...)
}

type host struct {
	engine *query.Engine
	quit   chan struct{}
}

func (h *host) Engine() *query.Engine   { return h.engine }
func (h *host) Notifications() []string { return []string{"boom"} }
func (h *host) Quit()                   { close(h.quit) }
func (h *host) Restart()                {}
func (h *host) Report() []string        { return nil }

type harness struct {
	t      *testing.T
	screen tcell.SimulationScreen
	tui    *TUI
	up     *upper
	done   chan error
	cancel context.CancelFunc
}

func start(t *testing.T) *harness {
	t.Helper()
	up := &upper{Base: extension.NewBase("upper", "Upper", "")}
	exts := extension.NewRegistry()
	require.NoError(t, exts.Register(up))
	engine := query.NewEngine(exts, query.Config{})
	engine.Start()
	t.Cleanup(engine.Stop)

	screen := tcell.NewSimulationScreen("UTF-8")
	tui := New(WithScreen(func() (tcell.Screen, error) { return screen, nil }))
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, screen: screen, tui: tui, up: up, done: make(chan error, 1), cancel: cancel}
	go func() { h.done <- tui.Run(ctx, &host{engine: engine, quit: make(chan struct{})}) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return")
		}
	})
	h.waitLine(0, "> ")
	return h
}

func (h *harness) line(y int) string {
	cells, w, _ := h.screen.GetContents()
	var b strings.Builder
	for x := 0; x < w; x++ {
		c := cells[y*w+x]
		if len(c.Runes) > 0 {
			b.WriteRune(c.Runes[0])
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.TrimRight(b.String(), " ")
}

func (h *harness) waitLine(y int, want string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return strings.Contains(h.line(y), want)
	}, 3*time.Second, 10*time.Millisecond, "line %d never contained %q", y, want)
}

func (h *harness) typeText(s string) {
	for _, r := range s {
		h.screen.InjectKey(tcell.KeyRune, r, tcell.ModNone)
	}
}

func TestTypeAndActivate(t *testing.T) {
	h := start(t)

	h.typeText("up hello")
	h.waitLine(0, "> up hello")
	h.waitLine(2, "HELLO")
	h.waitLine(1, "upper: 1 result(s), done")
	assert.Contains(t, h.line(2), "upper cased")

	_, _, height := h.screen.GetContents()
	assert.Contains(t, h.line(height-1), "1 error(s): boom")

	h.screen.InjectKey(tcell.KeyEnter, 0, tcell.ModNone)
	require.Eventually(t, func() bool { return len(h.up.Activated()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"HELLO"}, h.up.Activated())

	// Activation hides the interface and clears the input.
	require.Eventually(t, func() bool { return !h.tui.IsVisible() }, 3*time.Second, 10*time.Millisecond)
	h.waitLine(0, "hidden")
}

func TestEditing(t *testing.T) {
	h := start(t)

	h.typeText("up abc")
	h.waitLine(2, "ABC")
	h.screen.InjectKey(tcell.KeyBackspace2, 0, tcell.ModNone)
	h.waitLine(0, "> up ab")
	h.waitLine(2, "AB")

	h.screen.InjectKey(tcell.KeyCtrlU, 0, tcell.ModNone)
	require.Eventually(t, func() bool { return h.line(0) == ">" }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "", h.line(2))
}

func TestShowHideFromOtherGoroutines(t *testing.T) {
	h := start(t)

	h.tui.Hide()
	h.waitLine(0, "hidden")
	assert.False(t, h.tui.IsVisible())

	h.tui.Show("up shown")
	h.waitLine(0, "> up shown")
	h.waitLine(2, "SHOWN")
	assert.True(t, h.tui.IsVisible())

	h.tui.Toggle()
	h.waitLine(0, "hidden")
	h.tui.Toggle()
	h.waitLine(0, "> up shown")
}

func TestConfirm(t *testing.T) {
	h := start(t)

	r := plugin.NewRegistry(extension.NewRegistry(), plugin.RegistryConfig{Confirmer: h.tui})
	require.NoError(t, r.AddProvider(context.Background(),
		plugintest.NewProvider("mem", plugintest.NewLoader("a"), plugintest.NewLoader("b", "a"))))

	errc := make(chan error, 1)
	go func() { errc <- r.Enable(context.Background(), "b") }()
	h.waitLine(2, "Enable b?")
	h.waitLine(3, "dependencies: a")

	h.typeText("y")
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Enable did not return")
	}
	a, _ := r.Entry("a")
	assert.True(t, a.Enabled())
}

func TestCtrlCQuits(t *testing.T) {
	h := start(t)
	h.screen.InjectKey(tcell.KeyCtrlC, 0, tcell.ModNone)
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after ctrl+c")
	}
}

func TestConfirmNotRunning(t *testing.T) {
	_, err := New().Confirm(context.Background(), plugin.ConfirmRequest{})
	assert.ErrorIs(t, err, ErrNotRunning)
}
