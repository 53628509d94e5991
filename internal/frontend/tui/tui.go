// Package tui is a terminal frontend built on tcell.
//
// The screen is owned by the goroutine running Run. Calls from other
// goroutines are posted to it as interrupt events.
package tui

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/frontend"
	"github.com/dshills/lodestar/internal/logging"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/prompt"
	"github.com/dshills/lodestar/internal/query"
)

// ID is the plugin id of the terminal frontend.
const ID = "tui"

// ErrNotRunning is returned by Confirm when the interface is not running.
var ErrNotRunning = errors.New("terminal frontend is not running")

// sessionCloseTimeout bounds waiting for running queries on exit.
const sessionCloseTimeout = 3 * time.Second

// Option configures a TUI.
type Option func(*TUI)

// WithScreen sets the screen factory, for tests.
func WithScreen(newScreen func() (tcell.Screen, error)) Option {
	return func(t *TUI) { t.newScreen = newScreen }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *TUI) { t.log = l }
}

type mode int

const (
	modeResults mode = iota
	modeActions
	modeConfirm
)

// row is one selectable line of the result list.
type row struct {
	match    query.Match
	fallback bool
}

type confirmation struct {
	title string
	desc  string
	reply chan bool
}

// stop ends the event loop.
type stop struct{}

// TUI is the terminal frontend.
type TUI struct {
	extension.Base
	newScreen func() (tcell.Screen, error)
	log       *logging.Logger

	mu      sync.Mutex
	screen  tcell.Screen
	pending string

	visible atomic.Bool

	// Owned by the Run goroutine.
	host      frontend.Host
	ctx       context.Context
	session   *query.Session
	input     []rune
	cursor    int
	query     *query.Query
	rows      []row
	selected  int
	mode      mode
	actionRow row
	confirm   *confirmation
	status    string
}

// New creates the terminal frontend.
func New(opts ...Option) *TUI {
	t := &TUI{
		Base:      extension.NewBase(ID, "Terminal", "Full screen terminal interface"),
		newScreen: tcell.NewScreen,
		log:       logging.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.WithComponent("tui")
	t.visible.Store(true)
	return t
}

var _ frontend.Frontend = (*TUI)(nil)

// post runs fn on the event loop. It reports false when the loop is not
// running.
func (t *TUI) post(fn func()) bool {
	t.mu.Lock()
	s := t.screen
	t.mu.Unlock()
	if s == nil {
		return false
	}
	return s.PostEvent(tcell.NewEventInterrupt(fn)) == nil
}

// Show implements frontend.Frontend.
func (t *TUI) Show(text string) {
	t.visible.Store(true)
	if !t.post(func() {
		if text != "" {
			t.setInput(text)
		}
	}) && text != "" {
		t.mu.Lock()
		t.pending = text
		t.mu.Unlock()
	}
}

// Hide implements frontend.Frontend.
func (t *TUI) Hide() {
	t.visible.Store(false)
	t.post(func() {})
}

// Toggle implements frontend.Frontend.
func (t *TUI) Toggle() {
	if t.visible.Load() {
		t.Hide()
	} else {
		t.Show("")
	}
}

// IsVisible implements frontend.Frontend.
func (t *TUI) IsVisible() bool { return t.visible.Load() }

// Confirm implements plugin.Confirmer by asking in the interface.
func (t *TUI) Confirm(ctx context.Context, req plugin.ConfirmRequest) (bool, error) {
	c := &confirmation{
		title: prompt.Title(req),
		desc:  prompt.Describe(req),
		reply: make(chan bool, 1),
	}
	if !t.post(func() {
		t.visible.Store(true)
		t.confirm = c
		t.mode = modeConfirm
	}) {
		return false, ErrNotRunning
	}
	select {
	case ok := <-c.reply:
		return ok, nil
	case <-ctx.Done():
		t.post(func() {
			if t.confirm == c {
				t.answer(false)
			}
		})
		return false, ctx.Err()
	}
}

// Run implements frontend.Frontend.
func (t *TUI) Run(ctx context.Context, host frontend.Host) error {
	screen, err := t.newScreen()
	if err != nil {
		return fmt.Errorf("create screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("init screen: %w", err)
	}
	defer screen.Fini()

	t.host = host
	t.ctx = ctx
	t.session = query.NewSession(host.Engine(), func(q *query.Query) {
		t.post(func() { t.refresh(q) })
	})
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
		defer cancel()
		if err := t.session.Close(cctx); err != nil {
			t.log.Warn("close session: %v", err)
		}
	}()

	t.mu.Lock()
	t.screen = screen
	initial := t.pending
	t.pending = ""
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.screen = nil
		t.mu.Unlock()
		if t.confirm != nil {
			t.answer(false)
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = screen.PostEvent(tcell.NewEventInterrupt(stop{}))
		case <-done:
		}
	}()

	t.setInput(initial)
	t.draw(screen)
	for {
		switch ev := screen.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventResize:
			screen.Sync()
		case *tcell.EventKey:
			if t.handleKey(ev) {
				return nil
			}
		case *tcell.EventInterrupt:
			switch d := ev.Data().(type) {
			case stop:
				return nil
			case func():
				d()
			}
		}
		t.draw(screen)
	}
}

// setInput replaces the input and starts a query for it.
func (t *TUI) setInput(text string) {
	t.input = []rune(text)
	t.cursor = len(t.input)
	t.inputChanged()
}

func (t *TUI) inputChanged() {
	t.mode = modeResults
	t.rows = nil
	t.selected = 0
	t.status = ""
	t.query = t.session.Query(string(t.input))
	if t.query != nil && t.query.IsFinished() {
		t.refresh(t.query)
	}
}

// refresh rebuilds the rows from q if it is still the current query.
func (t *TUI) refresh(q *query.Query) {
	if q == nil || q != t.session.Current() {
		return
	}
	t.query = q
	var rows []row
	for _, m := range q.Matches() {
		rows = append(rows, row{match: m})
	}
	if len(rows) == 0 && q.IsFinished() && q.Kind() != query.KindEmpty {
		for _, m := range q.Fallbacks() {
			rows = append(rows, row{match: m, fallback: true})
		}
	}
	t.rows = rows
	if t.selected >= len(rows) {
		t.selected = max(0, len(rows)-1)
	}
}

// activate runs the action of r. Actions may block or ask for
// confirmation, so they run off the event loop.
func (t *TUI) activate(r row, actionID string) {
	q := t.query
	if q == nil {
		return
	}
	ctx := t.ctx
	go func() {
		err := q.Activate(ctx, r.match, actionID)
		t.post(func() {
			if err != nil {
				t.status = err.Error()
				return
			}
			t.visible.Store(false)
			t.setInput("")
		})
	}()
}

func (t *TUI) answer(ok bool) {
	c := t.confirm
	t.confirm = nil
	t.mode = modeResults
	if c != nil {
		c.reply <- ok
	}
}
