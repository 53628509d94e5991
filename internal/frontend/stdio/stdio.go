// Package stdio is a line based frontend reading queries from an input
// stream and printing numbered results.
//
// Each input line is a query, except for the commands:
//
//	!N      activate result N
//	!N.M    activate action M of result N
//	:a N    list the actions of result N
//	:errors print collected errors
//	:report print diagnostics
//	:q      quit
//
// While a confirmation is pending the next line answers it.
package stdio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/frontend"
	"github.com/dshills/lodestar/internal/logging"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/prompt"
	"github.com/dshills/lodestar/internal/query"
)

// ID is the plugin id of the stdio frontend.
const ID = "stdio"

// ErrNotRunning is returned by Confirm when the frontend is not running.
var ErrNotRunning = errors.New("stdio frontend is not running")

// DefaultWait bounds how long a query may run before its results are
// printed anyway.
const DefaultWait = 5 * time.Second

// Option configures a Frontend.
type Option func(*Frontend)

// WithIO sets the input and output streams.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(f *Frontend) {
		f.in = in
		f.out = out
	}
}

// WithWait sets how long to wait for a query before printing.
func WithWait(d time.Duration) Option {
	return func(f *Frontend) { f.wait = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(f *Frontend) { f.log = l }
}

type confirmation struct {
	req   plugin.ConfirmRequest
	reply chan bool
}

// Frontend is the stdio frontend.
type Frontend struct {
	extension.Base
	in   io.Reader
	out  io.Writer
	wait time.Duration
	log  *logging.Logger

	outMu sync.Mutex

	visible  atomic.Bool
	running  atomic.Bool
	confirms chan *confirmation
	shows    chan string

	// Owned by the Run goroutine.
	session *query.Session
	query   *query.Query
	rows    []query.Match
}

// New creates the stdio frontend.
func New(opts ...Option) *Frontend {
	f := &Frontend{
		Base:     extension.NewBase(ID, "Standard streams", "Line based interface on stdin and stdout"),
		in:       os.Stdin,
		out:      os.Stdout,
		wait:     DefaultWait,
		log:      logging.Nop(),
		confirms: make(chan *confirmation),
		shows:    make(chan string, 8),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.WithComponent("stdio")
	f.visible.Store(true)
	return f
}

var _ frontend.Frontend = (*Frontend)(nil)

func (f *Frontend) printf(format string, args ...any) {
	f.outMu.Lock()
	defer f.outMu.Unlock()
	fmt.Fprintf(f.out, format, args...)
}

// Show implements frontend.Frontend. A non-empty text is run as a query.
func (f *Frontend) Show(text string) {
	f.visible.Store(true)
	if text == "" {
		return
	}
	select {
	case f.shows <- text:
	default:
		f.log.Warn("dropping show request %q", text)
	}
}

// Hide implements frontend.Frontend.
func (f *Frontend) Hide() { f.visible.Store(false) }

// Toggle implements frontend.Frontend.
func (f *Frontend) Toggle() { f.visible.Store(!f.visible.Load()) }

// IsVisible implements frontend.Frontend.
func (f *Frontend) IsVisible() bool { return f.visible.Load() }

// Confirm implements plugin.Confirmer. The question is printed and the next
// input line answers it.
func (f *Frontend) Confirm(ctx context.Context, req plugin.ConfirmRequest) (bool, error) {
	if !f.running.Load() {
		return false, ErrNotRunning
	}
	c := &confirmation{req: req, reply: make(chan bool, 1)}
	select {
	case f.confirms <- c:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case ok := <-c.reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Run implements frontend.Frontend. It returns when the input ends, the
// user quits or ctx is done.
func (f *Frontend) Run(ctx context.Context, host frontend.Host) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.session = query.NewSession(host.Engine(), nil)
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer ccancel()
		if err := f.session.Close(cctx); err != nil {
			f.log.Warn("close session: %v", err)
		}
	}()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(f.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	f.running.Store(true)
	var runs sync.WaitGroup
	defer func() {
		f.running.Store(false)
		cancel()
		runs.Wait()
	}()

	var pending *confirmation
	decline := func() {
		if pending != nil {
			pending.reply <- false
			pending = nil
		}
	}
	for {
		select {
		case <-ctx.Done():
			decline()
			return nil
		case err := <-readErr:
			decline()
			f.running.Store(false)
			f.drain(&runs)
			return err
		case c := <-f.confirms:
			pending = c
			f.printf("%s\n%s\n[y/N] ", prompt.Title(c.req), prompt.Describe(c.req))
		case text := <-f.shows:
			f.runQuery(ctx, text)
		case line := <-lines:
			if pending != nil {
				answer := strings.ToLower(strings.TrimSpace(line))
				pending.reply <- answer == "y" || answer == "yes"
				pending = nil
				continue
			}
			if f.command(ctx, host, line, &runs) {
				return nil
			}
		}
	}
}

// drain waits for running activations once the input ended, declining
// confirmations they ask for.
func (f *Frontend) drain(runs *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		runs.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			return
		case c := <-f.confirms:
			c.reply <- false
		}
	}
}

// command handles one input line and reports whether to quit.
func (f *Frontend) command(ctx context.Context, host frontend.Host, line string, runs *sync.WaitGroup) bool {
	switch {
	case line == ":q" || line == ":quit":
		return true
	case line == ":errors":
		for _, n := range host.Notifications() {
			f.printf("%s\n", n)
		}
	case line == ":report":
		for _, l := range host.Report() {
			f.printf("%s\n", l)
		}
	case strings.HasPrefix(line, ":a "):
		n, err := strconv.Atoi(strings.TrimSpace(line[3:]))
		if err != nil || n < 1 || n > len(f.rows) {
			f.printf("no result %q\n", strings.TrimSpace(line[3:]))
			return false
		}
		for i, a := range f.rows[n-1].Item.Actions() {
			f.printf("  %d.%d %s\n", n, i+1, a.Text)
		}
	case strings.HasPrefix(line, "!"):
		m, actionID, err := f.target(line[1:])
		if err != nil {
			f.printf("%v\n", err)
			return false
		}
		q := f.query
		runs.Add(1)
		go func() {
			defer runs.Done()
			if err := q.Activate(ctx, m, actionID); err != nil {
				f.printf("error: %v\n", err)
				return
			}
			f.printf("activated %s\n", m.Item.Text())
		}()
	default:
		f.runQuery(ctx, line)
	}
	return false
}

// target resolves "N" or "N.M" to a result and action id.
func (f *Frontend) target(ref string) (query.Match, string, error) {
	nStr, mStr, hasAction := strings.Cut(strings.TrimSpace(ref), ".")
	n, err := strconv.Atoi(nStr)
	if err != nil || n < 1 || n > len(f.rows) || f.query == nil {
		return query.Match{}, "", fmt.Errorf("no result %q", ref)
	}
	m := f.rows[n-1]
	if !hasAction {
		return m, "", nil
	}
	actions := m.Item.Actions()
	a, err := strconv.Atoi(mStr)
	if err != nil || a < 1 || a > len(actions) {
		return query.Match{}, "", fmt.Errorf("no action %q", ref)
	}
	return m, actions[a-1].ID, nil
}

// runQuery runs text, waits for it to finish and prints the results, or the
// fallbacks when nothing matched.
func (f *Frontend) runQuery(ctx context.Context, text string) {
	q := f.session.Query(text)
	f.query = q
	f.rows = nil
	if q == nil {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, f.wait)
	err := q.Wait(wctx)
	cancel()
	if err != nil && ctx.Err() != nil {
		return
	}

	rows := q.Matches()
	fallback := false
	if len(rows) == 0 && q.Kind() != query.KindEmpty {
		rows = q.Fallbacks()
		fallback = true
	}
	f.rows = rows

	for i, m := range rows {
		marker := ""
		if fallback {
			marker = "~"
		}
		line := fmt.Sprintf("%s%d. %s", marker, i+1, m.Item.Text())
		if sub := m.Item.Subtext(); sub != "" {
			line += "  (" + sub + ")"
		}
		f.printf("%s\n", line)
	}
	if err != nil {
		f.printf("(still running, %d result(s) so far)\n", len(rows))
	} else if len(rows) == 0 && q.Kind() != query.KindEmpty {
		f.printf("no results\n")
	}
}
