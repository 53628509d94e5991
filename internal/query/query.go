package query

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/lodestar/internal/usage"
)

// Kind tells how a query is executed.
type Kind int

const (
	// KindEmpty is an empty input that runs no handler.
	KindEmpty Kind = iota
	// KindTrigger runs exactly one trigger handler.
	KindTrigger
	// KindGlobal runs every enabled global handler.
	KindGlobal
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindTrigger:
		return "trigger"
	case KindGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// Query is one cancellable unit of work for one input string.
//
// A Query is returned by Engine.Query before any handler ran. Results
// arrive asynchronously; Done is closed once the work finished.
type Query struct {
	id      uuid.UUID
	kind    Kind
	input   string
	trigger string
	str     string
	started time.Time

	engine  *Engine
	handler TriggerHandler
	globals []GlobalHandler
	scores  *usage.Scores

	ctx    context.Context
	cancel context.CancelFunc

	valid    atomic.Bool
	finished atomic.Bool
	done     chan struct{}

	mu                sync.Mutex
	closed            bool
	matches           []Match
	fallbacks         []Match
	fallbacksComputed bool
	onChange          func(*Query)
}

func newQuery(e *Engine, kind Kind, input, trigger string) *Query {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Query{
		id:      uuid.New(),
		kind:    kind,
		input:   input,
		trigger: trigger,
		str:     input[len(trigger):],
		started: time.Now(),
		engine:  e,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	q.valid.Store(true)
	return q
}

// ID returns a unique id of the query.
func (q *Query) ID() uuid.UUID { return q.id }

// Kind returns how the query is executed.
func (q *Query) Kind() Kind { return q.kind }

// Input returns the raw input.
func (q *Query) Input() string { return q.input }

// Trigger returns the matched trigger, or "" for global queries.
func (q *Query) Trigger() string { return q.trigger }

// String returns the text handlers search for: the input without the
// trigger.
func (q *Query) String() string { return q.str }

// Handler returns the id of the trigger handler, or "".
func (q *Query) Handler() string {
	if q.handler == nil {
		return ""
	}
	return q.handler.ID()
}

// IsValid reports whether the query is still wanted. Handlers poll it and
// stop producing results once it is false.
func (q *Query) IsValid() bool { return q.valid.Load() }

// IsFinished reports whether the work completed.
func (q *Query) IsFinished() bool { return q.finished.Load() }

// Done is closed when the work completed.
func (q *Query) Done() <-chan struct{} { return q.done }

// setOnChange sets a callback fired from the worker whenever results change
// and once on completion. It must be set before the query starts.
func (q *Query) setOnChange(fn func(*Query)) { q.onChange = fn }

// Cancel invalidates the query and cancels the handler context. Results
// produced afterwards are dropped. Cancel does not wait.
func (q *Query) Cancel() {
	q.valid.Store(false)
	q.cancel()
}

// Wait blocks until the work completed or ctx is done.
func (q *Query) Wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add appends items produced by the trigger handler. Items added after the
// handler returned, or once the query is cancelled, are dropped.
func (q *Query) Add(items ...Item) {
	if q.kind != KindTrigger || !q.IsValid() || len(items) == 0 {
		return
	}
	ext := q.Handler()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	for _, it := range items {
		if it == nil {
			continue
		}
		q.matches = append(q.matches, Match{Extension: ext, Item: it})
	}
	q.mu.Unlock()
	q.notify()
}

// Matches returns a copy of the current results.
func (q *Query) Matches() []Match {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.matches)
}

// Fallbacks returns the fallback items for the query, computing them on
// first use.
func (q *Query) Fallbacks() []Match {
	q.mu.Lock()
	if q.fallbacksComputed {
		defer q.mu.Unlock()
		return slices.Clone(q.fallbacks)
	}
	q.mu.Unlock()

	fb := q.engine.fallbacks(q)

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.fallbacksComputed {
		q.fallbacks = fb
		q.fallbacksComputed = true
	}
	return slices.Clone(q.fallbacks)
}

// Activate runs the action of m with the given id, or the first action when
// actionID is empty, and records the activation for usage scoring.
func (q *Query) Activate(ctx context.Context, m Match, actionID string) error {
	actions := m.Item.Actions()
	if len(actions) == 0 {
		return fmt.Errorf("item %s/%s: %w", m.Extension, m.Item.ID(), ErrActionNotFound)
	}
	action := actions[0]
	if actionID != "" {
		i := slices.IndexFunc(actions, func(a Action) bool { return a.ID == actionID })
		if i < 0 {
			return fmt.Errorf("action %q of %s/%s: %w", actionID, m.Extension, m.Item.ID(), ErrActionNotFound)
		}
		action = actions[i]
	}

	var runErr error
	if action.Run != nil {
		runErr = action.Run()
	}
	recErr := q.engine.RecordActivation(ctx, usage.Activation{
		Query:     q.str,
		Extension: m.Extension,
		Item:      m.Item.ID(),
		Action:    action.ID,
	})
	return errors.Join(runErr, recErr)
}

func (q *Query) setMatches(ms []Match) {
	q.mu.Lock()
	q.matches = ms
	q.mu.Unlock()
}

func (q *Query) notify() {
	if fn := q.onChange; fn != nil {
		fn(q)
	}
}

func (q *Query) closeAdds() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *Query) finish() {
	q.closeAdds()
	q.finished.Store(true)
	q.cancel()
	close(q.done)
	q.notify()
}
