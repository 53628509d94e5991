package plugin

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dshills/lodestar/internal/extension"
)

// Entry is one discovered plugin. The registry owns every entry; the plugin
// instance itself is owned by the entry's loader.
type Entry struct {
	mu sync.RWMutex

	md       Metadata
	loader   Loader
	provider Provider

	state     State
	reason    string
	loadOrder int
	enabled   bool

	dependencies []*Entry
	dependees    []*Entry

	instance   any
	extensions []extension.Extension
}

func newEntry(l Loader, p Provider) *Entry {
	return &Entry{
		md:        l.Metadata(),
		loader:    l,
		provider:  p,
		state:     StateUnloaded,
		loadOrder: -1,
	}
}

// ID returns the plugin id.
func (e *Entry) ID() string { return e.md.ID }

// Metadata returns the plugin metadata.
func (e *Entry) Metadata() Metadata { return e.md.Clone() }

// Path returns where the plugin was discovered.
func (e *Entry) Path() string { return e.loader.Path() }

// Provider returns the provider that announced the plugin.
func (e *Entry) Provider() Provider { return e.provider }

// IsUser reports whether this is a user plugin (not a frontend).
func (e *Entry) IsUser() bool { return e.md.IsUser() }

// State returns the current state.
func (e *Entry) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Reason returns the last failure reason, or "".
func (e *Entry) Reason() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reason
}

// LoadOrder returns the position in the global load sequence, or -1 for
// entries that never got one.
func (e *Entry) LoadOrder() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loadOrder
}

// Enabled reports the persisted enabled flag.
func (e *Entry) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// Instance returns the live instance, or nil unless Loaded.
func (e *Entry) Instance() any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instance
}

// Dependencies returns the direct dependencies.
func (e *Entry) Dependencies() []*Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.dependencies)
}

// Dependees returns the entries that directly depend on e.
func (e *Entry) Dependees() []*Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.dependees)
}

// TransitiveDependencies returns every entry e depends on, directly or not,
// in ascending load order.
func (e *Entry) TransitiveDependencies() []*Entry {
	return closure(e, (*Entry).Dependencies, false)
}

// TransitiveDependees returns every entry depending on e, directly or not,
// in descending load order.
func (e *Entry) TransitiveDependees() []*Entry {
	return closure(e, (*Entry).Dependees, true)
}

func closure(root *Entry, next func(*Entry) []*Entry, descending bool) []*Entry {
	seen := map[*Entry]bool{root: true}
	var out []*Entry
	stack := next(root)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		stack = append(stack, next(n)...)
	}
	sortByLoadOrder(out, descending)
	return out
}

func sortByLoadOrder(entries []*Entry, descending bool) {
	slices.SortStableFunc(entries, func(a, b *Entry) int {
		c := cmp.Compare(a.LoadOrder(), b.LoadOrder())
		if descending {
			return -c
		}
		return c
	})
}

// Info is a point-in-time view of an entry for display.
type Info struct {
	ID           string
	Name         string
	Version      string
	Description  string
	Path         string
	Provider     string
	State        State
	Reason       string
	LoadOrder    int
	Enabled      bool
	User         bool
	Dependencies []string
	Dependees    []string
}

// Info returns a snapshot of e.
func (e *Entry) Info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	info := Info{
		ID:          e.md.ID,
		Name:        e.md.Name,
		Version:     e.md.Version,
		Description: e.md.Description,
		Path:        e.loader.Path(),
		State:       e.state,
		Reason:      e.reason,
		LoadOrder:   e.loadOrder,
		Enabled:     e.enabled,
		User:        e.md.IsUser(),
	}
	if e.provider != nil {
		info.Provider = e.provider.ID()
	}
	for _, d := range e.dependencies {
		info.Dependencies = append(info.Dependencies, d.md.ID)
	}
	for _, d := range e.dependees {
		info.Dependees = append(info.Dependees, d.md.ID)
	}
	return info
}

func (e *Entry) setEnabled(v bool) {
	e.mu.Lock()
	e.enabled = v
	e.mu.Unlock()
}

func (e *Entry) invalidate(reason string) {
	e.mu.Lock()
	e.state = StateInvalid
	e.reason = reason
	e.mu.Unlock()
}

// begin moves an entry into Busy if it is in from. It reports whether the
// entry was already in the target state.
func (e *Entry) begin(from, to State) (done bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case to:
		return true, nil
	case StateInvalid:
		return false, fmt.Errorf("%w: %s", ErrInvalidPlugin, e.reason)
	case StateBusy:
		return false, ErrBusy
	case from:
		e.state = StateBusy
		return false, nil
	default:
		return false, fmt.Errorf("unexpected state %s", e.state)
	}
}

// load materializes the instance and registers its extensions. On failure
// the entry returns to Unloaded with the reason recorded.
func (e *Entry) load(ctx context.Context, exts *extension.Registry) error {
	if e.State() == StateInvalid {
		return &LoadError{ID: e.ID(), Op: "load", Err: fmt.Errorf("%w: %s", ErrInvalidPlugin, e.Reason())}
	}
	for _, dep := range e.Dependencies() {
		if dep.State() != StateLoaded {
			return &LoadError{ID: e.ID(), Op: "load", Err: fmt.Errorf("%w: %s", ErrDependencyNotLoaded, dep.ID())}
		}
	}

	if done, err := e.begin(StateUnloaded, StateLoaded); done || err != nil {
		if err != nil {
			return &LoadError{ID: e.ID(), Op: "load", Err: err}
		}
		return nil
	}

	instance, err := e.callLoad(ctx)
	if err == nil && instance == nil {
		err = ErrNilInstance
	}
	if err != nil {
		e.finish(StateUnloaded, err.Error(), nil, nil)
		return &LoadError{ID: e.ID(), Op: "load", Err: err}
	}

	var registered []extension.Extension
	for _, x := range extensionsOf(instance) {
		if rerr := exts.Register(x); rerr != nil {
			err = rerr
			break
		}
		registered = append(registered, x)
	}
	if err != nil {
		for i := len(registered) - 1; i >= 0; i-- {
			_ = exts.Deregister(registered[i])
		}
		err = errors.Join(err, e.loader.Unload(ctx))
		e.finish(StateUnloaded, err.Error(), nil, nil)
		return &LoadError{ID: e.ID(), Op: "load", Err: err}
	}

	e.finish(StateLoaded, "", instance, registered)
	return nil
}

// unload deregisters the extensions and destroys the instance. The entry
// ends Unloaded even if the loader reports an error.
func (e *Entry) unload(ctx context.Context, exts *extension.Registry) error {
	for _, d := range e.Dependees() {
		if d.State() == StateLoaded {
			return &LoadError{ID: e.ID(), Op: "unload", Err: fmt.Errorf("%w: %s", ErrDependeeLoaded, d.ID())}
		}
	}

	if done, err := e.begin(StateLoaded, StateUnloaded); done || err != nil {
		if err != nil && !errors.Is(err, ErrInvalidPlugin) {
			return &LoadError{ID: e.ID(), Op: "unload", Err: err}
		}
		return nil
	}

	e.mu.RLock()
	registered := e.extensions
	e.mu.RUnlock()

	var errs []error
	for i := len(registered) - 1; i >= 0; i-- {
		if err := exts.Deregister(registered[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.callUnload(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		e.finish(StateUnloaded, err.Error(), nil, nil)
		return &LoadError{ID: e.ID(), Op: "unload", Err: err}
	}
	e.finish(StateUnloaded, "", nil, nil)
	return nil
}

func (e *Entry) finish(state State, reason string, instance any, registered []extension.Extension) {
	e.mu.Lock()
	e.state = state
	e.reason = reason
	e.instance = instance
	e.extensions = registered
	e.mu.Unlock()
}

func (e *Entry) callLoad(ctx context.Context) (instance any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during load: %v", r)
		}
	}()
	return e.loader.Load(ctx)
}

func (e *Entry) callUnload(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during unload: %v", r)
		}
	}()
	return e.loader.Unload(ctx)
}
