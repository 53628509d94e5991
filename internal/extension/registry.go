// Package extension holds the directory of live extension instances.
//
// An extension is any object a loaded plugin exposes to the rest of the
// launcher. Consumers never see the whole population; they ask for the
// instances implementing one capability interface with Of, or observe them
// with Watch.
package extension

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrDuplicateID is returned when registering an id that is already live.
var ErrDuplicateID = errors.New("extension id already registered")

// ErrNotRegistered is returned when deregistering an unknown extension.
var ErrNotRegistered = errors.New("extension not registered")

// Extension is the minimal contract every extension satisfies.
type Extension interface {
	ID() string
	Name() string
	Description() string
}

// Registry is a capability-indexed set of live extensions.
//
// Mutations are expected from the control goroutine only; lookups are safe
// from any goroutine and always return a private copy.
type Registry struct {
	mu       sync.RWMutex
	exts     map[string]Extension
	watchers []*watcher
}

type watcher struct {
	accept   func(Extension) bool
	onAdd    func(Extension)
	onRemove func(Extension)
	removed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{exts: make(map[string]Extension)}
}

// Register adds e and notifies every interested watcher before returning.
func (r *Registry) Register(e Extension) error {
	if e == nil {
		return errors.New("extension is nil")
	}
	id := e.ID()
	if strings.TrimSpace(id) == "" {
		return errors.New("extension id is empty")
	}

	r.mu.Lock()
	if _, exists := r.exts[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("extension %q: %w", id, ErrDuplicateID)
	}
	r.exts[id] = e
	ws := r.snapshotWatchers()
	r.mu.Unlock()

	for _, w := range ws {
		if w.onAdd != nil && w.accept(e) {
			w.onAdd(e)
		}
	}
	return nil
}

// Deregister removes e and notifies every interested watcher before returning.
func (r *Registry) Deregister(e Extension) error {
	if e == nil {
		return errors.New("extension is nil")
	}
	id := e.ID()

	r.mu.Lock()
	current, exists := r.exts[id]
	if !exists || current != e {
		r.mu.Unlock()
		return fmt.Errorf("extension %q: %w", id, ErrNotRegistered)
	}
	delete(r.exts, id)
	ws := r.snapshotWatchers()
	r.mu.Unlock()

	for i := len(ws) - 1; i >= 0; i-- {
		w := ws[i]
		if w.onRemove != nil && w.accept(e) {
			w.onRemove(e)
		}
	}
	return nil
}

// Get returns the extension registered under id.
func (r *Registry) Get(id string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.exts[id]
	return e, ok
}

// All returns every live extension sorted by id.
func (r *Registry) All() []Extension {
	r.mu.RLock()
	out := make([]Extension, 0, len(r.exts))
	for _, e := range r.exts {
		out = append(out, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Extension) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

// Len returns the number of live extensions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.exts)
}

// snapshotWatchers must be called with mu held.
func (r *Registry) snapshotWatchers() []*watcher {
	out := make([]*watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		if !w.removed {
			out = append(out, w)
		}
	}
	return out
}

func (r *Registry) addWatcher(w *watcher) []Extension {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, w)

	existing := make([]Extension, 0, len(r.exts))
	for _, e := range r.exts {
		if w.accept(e) {
			existing = append(existing, e)
		}
	}
	slices.SortFunc(existing, func(a, b Extension) int { return strings.Compare(a.ID(), b.ID()) })
	return existing
}

func (r *Registry) removeWatcher(w *watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.removed = true
	r.watchers = slices.DeleteFunc(r.watchers, func(x *watcher) bool { return x == w })
}

// Of returns the live extensions implementing T, sorted by id.
func Of[T any](r *Registry) []T {
	all := r.All()
	out := make([]T, 0, len(all))
	for _, e := range all {
		if t, ok := e.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// Lookup returns the extension registered under id if it implements T.
func Lookup[T any](r *Registry, id string) (T, bool) {
	var zero T
	e, ok := r.Get(id)
	if !ok {
		return zero, false
	}
	t, ok := e.(T)
	return t, ok
}

// Watch calls onAdd for every extension implementing T that is already live,
// then for each one registered later; onRemove is called when such an
// extension is deregistered. Callbacks run synchronously on the goroutine that
// mutates the registry, after its lock is released. Either callback may be nil.
// The returned function stops the watch.
func Watch[T any](r *Registry, onAdd, onRemove func(T)) func() {
	w := &watcher{
		accept: func(e Extension) bool {
			_, ok := e.(T)
			return ok
		},
	}
	if onAdd != nil {
		w.onAdd = func(e Extension) { onAdd(e.(T)) }
	}
	if onRemove != nil {
		w.onRemove = func(e Extension) { onRemove(e.(T)) }
	}

	existing := r.addWatcher(w)
	if w.onAdd != nil {
		for _, e := range existing {
			w.onAdd(e)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.removeWatcher(w) })
	}
}
