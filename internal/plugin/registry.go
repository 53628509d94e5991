package plugin

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/logging"
)

// Settings persists per-plugin flags under "<id>/<key>" keys.
type Settings interface {
	Bool(key string, def bool) bool
	SetBool(key string, v bool) error
}

// EnabledKey returns the settings key holding the enabled flag of id.
func EnabledKey(id string) string {
	return id + "/enabled"
}

// RegistryConfig configures the plugin registry.
type RegistryConfig struct {
	// AutoLoad loads the enabled user plugins of a provider when it is added.
	AutoLoad bool

	// DefaultEnabled lists plugin ids that are enabled when no persisted
	// value exists.
	DefaultEnabled []string

	// Confirmer approves cascading enable and disable. Nil approves all.
	Confirmer Confirmer

	// Settings stores the enabled flags. Nil keeps them in memory only.
	Settings Settings

	// Logger receives diagnostics. Nil discards them.
	Logger *logging.Logger
}

// Registry coordinates every discovered plugin: dependency graph, load order,
// cascading enable/disable and load/unload.
//
// Control operations (provider sweeps, enable, disable, load, unload) are
// serialized. Providers registered as a side effect of a control operation
// are swept once that operation finishes.
type Registry struct {
	exts   *extension.Registry
	config RegistryConfig
	log    *logging.Logger

	// ctl serializes control operations.
	ctl sync.Mutex

	mu        sync.RWMutex
	entries   map[string]*Entry
	providers map[string]Provider
	nextOrder int
	handlers  map[uint64]EventHandler
	nextSub   uint64

	deferMu   sync.Mutex
	inControl bool
	deferred  []providerEvent

	stopWatch func()
}

type providerEvent struct {
	provider Provider
	added    bool
}

// NewRegistry creates a plugin registry backed by exts.
func NewRegistry(exts *extension.Registry, config RegistryConfig) *Registry {
	if config.Confirmer == nil {
		config.Confirmer = AlwaysConfirm
	}
	log := config.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{
		exts:      exts,
		config:    config,
		log:       log.WithComponent("plugins"),
		entries:   make(map[string]*Entry),
		providers: make(map[string]Provider),
		handlers:  make(map[uint64]EventHandler),
	}
}

// Start sweeps every Provider already in the extension registry and watches
// for new ones.
func (r *Registry) Start() {
	r.stopWatch = extension.Watch[Provider](r.exts,
		func(p Provider) { r.onProvider(providerEvent{provider: p, added: true}) },
		func(p Provider) { r.onProvider(providerEvent{provider: p, added: false}) },
	)
}

// Close stops watching and withdraws every provider, unloading all plugins.
func (r *Registry) Close(ctx context.Context) error {
	if r.stopWatch != nil {
		r.stopWatch()
		r.stopWatch = nil
	}

	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	var errs []error
	for _, p := range providers {
		if err := r.RemoveProvider(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return batch("close", errs)
}

func (r *Registry) onProvider(ev providerEvent) {
	r.deferMu.Lock()
	if r.inControl {
		r.deferred = append(r.deferred, ev)
		r.deferMu.Unlock()
		return
	}
	r.deferMu.Unlock()

	var err error
	if ev.added {
		err = r.AddProvider(context.Background(), ev.provider)
	} else {
		err = r.RemoveProvider(context.Background(), ev.provider)
	}
	if err != nil {
		r.log.Warn("provider %s: %v", ev.provider.ID(), err)
		r.emit(Event{Type: EventError, Err: err})
	}
}

// control runs fn with the control lock held, then drains provider events
// that arrived meanwhile.
func (r *Registry) control(fn func() error) error {
	r.ctl.Lock()
	defer r.ctl.Unlock()

	r.deferMu.Lock()
	r.inControl = true
	r.deferMu.Unlock()

	err := fn()

	for {
		r.deferMu.Lock()
		if len(r.deferred) == 0 {
			r.inControl = false
			r.deferMu.Unlock()
			break
		}
		ev := r.deferred[0]
		r.deferred = r.deferred[1:]
		r.deferMu.Unlock()

		var perr error
		if ev.added {
			perr = r.addProvider(context.Background(), ev.provider)
		} else {
			perr = r.removeProvider(context.Background(), ev.provider)
		}
		if perr != nil {
			r.log.Warn("provider %s: %v", ev.provider.ID(), perr)
			r.emit(Event{Type: EventError, Err: perr})
		}
	}
	return err
}

// AddProvider runs a discovery sweep for p and registers its plugins.
func (r *Registry) AddProvider(ctx context.Context, p Provider) error {
	return r.control(func() error { return r.addProvider(ctx, p) })
}

// RemoveProvider unloads and forgets every plugin of p.
func (r *Registry) RemoveProvider(ctx context.Context, p Provider) error {
	return r.control(func() error { return r.removeProvider(ctx, p) })
}

func (r *Registry) addProvider(ctx context.Context, p Provider) error {
	r.mu.Lock()
	if _, exists := r.providers[p.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("provider %q: %w", p.ID(), ErrProviderExists)
	}
	r.providers[p.ID()] = p
	r.mu.Unlock()

	// Deduplicate; the first loader wins, within this batch and against
	// plugins already registered.
	var batchEntries []*Entry
	byID := make(map[string]*Entry)
	for _, l := range p.Plugins() {
		id := l.Metadata().ID
		if strings.TrimSpace(id) == "" {
			r.log.Warn("plugin at %s has no id: %v", l.Path(), l.MetadataError())
			continue
		}
		if prev, dup := byID[id]; dup {
			r.log.Warn("duplicate plugin id %q at %s, keeping %s", id, l.Path(), prev.Path())
			continue
		}
		if existing, ok := r.Entry(id); ok {
			r.log.Warn("duplicate plugin id %q at %s, already provided by %s", id, l.Path(), existing.Path())
			continue
		}
		e := newEntry(l, p)
		if err := l.MetadataError(); err != nil {
			e.state = StateInvalid
			e.reason = err.Error()
			r.log.Warn("plugin %s is invalid: %v", id, err)
		}
		byID[id] = e
		batchEntries = append(batchEntries, e)
	}

	// Already registered usable plugins satisfy dependencies but keep their
	// load order.
	graph := make(map[string][]string)
	for _, e := range batchEntries {
		if e.state != StateInvalid {
			graph[e.ID()] = e.md.PluginDependencies
		}
	}
	r.mu.RLock()
	external := make(map[string]*Entry)
	for id, e := range r.entries {
		if e.State() != StateInvalid {
			graph[id] = nil
			external[id] = e
		}
	}
	r.mu.RUnlock()

	res := TopologicalSort(graph)

	sorted := make(map[string]bool, len(res.Sorted))
	r.mu.Lock()
	for _, id := range res.Sorted {
		sorted[id] = true
		if e, ok := byID[id]; ok {
			e.loadOrder = r.nextOrder
			r.nextOrder++
		}
	}
	r.mu.Unlock()

	for id, deps := range res.ErrorSet {
		e := byID[id]
		var offending []string
		for _, d := range deps {
			if !sorted[d] {
				offending = append(offending, d)
			}
		}
		slices.Sort(offending)
		e.state = StateInvalid
		e.reason = "unresolved dependencies: " + strings.Join(offending, ", ")
		r.log.Warn("plugin %s: %s", id, e.reason)
	}

	// Wire edges between usable entries.
	resolve := func(id string) *Entry {
		if e, ok := byID[id]; ok {
			return e
		}
		return external[id]
	}
	for _, e := range batchEntries {
		if e.state == StateInvalid {
			continue
		}
		for _, depID := range e.md.PluginDependencies {
			dep := resolve(depID)
			e.dependencies = append(e.dependencies, dep)
			dep.mu.Lock()
			dep.dependees = append(dep.dependees, e)
			dep.mu.Unlock()
		}
	}

	for _, e := range batchEntries {
		e.enabled = r.persistedEnabled(e.ID())
	}

	r.mu.Lock()
	for _, e := range batchEntries {
		r.entries[e.ID()] = e
	}
	r.mu.Unlock()

	r.log.Info("provider %s registered %d plugins (%d invalid)", p.ID(), len(batchEntries), countInvalid(batchEntries))
	r.emit(Event{Type: EventPluginsChanged})

	if !r.config.AutoLoad {
		return nil
	}

	var toLoad []*Entry
	for _, e := range batchEntries {
		if e.IsUser() && e.Enabled() && e.State() != StateInvalid {
			toLoad = append(toLoad, e)
		}
	}
	sortByLoadOrder(toLoad, false)
	return r.loadEntries(ctx, toLoad)
}

func (r *Registry) removeProvider(ctx context.Context, p Provider) error {
	r.mu.Lock()
	if _, ok := r.providers[p.ID()]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("provider %q: %w", p.ID(), ErrProviderNotFound)
	}
	delete(r.providers, p.ID())
	var owned []*Entry
	for _, e := range r.entries {
		if e.provider == p {
			owned = append(owned, e)
		}
	}
	r.mu.Unlock()

	// Dependents first, including those of other providers.
	set := make(map[*Entry]bool)
	for _, e := range owned {
		if e.State() != StateLoaded {
			continue
		}
		set[e] = true
		for _, d := range e.TransitiveDependees() {
			set[d] = true
		}
	}
	toUnload := make([]*Entry, 0, len(set))
	for e := range set {
		toUnload = append(toUnload, e)
	}
	sortByLoadOrder(toUnload, true)
	err := r.unloadEntries(ctx, toUnload)

	isOwned := make(map[*Entry]bool, len(owned))
	for _, e := range owned {
		isOwned[e] = true
	}

	r.mu.Lock()
	for _, e := range owned {
		delete(r.entries, e.ID())
	}
	r.mu.Unlock()
	for _, e := range owned {
		e.invalidate(fmt.Sprintf("provider %s withdrew it", p.ID()))
	}

	// Surviving dependees of removed entries can never load again.
	invalid := make(map[*Entry]bool)
	for _, e := range owned {
		for _, d := range e.Dependees() {
			if !isOwned[d] && !invalid[d] {
				invalid[d] = true
				d.invalidate(fmt.Sprintf("dependency %s was removed", e.ID()))
			}
		}
	}
	for _, e := range owned {
		for _, d := range e.TransitiveDependees() {
			if !isOwned[d] && !invalid[d] {
				invalid[d] = true
				d.invalidate(fmt.Sprintf("transitive dependency %s was removed", e.ID()))
			}
		}
	}

	// Detach surviving entries from the removed ones.
	for _, e := range owned {
		for _, dep := range e.Dependencies() {
			if isOwned[dep] {
				continue
			}
			dep.mu.Lock()
			dep.dependees = slices.DeleteFunc(dep.dependees, func(x *Entry) bool { return x == e })
			dep.mu.Unlock()
		}
	}

	r.log.Info("provider %s withdrew %d plugins", p.ID(), len(owned))
	r.emit(Event{Type: EventPluginsChanged})
	return err
}

func countInvalid(entries []*Entry) int {
	n := 0
	for _, e := range entries {
		if e.state == StateInvalid {
			n++
		}
	}
	return n
}

func (r *Registry) persistedEnabled(id string) bool {
	def := slices.Contains(r.config.DefaultEnabled, id)
	if r.config.Settings == nil {
		return def
	}
	return r.config.Settings.Bool(EnabledKey(id), def)
}

// Entry returns the entry registered under id.
func (r *Registry) Entry(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Entries returns all entries sorted by id.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Entry) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

// Frontends returns the frontend-class entries sorted by id.
func (r *Registry) Frontends() []*Entry {
	return slices.DeleteFunc(r.Entries(), func(e *Entry) bool { return e.IsUser() })
}

func (r *Registry) lookup(id string) (*Entry, error) {
	e, ok := r.Entry(id)
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", id, ErrPluginNotFound)
	}
	return e, nil
}

// Enable enables id together with every transitive dependency that is not
// enabled yet, then loads them in ascending load order. If dependencies have
// to change the Confirmer is asked first; declining leaves everything as it
// was and returns ErrCancelled.
func (r *Registry) Enable(ctx context.Context, id string) error {
	return r.control(func() error {
		e, err := r.lookup(id)
		if err != nil {
			return err
		}
		if !e.IsUser() {
			return fmt.Errorf("plugin %q: %w", id, ErrNotUserPlugin)
		}
		if e.State() == StateInvalid {
			return fmt.Errorf("plugin %q: %w: %s", id, ErrInvalidPlugin, e.Reason())
		}

		var affected []*Entry
		for _, d := range e.TransitiveDependencies() {
			if !d.Enabled() {
				affected = append(affected, d)
			}
		}
		if err := r.confirm(ctx, ConfirmRequest{Target: e, Enable: true, Affected: affected}); err != nil {
			return err
		}

		targets := append(affected, e)
		if err := r.setEnabled(targets, true); err != nil {
			return err
		}

		// Dependencies that were already enabled may still be unloaded.
		closure := append(e.TransitiveDependencies(), e)
		return r.loadEntries(ctx, closure)
	})
}

// Disable disables id together with every transitive dependee that is still
// enabled, then unloads them in descending load order. If dependees have to
// change the Confirmer is asked first; declining leaves everything as it was
// and returns ErrCancelled.
func (r *Registry) Disable(ctx context.Context, id string) error {
	return r.control(func() error {
		e, err := r.lookup(id)
		if err != nil {
			return err
		}
		if !e.IsUser() {
			return fmt.Errorf("plugin %q: %w", id, ErrNotUserPlugin)
		}

		var affected []*Entry
		for _, d := range e.TransitiveDependees() {
			if d.Enabled() {
				affected = append(affected, d)
			}
		}
		if err := r.confirm(ctx, ConfirmRequest{Target: e, Enable: false, Affected: affected}); err != nil {
			return err
		}

		targets := append(affected, e)
		if err := r.setEnabled(targets, false); err != nil {
			return err
		}

		closure := append(e.TransitiveDependees(), e)
		return r.unloadEntries(ctx, closure)
	})
}

func (r *Registry) confirm(ctx context.Context, req ConfirmRequest) error {
	if len(req.Affected) == 0 {
		return nil
	}
	ok, err := r.config.Confirmer.Confirm(ctx, req)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	if !ok {
		return ErrCancelled
	}
	return nil
}

func (r *Registry) setEnabled(entries []*Entry, v bool) error {
	var errs []error
	for _, e := range entries {
		if e.Enabled() == v {
			continue
		}
		e.setEnabled(v)
		if r.config.Settings != nil {
			if err := r.config.Settings.SetBool(EnabledKey(e.ID()), v); err != nil {
				errs = append(errs, fmt.Errorf("persist %s: %w", e.ID(), err))
			}
		}
		r.emit(Event{Type: EventEnabledChanged, Plugin: e.ID()})
	}
	return batch("persist", errs)
}

// Load loads id and its transitive dependencies in ascending load order,
// without touching the enabled flags. Independent failures are collected in
// a *BatchError.
func (r *Registry) Load(ctx context.Context, id string) error {
	return r.control(func() error {
		e, err := r.lookup(id)
		if err != nil {
			return err
		}
		return r.loadEntries(ctx, append(e.TransitiveDependencies(), e))
	})
}

// Unload unloads id and its transitive dependees in descending load order,
// without touching the enabled flags. Independent failures are collected in
// a *BatchError.
func (r *Registry) Unload(ctx context.Context, id string) error {
	return r.control(func() error {
		e, err := r.lookup(id)
		if err != nil {
			return err
		}
		return r.unloadEntries(ctx, append(e.TransitiveDependees(), e))
	})
}

// loadEntries expects entries in ascending load order.
func (r *Registry) loadEntries(ctx context.Context, entries []*Entry) error {
	var errs []error
	for _, e := range entries {
		if e.State() == StateLoaded {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, &LoadError{ID: e.ID(), Op: "load", Err: err})
			continue
		}
		r.log.Debug("loading %s", e.ID())
		err := e.load(ctx, r.exts)
		r.emit(Event{Type: EventStateChanged, Plugin: e.ID(), State: e.State(), Err: err})
		if err != nil {
			r.log.Warn("%v", err)
			errs = append(errs, err)
		}
	}
	return batch("load", errs)
}

// unloadEntries expects entries in descending load order.
func (r *Registry) unloadEntries(ctx context.Context, entries []*Entry) error {
	var errs []error
	for _, e := range entries {
		if e.State() != StateLoaded {
			continue
		}
		r.log.Debug("unloading %s", e.ID())
		err := e.unload(ctx, r.exts)
		r.emit(Event{Type: EventStateChanged, Plugin: e.ID(), State: e.State(), Err: err})
		if err != nil {
			r.log.Warn("%v", err)
			errs = append(errs, err)
		}
	}
	return batch("unload", errs)
}
