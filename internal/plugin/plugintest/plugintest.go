// Package plugintest provides in-memory loaders and providers for tests.
package plugintest

import (
	"context"
	"sync"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/plugin"
)

// Loader is a scriptable plugin.Loader.
type Loader struct {
	MD      plugin.Metadata
	MDErr   error
	LoadErr error
	// New builds the instance; by default an extension.Base named after
	// the plugin.
	New func() any
	// Journal, when set, records "load:<id>" and "unload:<id>".
	Journal *Journal

	mu      sync.Mutex
	loads   int
	unloads int
}

// NewLoader returns a loader for a valid user plugin with the given
// dependencies.
func NewLoader(id string, deps ...string) *Loader {
	return &Loader{MD: Metadata(id, deps...)}
}

// Metadata returns valid metadata for id.
func Metadata(id string, deps ...string) plugin.Metadata {
	return plugin.Metadata{
		ID:                 id,
		Name:               id,
		Version:            "1.0",
		InterfaceVersion:   plugin.InterfaceVersion,
		Description:        "test plugin " + id,
		PluginDependencies: deps,
	}
}

// Path implements plugin.Loader.
func (l *Loader) Path() string { return "mem://" + l.MD.ID }

// Metadata implements plugin.Loader.
func (l *Loader) Metadata() plugin.Metadata { return l.MD }

// MetadataError implements plugin.Loader.
func (l *Loader) MetadataError() error { return l.MDErr }

// Load implements plugin.Loader.
func (l *Loader) Load(context.Context) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.LoadErr != nil {
		return nil, l.LoadErr
	}
	l.loads++
	l.Journal.add("load:" + l.MD.ID)
	if l.New != nil {
		return l.New(), nil
	}
	return &Instance{Base: extension.NewBase(l.MD.ID, l.MD.Name, l.MD.Description)}, nil
}

// Unload implements plugin.Loader.
func (l *Loader) Unload(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unloads++
	l.Journal.add("unload:" + l.MD.ID)
	return nil
}

// Loads returns how many times Load succeeded.
func (l *Loader) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

// Unloads returns how many times Unload was called.
func (l *Loader) Unloads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unloads
}

// Instance is the default plugin instance.
type Instance struct {
	extension.Base
}

// Provider is a fixed list of loaders.
type Provider struct {
	extension.Base
	Loaders []plugin.Loader
}

// NewProvider returns a provider named id serving loaders.
func NewProvider(id string, loaders ...plugin.Loader) *Provider {
	return &Provider{Base: extension.NewBase(id, id, "test provider"), Loaders: loaders}
}

// Plugins implements plugin.Provider.
func (p *Provider) Plugins() []plugin.Loader { return p.Loaders }

// Settings is an in-memory settings store.
type Settings struct {
	mu     sync.Mutex
	values map[string]any
}

// NewSettings returns an empty store.
func NewSettings() *Settings {
	return &Settings{values: make(map[string]any)}
}

// Bool returns the stored bool or def.
func (s *Settings) Bool(key string, def bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key].(bool); ok {
		return v
	}
	return def
}

// SetBool stores v.
func (s *Settings) SetBool(key string, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
	return nil
}

// String returns the stored string or def.
func (s *Settings) String(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key].(string); ok {
		return v
	}
	return def
}

// SetString stores v.
func (s *Settings) SetString(key, v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
	return nil
}

// Strings returns the stored list or def.
func (s *Settings) Strings(key string, def []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key].([]string); ok {
		return append([]string(nil), v...)
	}
	return def
}

// SetStrings stores v.
func (s *Settings) SetStrings(key string, v []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]string(nil), v...)
	return nil
}

// Journal records loader calls across plugins.
type Journal struct {
	mu     sync.Mutex
	events []string
}

func (j *Journal) add(ev string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.events = append(j.events, ev)
	j.mu.Unlock()
}

// Events returns the recorded calls in order.
func (j *Journal) Events() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}
