package config

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/lodestar/internal/logging"
	"github.com/dshills/lodestar/internal/watcher"
)

// Settings is the persisted runtime settings store.
//
// Keys have the form "<table>/<name>", for example "calculator/enabled".
// Each table is written as one TOML table. Every Set writes the file.
type Settings struct {
	path string
	log  *logging.Logger

	mu     sync.RWMutex
	tables map[string]map[string]any
	raw    []byte

	w *watcher.Watcher
}

// SettingsOption configures Settings.
type SettingsOption func(*Settings)

// WithSettingsLogger sets the logger.
func WithSettingsLogger(l *logging.Logger) SettingsOption {
	return func(s *Settings) { s.log = l }
}

// OpenSettings loads the settings file at path. A missing file yields empty
// settings; the file is created on the first Set.
func OpenSettings(path string, opts ...SettingsOption) (*Settings, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	s := &Settings{path: abs, log: logging.Nop(), tables: make(map[string]map[string]any)}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemorySettings returns settings that are never written to disk.
func NewMemorySettings() *Settings {
	return &Settings{log: logging.Nop(), tables: make(map[string]map[string]any)}
}

// Path returns the settings file, or "" for memory settings.
func (s *Settings) Path() string { return s.path }

func splitKey(key string) (table, name string, err error) {
	table, name, ok := strings.Cut(key, "/")
	if !ok || table == "" || name == "" {
		return "", "", fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	return table, name, nil
}

func (s *Settings) get(key string) (any, bool) {
	table, name, err := splitKey(key)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tables[table][name]
	return v, ok
}

func (s *Settings) set(key string, v any) error {
	table, name, err := splitKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		t = make(map[string]any)
		s.tables[table] = t
	}
	t[name] = v
	return s.save()
}

// Bool returns the boolean at key, or def when unset or of another type.
func (s *Settings) Bool(key string, def bool) bool {
	if v, ok := s.get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
		s.log.Warn("setting %s: %v, want bool", key, ErrTypeMismatch)
	}
	return def
}

// SetBool stores a boolean.
func (s *Settings) SetBool(key string, v bool) error { return s.set(key, v) }

// String returns the string at key, or def.
func (s *Settings) String(key, def string) string {
	if v, ok := s.get(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
		s.log.Warn("setting %s: %v, want string", key, ErrTypeMismatch)
	}
	return def
}

// SetString stores a string.
func (s *Settings) SetString(key, v string) error { return s.set(key, v) }

// Strings returns the string list at key, or def.
func (s *Settings) Strings(key string, def []string) []string {
	v, ok := s.get(key)
	if !ok {
		return def
	}
	switch list := v.(type) {
	case []string:
		return slices.Clone(list)
	case []any:
		out := make([]string, 0, len(list))
		for _, e := range list {
			str, ok := e.(string)
			if !ok {
				s.log.Warn("setting %s: %v, want string list", key, ErrTypeMismatch)
				return def
			}
			out = append(out, str)
		}
		return out
	}
	s.log.Warn("setting %s: %v, want string list", key, ErrTypeMismatch)
	return def
}

// SetStrings stores a string list.
func (s *Settings) SetStrings(key string, v []string) error {
	return s.set(key, slices.Clone(v))
}

// Remove deletes key. Removing an unset key is a no-op.
func (s *Settings) Remove(key string) error {
	table, name, err := splitKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return nil
	}
	if _, ok := t[name]; !ok {
		return nil
	}
	delete(t, name)
	if len(t) == 0 {
		delete(s.tables, table)
	}
	return s.save()
}

// Keys returns every stored key, sorted.
func (s *Settings) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for table, t := range s.tables {
		for name := range t {
			keys = append(keys, table+"/"+name)
		}
	}
	slices.Sort(keys)
	return keys
}

// save must be called with mu held.
func (s *Settings) save() error {
	if s.path == "" {
		return nil
	}
	data, err := toml.Marshal(s.tables)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	s.raw = data
	return nil
}

// Reload reads the file again and reports whether its content differed
// from what the store last read or wrote.
func (s *Settings) Reload() (bool, error) {
	if s.path == "" {
		return false, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(data, s.raw) {
		return false, nil
	}
	tables := make(map[string]map[string]any)
	if len(data) > 0 {
		if err := toml.Unmarshal(data, &tables); err != nil {
			return false, &ParseError{Path: s.path, Err: err}
		}
	}
	changed := !maps.EqualFunc(tables, s.tables, func(a, b map[string]any) bool {
		return fmt.Sprint(a) == fmt.Sprint(b)
	})
	s.tables = tables
	s.raw = data
	return changed, nil
}

// Watch reloads the settings whenever the file is edited externally and
// calls onChange after a reload that changed something.
func (s *Settings) Watch(onChange func()) error {
	if s.path == "" {
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := watcher.New(
		watcher.WithFilter(func(p string) bool { return filepath.Clean(p) == s.path }),
		watcher.WithLogger(s.log),
	)
	if err != nil {
		return err
	}
	w.OnChange(func(watcher.Event) {
		changed, err := s.Reload()
		if err != nil {
			s.log.Error("reloading settings: %v", err)
			return
		}
		if changed {
			s.log.Info("settings reloaded from %s", s.path)
			if onChange != nil {
				onChange()
			}
		}
	})
	if err := w.Watch(dir); err != nil {
		w.Close()
		return err
	}

	s.mu.Lock()
	old := s.w
	s.w = w
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Close stops watching.
func (s *Settings) Close() error {
	s.mu.Lock()
	w := s.w
	s.w = nil
	s.mu.Unlock()
	if w != nil {
		return w.Close()
	}
	return nil
}
