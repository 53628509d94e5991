package lua

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/logging"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/watcher"
)

// ProviderID is the extension id of the Lua plugin provider.
const ProviderID = "lua"

// metadataPattern matches metadata documents one level below a plugin
// directory root.
const metadataPattern = "*/plugin.{json,yaml,yml,toml}"

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(l *logging.Logger) ProviderOption {
	return func(p *Provider) { p.log = l }
}

// WithTimeout bounds every call into a plugin script.
func WithTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) { p.timeout = d }
}

// Provider discovers Lua plugins in a list of directories. Each plugin is a
// subdirectory holding a metadata document and main.lua. Earlier
// directories take precedence for duplicate ids.
type Provider struct {
	extension.Base
	dirs    []string
	log     *logging.Logger
	timeout time.Duration
}

// NewProvider returns a provider scanning dirs.
func NewProvider(dirs []string, opts ...ProviderOption) *Provider {
	p := &Provider{
		Base: extension.NewBase(ProviderID, "Lua plugins", "Plugins written in Lua"),
		dirs: slices.Clone(dirs),
		log:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithComponent("lua")
	return p
}

// Dirs returns the scanned directories.
func (p *Provider) Dirs() []string { return slices.Clone(p.dirs) }

// Plugins implements plugin.Provider. It rescans the directories on every
// call.
func (p *Provider) Plugins() []plugin.Loader {
	var out []plugin.Loader
	for _, dir := range p.dirs {
		out = append(out, p.scan(dir)...)
	}
	return out
}

func (p *Provider) scan(dir string) []plugin.Loader {
	matches, err := doublestar.Glob(os.DirFS(dir), metadataPattern)
	if err != nil {
		p.log.Warn("scan %s: %v", dir, err)
		return nil
	}

	// One metadata document per plugin directory, by preference.
	byDir := make(map[string]string)
	for _, m := range matches {
		d := path.Dir(m)
		if cur, ok := byDir[d]; !ok || rank(path.Base(m)) < rank(path.Base(cur)) {
			byDir[d] = m
		}
	}
	names := make([]string, 0, len(byDir))
	for d := range byDir {
		names = append(names, d)
	}
	slices.Sort(names)

	var out []plugin.Loader
	for _, name := range names {
		file := filepath.Join(dir, filepath.FromSlash(byDir[name]))
		if l := p.loader(file); l != nil {
			out = append(out, l)
		}
	}
	return out
}

func rank(file string) int {
	if i := slices.Index(plugin.MetadataFiles, file); i >= 0 {
		return i
	}
	return len(plugin.MetadataFiles)
}

// loader parses one metadata document. Documents that cannot be decoded
// are not plugins and yield nil.
func (p *Provider) loader(file string) *Loader {
	data, err := os.ReadFile(file)
	if err != nil {
		p.log.Warn("read %s: %v", file, err)
		return nil
	}
	format, err := plugin.FormatFromPath(file)
	if err != nil {
		p.log.Warn("%s: %v", file, err)
		return nil
	}
	md, err := plugin.ParseMetadata(data, format)
	if err != nil && !errors.Is(err, plugin.ErrInvalidMetadata) {
		p.log.Warn("%s is not a plugin: %v", file, err)
		return nil
	}
	return NewLoader(filepath.Dir(file), md, err, p.log, p.timeout)
}

// Watch reports changes below the plugin directories through onChange.
// Directories created later are watched as they appear. The returned
// function stops watching.
func (p *Provider) Watch(onChange func()) (func() error, error) {
	w, err := watcher.New(watcher.WithDebounce(250*time.Millisecond), watcher.WithLogger(p.log))
	if err != nil {
		return nil, err
	}
	for _, dir := range p.dirs {
		if err := w.Watch(dir); err != nil {
			if errors.Is(err, watcher.ErrPathNotExist) {
				continue
			}
			_ = w.Close()
			return nil, err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				_ = w.Watch(filepath.Join(dir, e.Name()))
			}
		}
	}
	w.OnChange(func(ev watcher.Event) {
		if ev.Op.Has(watcher.OpCreate) {
			if fi, err := os.Stat(ev.Path); err == nil && fi.IsDir() {
				if err := w.Watch(ev.Path); err != nil && !errors.Is(err, watcher.ErrAlreadyWatched) {
					p.log.Debug("watch %s: %v", ev.Path, err)
				}
			}
		}
		if ev.Op.Has(watcher.OpRemove) || ev.Op.Has(watcher.OpRename) {
			_ = w.Unwatch(ev.Path)
		}
		p.log.Debug("plugin directory change: %s %s", ev.Op, ev.Path)
		onChange()
	})
	return w.Close, nil
}
