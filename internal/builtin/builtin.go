// Package builtin provides the plugins compiled into the binary and the
// provider announcing them.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/pkg/browser"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/logging"
	"github.com/dshills/lodestar/internal/plugin"
)

// ProviderID is the extension id of the builtin provider.
const ProviderID = "builtin"

// ErrAlreadyLoaded is returned by Load when the instance exists.
var ErrAlreadyLoaded = errors.New("plugin already loaded")

// Control is the part of the application builtin plugins may drive.
type Control interface {
	Quit()
	Restart()
	OpenSettings() error
}

// Env is what builtin plugins get at load time.
type Env struct {
	// Plugins is the registry managed by the plugins plugin.
	Plugins *plugin.Registry

	// Control drives the application. Nil disables the system items.
	Control Control

	// Open opens a URL or file with the desktop default handler.
	Open func(target string) error

	// Copy places text on the clipboard.
	Copy func(text string) error

	// In and Out replace the standard streams of the stdio frontend.
	In  io.Reader
	Out io.Writer

	Logger *logging.Logger
}

func (e *Env) open(target string) error {
	if e.Open != nil {
		return e.Open(target)
	}
	return browser.OpenURL(target)
}

func (e *Env) copy(text string) error {
	if e.Copy != nil {
		return e.Copy(text)
	}
	return clipboard.WriteAll(text)
}

func (e *Env) logger() *logging.Logger {
	if e.Logger == nil {
		return logging.Nop()
	}
	return e.Logger
}

// Definition describes one builtin plugin.
type Definition struct {
	Metadata plugin.Metadata
	New      func(env *Env) (any, error)
}

// closer is implemented by instances holding resources.
type closer interface {
	Close() error
}

// Loader loads a builtin plugin.
type Loader struct {
	def Definition
	env *Env

	mu       sync.Mutex
	instance any
}

var _ plugin.Loader = (*Loader)(nil)

// Path implements plugin.Loader.
func (l *Loader) Path() string { return "builtin://" + l.def.Metadata.ID }

// Metadata implements plugin.Loader.
func (l *Loader) Metadata() plugin.Metadata { return l.def.Metadata }

// MetadataError implements plugin.Loader.
func (l *Loader) MetadataError() error {
	md := l.def.Metadata
	return md.Validate()
}

// Load implements plugin.Loader.
func (l *Loader) Load(context.Context) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.instance != nil {
		return nil, ErrAlreadyLoaded
	}
	inst, err := l.def.New(l.env)
	if err != nil {
		return nil, err
	}
	l.instance = inst
	return inst, nil
}

// Unload implements plugin.Loader.
func (l *Loader) Unload(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst := l.instance
	l.instance = nil
	if c, ok := inst.(closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close %s: %w", l.def.Metadata.ID, err)
		}
	}
	return nil
}

// Provider announces the builtin plugins.
type Provider struct {
	extension.Base
	loaders []plugin.Loader
}

var _ plugin.Provider = (*Provider)(nil)

// NewProvider creates a provider for defs sharing env.
func NewProvider(env *Env, defs ...Definition) *Provider {
	p := &Provider{Base: extension.NewBase(ProviderID, "Builtin plugins", "Plugins compiled into lodestar")}
	for _, d := range defs {
		p.loaders = append(p.loaders, &Loader{def: d, env: env})
	}
	return p
}

// Plugins implements plugin.Provider.
func (p *Provider) Plugins() []plugin.Loader { return p.loaders }

// Definitions returns every builtin plugin.
func Definitions() []Definition {
	return []Definition{
		CalculatorDefinition(),
		WebSearchDefinition(),
		PluginsDefinition(),
		SystemDefinition(),
		TUIDefinition(),
		StdioDefinition(),
	}
}

// DefaultEnabled lists the plugins enabled on first start.
var DefaultEnabled = []string{CalculatorID, WebSearchID, PluginsID, SystemID}

func metadata(id, name, description string) plugin.Metadata {
	return plugin.Metadata{
		ID:               id,
		Name:             name,
		Version:          "1.0",
		InterfaceVersion: plugin.InterfaceVersion,
		Description:      description,
		License:          "MIT",
		URL:              "https://github.com/dshills/lodestar",
		Maintainers:      []string{"dshills"},
	}
}
