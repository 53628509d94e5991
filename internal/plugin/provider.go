package plugin

import (
	"context"

	"github.com/dshills/lodestar/internal/extension"
)

// Loader materializes and destroys one plugin instance. Implementations
// decide how a plugin is built (compiled-in Go code, a Lua script, ...); the
// registry only sees this interface.
type Loader interface {
	// Path identifies where the plugin came from, for display.
	Path() string

	// Metadata returns the parsed metadata.
	Metadata() Metadata

	// MetadataError returns the validation failure of the metadata, if any.
	// Entries for such loaders are registered Invalid.
	MetadataError() error

	// Load creates the plugin instance. The instance may implement
	// extension.Extension or MultiExtension to expose capabilities.
	Load(ctx context.Context) (any, error)

	// Unload destroys the instance created by Load.
	Unload(ctx context.Context) error
}

// MultiExtension is implemented by instances that expose more than one
// extension.
type MultiExtension interface {
	Extensions() []extension.Extension
}

// Provider is an extension that supplies a batch of plugins. Registering a
// Provider with the extension registry triggers a discovery sweep.
type Provider interface {
	extension.Extension
	Plugins() []Loader
}

// extensionsOf returns the extensions exposed by a plugin instance.
func extensionsOf(instance any) []extension.Extension {
	var out []extension.Extension
	if e, ok := instance.(extension.Extension); ok {
		out = append(out, e)
	}
	if m, ok := instance.(MultiExtension); ok {
		for _, e := range m.Extensions() {
			if e != nil && e != instance {
				out = append(out, e)
			}
		}
	}
	return out
}
