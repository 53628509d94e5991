package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Plugin system errors.
var (
	// ErrPluginNotFound is returned when no entry has the requested id.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrInvalidMetadata is returned when plugin metadata fails validation.
	ErrInvalidMetadata = errors.New("invalid plugin metadata")

	// ErrIncompatibleInterface is returned when a plugin targets an interface
	// version the host does not provide.
	ErrIncompatibleInterface = errors.New("incompatible interface version")

	// ErrInvalidPlugin is returned when operating on an Invalid entry.
	ErrInvalidPlugin = errors.New("invalid plugin")

	// ErrDependencyNotLoaded is returned when loading a plugin whose
	// dependencies are not all loaded.
	ErrDependencyNotLoaded = errors.New("plugin dependency not loaded")

	// ErrDependeeLoaded is returned when unloading a plugin that another
	// loaded plugin still depends on.
	ErrDependeeLoaded = errors.New("plugin is required by a loaded plugin")

	// ErrBusy is returned when a plugin is already being loaded or unloaded.
	ErrBusy = errors.New("plugin is busy")

	// ErrCancelled is returned when the user declines a cascading change.
	ErrCancelled = errors.New("operation cancelled")

	// ErrNotUserPlugin is returned when enabling or disabling a frontend plugin.
	ErrNotUserPlugin = errors.New("not a user plugin")

	// ErrProviderExists is returned when a provider is added twice.
	ErrProviderExists = errors.New("provider already registered")

	// ErrProviderNotFound is returned when removing an unknown provider.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrNilInstance is returned when a loader produces no instance.
	ErrNilInstance = errors.New("loader returned no instance")
)

// LoadError describes a failed load or unload of a single plugin.
type LoadError struct {
	ID  string // Plugin id
	Op  string // "load" or "unload"
	Err error  // Underlying error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// BatchError collects the independent failures of a cascading operation.
type BatchError struct {
	Op   string
	Errs []error
}

func (e *BatchError) Error() string {
	parts := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = err.Error()
	}
	noun := "plugins"
	if len(e.Errs) == 1 {
		noun = "plugin"
	}
	return fmt.Sprintf("failed to %s %d %s: %s", e.Op, len(e.Errs), noun, strings.Join(parts, "; "))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	return e.Errs
}

// batch returns nil for an empty list.
func batch(op string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &BatchError{Op: op, Errs: errs}
}
