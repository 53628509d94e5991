// Package plugin provides the plugin system for Lodestar.
//
// A plugin is described by Metadata and materialized by a Loader. Loaders
// are supplied in batches by Providers, which are themselves extensions:
// registering a Provider with the extension registry makes the Registry
// discover its plugins, and unregistering it removes them again.
//
// # Metadata
//
// Plugins on disk carry a metadata document next to their code, in JSON,
// YAML or TOML:
//
//	~/.config/lodestar/plugins/clock/
//	├── plugin.toml      # Metadata
//	└── main.lua         # Entry point
//
//	id = "clock"
//	name = "Clock"
//	version = "1.0"
//	interface_version = "1.0"
//	description = "Shows the time"
//	plugin_dependencies = ["system"]
//	binary_dependencies = ["date"]
//
// Documents are validated against MetadataSchema and the invariants in
// Metadata.Validate. A document that cannot be decoded is not a plugin; a
// document that decodes but fails validation yields an Invalid entry so
// the problem can be shown to the user.
//
// # Plugin Lifecycle
//
// Entries move through these states:
//
//	StateUnloaded -> Load() -> StateBusy -> StateLoaded
//	StateLoaded -> Unload() -> StateBusy -> StateUnloaded
//	StateBusy -> failed Load() -> StateUnloaded (with error)
//
// StateInvalid is terminal. At most one control operation (enable,
// disable, load, unload, provider changes) runs at a time.
//
// # Dependencies
//
// Loading a plugin loads its dependencies first and unloading it unloads
// its loaded dependees first. When a change affects plugins other than the
// one requested, the Registry asks its Confirmer before proceeding. Work
// that touches many plugins is ordered with TopologicalSort and failures
// are collected into a BatchError.
//
// # Enabled State
//
// User plugins (not frontends) carry a persisted enabled flag stored under
// EnabledKey. Enabling a plugin enables and loads its dependencies;
// disabling one disables and unloads its dependees.
package plugin
