// Package frontend defines the contract between the launcher core and its
// user interfaces.
//
// A frontend is a plugin marked frontend = true in its metadata. Exactly
// one frontend is loaded per process; the application picks the configured
// one and falls back to the others in id order.
package frontend

import (
	"context"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/query"
)

// Host is the application as seen by a frontend.
type Host interface {
	// Engine returns the query engine to open sessions on.
	Engine() *query.Engine

	// Notifications returns the collected error messages not yet shown.
	Notifications() []string

	// Quit asks the application to terminate.
	Quit()

	// Restart asks the application to restart.
	Restart()

	// Report returns diagnostic lines about the running instance.
	Report() []string
}

// Frontend is a user interface driving query sessions.
//
// Show, Hide and Toggle may be called from any goroutine.
type Frontend interface {
	extension.Extension
	plugin.Confirmer

	// Run drives the interface until ctx is done or the user quits. It
	// returns nil on a regular exit.
	Run(ctx context.Context, host Host) error

	// Show makes the interface visible. A non-empty text replaces the
	// input.
	Show(text string)

	// Hide hides the interface.
	Hide()

	// Toggle flips visibility.
	Toggle()

	// IsVisible reports the current visibility.
	IsVisible() bool
}
