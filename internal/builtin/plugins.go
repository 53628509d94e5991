package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/match"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/query"
)

// PluginsID is the plugin id of the plugin manager.
const PluginsID = "plugins"

// ErrNoRegistry is returned when the plugin manager has no registry.
var ErrNoRegistry = errors.New("no plugin registry")

// PluginsDefinition returns the plugin manager plugin.
func PluginsDefinition() Definition {
	return Definition{
		Metadata: metadata(PluginsID, "Plugins", "List and control plugins"),
		New: func(env *Env) (any, error) {
			if env.Plugins == nil {
				return nil, ErrNoRegistry
			}
			return NewPlugins(env.Plugins), nil
		},
	}
}

// Plugins lists the plugin entries with actions to enable, disable, load
// and unload them.
type Plugins struct {
	extension.Base
	registry *plugin.Registry
	fuzzy    atomic.Bool
}

var _ query.TriggerHandler = (*Plugins)(nil)

// NewPlugins creates the plugin manager for r.
func NewPlugins(r *plugin.Registry) *Plugins {
	return &Plugins{
		Base:     extension.NewBase(PluginsID, "Plugins", "List and control plugins"),
		registry: r,
	}
}

// DefaultTrigger implements query.TriggerHandler.
func (*Plugins) DefaultTrigger() string { return "plugins " }

// AllowTriggerRemap implements query.TriggerHandler.
func (*Plugins) AllowTriggerRemap() bool { return true }

// SupportsFuzzyMatching implements query.TriggerHandler.
func (*Plugins) SupportsFuzzyMatching() bool { return true }

// SetFuzzyMatching implements query.TriggerHandler.
func (p *Plugins) SetFuzzyMatching(enabled bool) { p.fuzzy.Store(enabled) }

// SetTrigger implements query.TriggerHandler.
func (*Plugins) SetTrigger(string) {}

// HandleTriggerQuery implements query.TriggerHandler.
func (p *Plugins) HandleTriggerQuery(_ context.Context, q *query.Query) error {
	results := match.Filter(q.String(), match.Options{Fuzzy: p.fuzzy.Load()}, p.registry.Entries(),
		func(e *plugin.Entry) []string {
			md := e.Metadata()
			return []string{md.ID, md.Name}
		})
	for _, r := range results {
		if !q.IsValid() {
			return nil
		}
		q.Add(p.item(r.Value))
	}
	return nil
}

func (p *Plugins) item(e *plugin.Entry) query.Item {
	md := e.Metadata()
	return &query.StandardItem{
		ItemID:      md.ID,
		Title:       fmt.Sprintf("%s (%s)", md.Name, md.ID),
		Sub:         Status(e),
		Completion:  md.ID,
		ItemActions: p.actions(e),
	}
}

// Status describes the state of e in one line.
func Status(e *plugin.Entry) string {
	var parts []string
	if !e.IsUser() {
		parts = append(parts, "frontend")
	}
	parts = append(parts, e.State().String())
	if e.IsUser() && e.State() != plugin.StateInvalid {
		if e.Enabled() {
			parts = append(parts, "enabled")
		} else {
			parts = append(parts, "disabled")
		}
	}
	if r := e.Reason(); r != "" {
		parts = append(parts, r)
	}
	return strings.Join(parts, ", ")
}

func (p *Plugins) actions(e *plugin.Entry) []query.Action {
	if e.State() == plugin.StateInvalid {
		return nil
	}
	id := e.ID()
	var actions []query.Action
	if e.IsUser() {
		if e.Enabled() {
			actions = append(actions, p.action("disable", "Disable", id, p.registry.Disable))
		} else {
			actions = append(actions, p.action("enable", "Enable", id, p.registry.Enable))
		}
	}
	if e.State() == plugin.StateLoaded {
		actions = append(actions, p.action("unload", "Unload", id, p.registry.Unload))
	} else {
		actions = append(actions, p.action("load", "Load", id, p.registry.Load))
	}
	return actions
}

func (p *Plugins) action(actionID, text, id string, op func(context.Context, string) error) query.Action {
	return query.Action{
		ID:   actionID,
		Text: text,
		Run:  func() error { return op(context.Background(), id) },
	}
}
