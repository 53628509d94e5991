package builtin

import (
	"context"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/match"
	"github.com/dshills/lodestar/internal/query"
)

// SystemID is the plugin id of the launcher control items.
const SystemID = "system"

// SystemDefinition returns the plugin offering quit, restart and settings.
func SystemDefinition() Definition {
	return Definition{
		Metadata: metadata(SystemID, "System", "Control lodestar itself"),
		New: func(env *Env) (any, error) {
			return NewSystem(env.Control), nil
		},
	}
}

type systemCommand struct {
	id      string
	title   string
	sub     string
	aliases []string
	run     func(Control) error
}

var systemCommands = []systemCommand{
	{
		id: "settings", title: "Lodestar settings", sub: "Open the settings file",
		aliases: []string{"preferences", "config"},
		run:     func(c Control) error { return c.OpenSettings() },
	},
	{
		id: "restart", title: "Restart lodestar", sub: "Reload every plugin",
		aliases: []string{"reload"},
		run:     func(c Control) error { c.Restart(); return nil },
	},
	{
		id: "quit", title: "Quit lodestar", sub: "Stop the launcher",
		aliases: []string{"exit", "close"},
		run:     func(c Control) error { c.Quit(); return nil },
	},
}

// System is a global handler for the launcher control commands.
type System struct {
	extension.Base
	control Control
}

var _ query.GlobalHandler = (*System)(nil)

// NewSystem creates the system plugin. A nil control yields no items.
func NewSystem(control Control) *System {
	return &System{
		Base:    extension.NewBase(SystemID, "System", "Control lodestar itself"),
		control: control,
	}
}

// HandleGlobalQuery implements query.GlobalHandler.
func (s *System) HandleGlobalQuery(_ context.Context, q *query.Query) ([]query.RankItem, error) {
	if s.control == nil || q.String() == "" {
		return nil, nil
	}
	results := match.Filter(q.String(), match.Options{}, systemCommands, func(c systemCommand) []string {
		return append([]string{c.title}, c.aliases...)
	})
	items := make([]query.RankItem, 0, len(results))
	for _, r := range results {
		cmd := r.Value
		items = append(items, query.RankItem{
			Item: query.NewItem(cmd.id, cmd.title, cmd.sub, query.Action{
				ID: cmd.id, Text: cmd.title,
				Run: func() error { return cmd.run(s.control) },
			}),
			Relevance: r.Relevance,
		})
	}
	return items, nil
}
