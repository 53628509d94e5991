package builtin

import (
	"github.com/dshills/lodestar/internal/frontend/stdio"
	"github.com/dshills/lodestar/internal/frontend/tui"
)

// TUIDefinition returns the terminal frontend plugin.
func TUIDefinition() Definition {
	md := metadata(tui.ID, "Terminal", "Full screen terminal interface")
	md.Frontend = true
	return Definition{
		Metadata: md,
		New: func(env *Env) (any, error) {
			return tui.New(tui.WithLogger(env.logger())), nil
		},
	}
}

// StdioDefinition returns the line based frontend plugin.
func StdioDefinition() Definition {
	md := metadata(stdio.ID, "Standard streams", "Line based interface on stdin and stdout")
	md.Frontend = true
	return Definition{
		Metadata: md,
		New: func(env *Env) (any, error) {
			opts := []stdio.Option{stdio.WithLogger(env.logger())}
			if env.In != nil && env.Out != nil {
				opts = append(opts, stdio.WithIO(env.In, env.Out))
			}
			return stdio.New(opts...), nil
		},
	}
}
