// Package prompt asks the user to approve cascading plugin changes in a
// terminal.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/dshills/lodestar/internal/plugin"
)

// Confirmer implements plugin.Confirmer with a huh confirmation form.
type Confirmer struct {
	in         io.Reader
	out        io.Writer
	accessible bool
}

// Option configures a Confirmer.
type Option func(*Confirmer)

// WithIO sets the input and output of the prompt and switches to the line
// based accessible mode.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(c *Confirmer) {
		c.in = in
		c.out = out
		c.accessible = true
	}
}

// NewConfirmer returns a terminal confirmer.
func NewConfirmer(opts ...Option) *Confirmer {
	c := &Confirmer{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsInteractive reports whether stdin is a terminal.
func IsInteractive() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Confirm asks whether req may proceed. Aborting the form declines.
func (c *Confirmer) Confirm(ctx context.Context, req plugin.ConfirmRequest) (bool, error) {
	ok := false
	field := huh.NewConfirm().
		Title(Title(req)).
		Description(Describe(req)).
		Affirmative("Yes").
		Negative("No").
		Value(&ok)

	form := huh.NewForm(huh.NewGroup(field))
	if c.accessible {
		form = form.WithAccessible(true).WithInput(c.in).WithOutput(c.out)
	}
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// Title returns the question for req.
func Title(req plugin.ConfirmRequest) string {
	verb := "Disable"
	if req.Enable {
		verb = "Enable"
	}
	return fmt.Sprintf("%s %s?", verb, req.Target.ID())
}

// Describe lists the other plugins req changes.
func Describe(req plugin.ConfirmRequest) string {
	ids := make([]string, len(req.Affected))
	for i, e := range req.Affected {
		ids[i] = e.ID()
	}
	if req.Enable {
		return "This also enables its dependencies: " + strings.Join(ids, ", ")
	}
	return "This also disables the plugins depending on it: " + strings.Join(ids, ", ")
}
