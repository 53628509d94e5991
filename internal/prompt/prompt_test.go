package prompt_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/plugin/plugintest"
	"github.com/dshills/lodestar/internal/prompt"
)

func registry(t *testing.T, c plugin.Confirmer) *plugin.Registry {
	t.Helper()
	r := plugin.NewRegistry(extension.NewRegistry(), plugin.RegistryConfig{
		Confirmer: c,
		Settings:  plugintest.NewSettings(),
	})
	p := plugintest.NewProvider("mem", plugintest.NewLoader("a"), plugintest.NewLoader("b", "a"))
	require.NoError(t, r.AddProvider(context.Background(), p))
	return r
}

func TestConfirmEnable(t *testing.T) {
	var out bytes.Buffer
	var asked plugin.ConfirmRequest
	c := prompt.NewConfirmer(prompt.WithIO(strings.NewReader("y\n"), &out))
	r := registry(t, plugin.ConfirmFunc(func(ctx context.Context, req plugin.ConfirmRequest) (bool, error) {
		asked = req
		return c.Confirm(ctx, req)
	}))

	require.NoError(t, r.Enable(context.Background(), "b"))
	a, _ := r.Entry("a")
	assert.True(t, a.Enabled())
	assert.Equal(t, "Enable b?", prompt.Title(asked))
	assert.Equal(t, "This also enables its dependencies: a", prompt.Describe(asked))
	assert.Contains(t, out.String(), "Enable b?")
}

func TestConfirmDecline(t *testing.T) {
	var out bytes.Buffer
	r := registry(t, prompt.NewConfirmer(prompt.WithIO(strings.NewReader("n\n"), &out)))

	err := r.Enable(context.Background(), "b")
	assert.ErrorIs(t, err, plugin.ErrCancelled)
	a, _ := r.Entry("a")
	b, _ := r.Entry("b")
	assert.False(t, a.Enabled())
	assert.False(t, b.Enabled())
}

func TestDescribeDisable(t *testing.T) {
	r := registry(t, plugin.AlwaysConfirm)
	require.NoError(t, r.Enable(context.Background(), "b"))

	a, _ := r.Entry("a")
	b, _ := r.Entry("b")
	asked := plugin.ConfirmRequest{Target: a, Enable: false, Affected: []*plugin.Entry{b}}
	assert.Equal(t, "Disable a?", prompt.Title(asked))
	assert.Equal(t, "This also disables the plugins depending on it: b", prompt.Describe(asked))
}
