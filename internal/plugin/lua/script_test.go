package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/query"
)

func metadataJSON(id string, extra string) string {
	return fmt.Sprintf(`{
	"id": %q,
	"name": "Test %s",
	"version": "1.0",
	"interface_version": %q,
	"description": "test plugin"%s
}`, id, id, plugin.InterfaceVersion, extra)
}

// writePlugin creates root/id with plugin.json and, if non-empty, main.lua.
func writePlugin(t *testing.T, root, id, extra, script string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(metadataJSON(id, extra)), 0o644))
	if script != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ScriptFile), []byte(script), 0o644))
	}
	return dir
}

func loadOne(t *testing.T, dir string, opts ...ProviderOption) (*Loader, any) {
	t.Helper()
	loaders := NewProvider([]string{dir}, opts...).Plugins()
	require.Len(t, loaders, 1)
	l := loaders[0].(*Loader)
	require.NoError(t, l.MetadataError())
	inst, err := l.Load(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Unload(context.Background()) })
	return l, inst
}

func engineWith(t *testing.T, exts ...extension.Extension) *query.Engine {
	t.Helper()
	r := extension.NewRegistry()
	for _, e := range exts {
		require.NoError(t, r.Register(e))
	}
	e := query.NewEngine(r, query.Config{})
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func run(t *testing.T, e *query.Engine, input string) *query.Query {
	t.Helper()
	q := e.Query(input)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
	return q
}

func TestTriggerScript(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "echo", "", `
trigger = "e "
fuzzy = true

function handle_trigger(q)
  if q:string() == "" then return end
  q:add({id = "echo", text = q:string(), subtext = plugin.name .. " " .. q:trigger()})
end
`)
	_, inst := loadOne(t, root)
	th, ok := inst.(query.TriggerHandler)
	require.True(t, ok)
	assert.Equal(t, "echo", th.ID())
	assert.Equal(t, "e ", th.DefaultTrigger())
	assert.True(t, th.SupportsFuzzyMatching())
	_, isGlobal := inst.(query.GlobalHandler)
	assert.False(t, isGlobal)
	_, isFallback := inst.(query.FallbackHandler)
	assert.False(t, isFallback)

	e := engineWith(t, th)
	q := run(t, e, "e hello")
	require.Len(t, q.Matches(), 1)
	m := q.Matches()[0]
	assert.Equal(t, "echo", m.Extension)
	assert.Equal(t, "hello", m.Item.Text())
	assert.Equal(t, "Test echo e ", m.Item.Subtext())
}

func TestTriggerDefaultsToID(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "plain", "", `function handle_trigger(q) end`)
	_, inst := loadOne(t, root)
	th := inst.(query.TriggerHandler)
	assert.Equal(t, "plain ", th.DefaultTrigger())
	assert.False(t, th.SupportsFuzzyMatching())
}

func TestGlobalScript(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "words", "", `
local lodestar = require("lodestar")
local words = {"alpha", "beta", "alphabet"}

function handle_global(q)
  local out = {}
  for _, w in ipairs(words) do
    local rel = lodestar.match(q:string(), w)
    if rel then
      out[#out + 1] = {item = {text = w}, relevance = rel}
    end
  end
  return out
end
`)
	_, inst := loadOne(t, root)
	gh, ok := inst.(query.GlobalHandler)
	require.True(t, ok)
	_, isTrigger := inst.(query.TriggerHandler)
	assert.True(t, isTrigger, "global scripts also answer their trigger")

	e := engineWith(t, gh)
	q := run(t, e, "alp")
	var got []string
	for _, m := range q.Matches() {
		got = append(got, m.Item.ID())
	}
	assert.ElementsMatch(t, []string{"alpha", "alphabet"}, got)

	q = run(t, e, "words alp")
	assert.Equal(t, query.KindTrigger, q.Kind())
	assert.Len(t, q.Matches(), 2)
}

func TestFallbackScriptAction(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "search", "", `
opened = ""
function fallbacks(text)
  return {
    {id = "web", text = "Search " .. text, actions = {
      {id = "open", text = "Open", run = function() opened = text end},
    }},
  }
end
`)
	l, inst := loadOne(t, root)
	fh, ok := inst.(query.FallbackHandler)
	require.True(t, ok)
	_, isTrigger := inst.(query.TriggerHandler)
	assert.False(t, isTrigger)

	e := engineWith(t, fh)
	q := run(t, e, "cats")
	fbs := q.Fallbacks()
	require.Len(t, fbs, 1)
	assert.Equal(t, "Search cats", fbs[0].Item.Text())

	require.NoError(t, q.Activate(context.Background(), fbs[0], "open"))
	assert.Equal(t, lua.LString("cats"), l.script.state.GetGlobal("opened"))
}

func TestScriptErrors(t *testing.T) {
	t.Run("no handler", func(t *testing.T) {
		root := t.TempDir()
		writePlugin(t, root, "idle", "", `x = 1`)
		l := NewProvider([]string{root}).Plugins()[0]
		_, err := l.Load(context.Background())
		assert.ErrorIs(t, err, ErrNoHandler)
	})
	t.Run("missing script", func(t *testing.T) {
		root := t.TempDir()
		writePlugin(t, root, "empty", "", "")
		l := NewProvider([]string{root}).Plugins()[0]
		_, err := l.Load(context.Background())
		assert.ErrorIs(t, err, ErrMissingScript)
	})
	t.Run("missing binary", func(t *testing.T) {
		root := t.TempDir()
		writePlugin(t, root, "bin", `, "binary_dependencies": ["lodestar-no-such-binary"]`, `function fallbacks() end`)
		l := NewProvider([]string{root}).Plugins()[0]
		_, err := l.Load(context.Background())
		assert.ErrorIs(t, err, ErrMissingBinary)
	})
	t.Run("forbidden module", func(t *testing.T) {
		root := t.TempDir()
		writePlugin(t, root, "io", "", `local io = require("io")`)
		l := NewProvider([]string{root}).Plugins()[0]
		_, err := l.Load(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not available")
	})
	t.Run("runaway load", func(t *testing.T) {
		root := t.TempDir()
		writePlugin(t, root, "spin", "", `while true do end`)
		l := NewProvider([]string{root}, WithTimeout(50*time.Millisecond)).Plugins()[0]
		_, err := l.Load(context.Background())
		assert.ErrorIs(t, err, ErrExecutionTimeout)
	})
}

func TestUnloadClosesState(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "bye", "", `
function fallbacks() return {} end
function on_unload() unloaded = true end
`)
	l := NewProvider([]string{root}).Plugins()[0].(*Loader)
	_, err := l.Load(context.Background())
	require.NoError(t, err)
	state := l.script.state

	require.NoError(t, l.Unload(context.Background()))
	assert.True(t, state.IsClosed())
	require.NoError(t, l.Unload(context.Background()))

	// A loader can be loaded again after unloading.
	_, err = l.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, l.Unload(context.Background()))
}
