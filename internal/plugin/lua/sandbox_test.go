package lua

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestSandboxRemovesLoaders(t *testing.T) {
	s := NewState()
	defer s.Close()

	for _, name := range removedGlobals {
		assert.Equal(t, lua.LNil, s.GetGlobal(name), name)
	}
	assert.Equal(t, lua.LNil, s.GetGlobal("io"))

	require.NoError(t, s.DoString(context.Background(), `
		path = package.path
		cpath = package.cpath
		has_execute = os.execute ~= nil
		has_remove = os.remove ~= nil
		now = os.time()
	`))
	assert.Equal(t, lua.LString(""), s.GetGlobal("path"))
	assert.Equal(t, lua.LString(""), s.GetGlobal("cpath"))
	assert.Equal(t, lua.LFalse, s.GetGlobal("has_execute"))
	assert.Equal(t, lua.LFalse, s.GetGlobal("has_remove"))
	assert.Equal(t, lua.LTNumber, s.GetGlobal("now").Type())
}

func TestSandboxRequire(t *testing.T) {
	s := NewState()
	defer s.Close()

	require.NoError(t, s.DoString(context.Background(), `local s = require("string"); upper = s.upper("x")`))
	assert.Equal(t, lua.LString("X"), s.GetGlobal("upper"))

	for _, mod := range []string{"io", "os", "debug", "channel"} {
		err := s.DoString(context.Background(), `require("`+mod+`")`)
		require.Error(t, err, mod)
		assert.Contains(t, err.Error(), "not available")
	}

	assert.False(t, s.Sandbox().Allowed("host"))
	s.PreloadModule("host", map[string]lua.LGFunction{
		"double": func(L *lua.LState) int {
			L.Push(lua.LNumber(L.CheckNumber(1) * 2))
			return 1
		},
	}, map[string]lua.LValue{"name": lua.LString("host")})
	assert.True(t, s.Sandbox().Allowed("host"))

	require.NoError(t, s.DoString(context.Background(), `local h = require("host"); n = h.double(21); name = h.name`))
	assert.Equal(t, lua.LNumber(42), s.GetGlobal("n"))
	assert.Equal(t, lua.LString("host"), s.GetGlobal("name"))
}
