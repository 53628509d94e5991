package lua

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestStateCall(t *testing.T) {
	s := NewState()
	defer s.Close()

	require.NoError(t, s.DoString(context.Background(), `function add(a, b) return a + b end`))
	assert.True(t, s.HasFunction("add"))
	assert.False(t, s.HasFunction("sub"))

	ret, err := s.Call(context.Background(), "add", lua.LNumber(2), lua.LNumber(3))
	require.NoError(t, err)
	require.Len(t, ret, 1)
	assert.Equal(t, lua.LNumber(5), ret[0])

	_, err = s.Call(context.Background(), "sub")
	assert.ErrorIs(t, err, ErrNotFunction)
}

func TestStateCallError(t *testing.T) {
	s := NewState()
	defer s.Close()

	require.NoError(t, s.DoString(context.Background(), `function boom() error("kaput") end`))
	_, err := s.Call(context.Background(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaput")

	// The stack is restored after a failed call.
	ret, err := s.Call(context.Background(), "tostring", lua.LNumber(1))
	require.NoError(t, err)
	assert.Equal(t, lua.LString("1"), ret[0])
}

func TestStateExecutionTimeout(t *testing.T) {
	s := NewState(WithExecutionTimeout(50 * time.Millisecond))
	defer s.Close()

	start := time.Now()
	err := s.DoString(context.Background(), `while true do end`)
	assert.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The state stays usable.
	require.NoError(t, s.DoString(context.Background(), `x = 1`))
	assert.Equal(t, lua.LNumber(1), s.GetGlobal("x"))
}

func TestStateContextCancel(t *testing.T) {
	s := NewState(WithExecutionTimeout(0))
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := s.DoString(ctx, `while true do end`)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStateClosed(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.IsClosed())

	assert.ErrorIs(t, s.DoString(context.Background(), `x = 1`), ErrStateClosed)
	_, err := s.Call(context.Background(), "print")
	assert.ErrorIs(t, err, ErrStateClosed)
	assert.False(t, s.HasFunction("print"))
	assert.Equal(t, lua.LNil, s.GetGlobal("print"))
}

func TestStateGlobals(t *testing.T) {
	s := NewState()
	defer s.Close()

	s.SetGlobal("greeting", lua.LString("hi"))
	require.NoError(t, s.DoString(context.Background(), `answer = greeting .. "!"`))
	assert.Equal(t, lua.LString("hi!"), s.GetGlobal("answer"))
}
