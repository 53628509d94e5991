package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketPath returns a short path; unix socket paths are length limited.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ldst")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "ipc.sock")
}

func startServer(t *testing.T, path string) *Server {
	t.Helper()
	s := NewServer(path)
	s.Handle("show", func(_ context.Context, args string) (string, error) {
		return "shown:" + args, nil
	})
	s.Handle("fail", func(context.Context, string) (string, error) {
		return "", errors.New("nope")
	})
	require.NoError(t, s.Listen())
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		<-done
	})
	return s
}

func TestDispatch(t *testing.T) {
	s := NewServer("unused")
	s.Handle("show", func(_ context.Context, args string) (string, error) {
		return "shown:" + args, nil
	})

	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"no args", "show", "shown:"},
		{"args", "show hello world", "shown:hello world"},
		{"leading space", "   show x\n", "shown:x"},
		{"commands", "commands", "commands\nshow"},
		{"unknown", "dance", "Invalid RPC command: 'dance'. Use these\ncommands\nshow"},
		{"empty", "", "Invalid RPC command: ''. Use these\ncommands\nshow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Dispatch(context.Background(), tt.message))
		})
	}
}

func TestSendRoundTrip(t *testing.T) {
	path := socketPath(t)
	startServer(t, path)

	reply, err := Send(context.Background(), path, "show some text")
	require.NoError(t, err)
	assert.Equal(t, "shown:some text", reply)

	reply, err = Send(context.Background(), path, "fail")
	require.NoError(t, err)
	assert.Equal(t, "Error: nope", reply)

	reply, err = Send(context.Background(), path, "commands")
	require.NoError(t, err)
	assert.Equal(t, []string{"commands", "fail", "show"}, strings.Split(reply, "\n"))
}

func TestSingleInstance(t *testing.T) {
	path := socketPath(t)
	startServer(t, path)
	assert.True(t, Running(path))

	second := NewServer(path)
	assert.ErrorIs(t, second.Listen(), ErrAlreadyRunning)
}

func TestStaleSocketRemoved(t *testing.T) {
	path := socketPath(t)

	// Leave a socket file nobody listens on.
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, l.Close())
	_, err = os.Stat(path)
	require.NoError(t, err)
	assert.False(t, Running(path))

	startServer(t, path)
	assert.True(t, Running(path))
}

func TestSendNotRunning(t *testing.T) {
	_, err := Send(context.Background(), socketPath(t), "show")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestShutdownRemovesSocket(t *testing.T) {
	path := socketPath(t)
	s := NewServer(path)
	require.NoError(t, s.Listen())
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, <-done)
	require.NoError(t, s.Shutdown(context.Background()))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, s.Listen(), ErrServerClosed)
}
