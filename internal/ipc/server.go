// Package ipc implements the single-instance control socket.
//
// A running launcher listens on a unix domain socket. Each connection
// carries one request line "<command> [args]" and receives one reply, after
// which the server closes the connection. A second launcher process detects
// the running one by connecting to the socket.
package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dshills/lodestar/internal/logging"
)

// Errors returned by the server and client.
var (
	ErrAlreadyRunning = errors.New("another instance is running")
	ErrServerClosed   = errors.New("ipc server closed")
	ErrNotRunning     = errors.New("no running instance")
)

// CommandsCommand lists the registered commands.
const CommandsCommand = "commands"

const (
	readTimeout  = time.Second
	writeTimeout = time.Second
	dialTimeout  = 500 * time.Millisecond
)

// HandlerFunc handles one command. args is the rest of the request line.
// The returned text is sent to the client.
type HandlerFunc func(ctx context.Context, args string) (string, error)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server dispatches commands received on a unix socket.
type Server struct {
	path string
	log  *logging.Logger

	mu         sync.Mutex
	handlers   map[string]HandlerFunc
	listener   net.Listener
	isShutdown bool
	shutdown   chan struct{}
	conns      sync.WaitGroup
}

// NewServer creates a server for the socket at path.
func NewServer(path string, opts ...Option) *Server {
	s := &Server{
		path:     path,
		log:      logging.Nop(),
		handlers: make(map[string]HandlerFunc),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("ipc")
	s.handlers[CommandsCommand] = func(context.Context, string) (string, error) {
		return strings.Join(s.Commands(), "\n"), nil
	}
	return s
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Handle registers fn for command name, replacing any previous handler.
func (s *Server) Handle(name string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[name] = fn
	s.mu.Unlock()
}

// Commands returns the registered command names, sorted.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Listen creates the socket. It returns ErrAlreadyRunning when another
// process answers on the socket and removes the file when nobody does.
func (s *Server) Listen() error {
	if Running(s.path) {
		return ErrAlreadyRunning
	}
	if _, err := os.Stat(s.path); err == nil {
		s.log.Warn("removing stale socket %s; the previous instance did not terminate properly", s.path)
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isShutdown {
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.log.Debug("listening on %s", s.path)
	return nil
}

// Serve accepts connections until Shutdown. Listen must be called first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("ipc server is not listening")
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("accept: %v", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		s.log.Debug("read request: %v", err)
		if line == "" {
			return
		}
	}
	reply := s.Dispatch(ctx, line)

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := io.WriteString(conn, reply); err != nil {
		s.log.Debug("write reply: %v", err)
	}
}

// Dispatch runs the command in message and returns the reply.
func (s *Server) Dispatch(ctx context.Context, message string) string {
	message = strings.TrimRight(strings.TrimLeft(message, " \t\r\n"), "\r\n")
	op, args, _ := strings.Cut(message, " ")
	s.log.Debug("received %q", message)

	s.mu.Lock()
	fn, ok := s.handlers[op]
	s.mu.Unlock()
	if !ok {
		s.log.Info("received invalid command: %s", message)
		lines := append([]string{fmt.Sprintf("Invalid RPC command: '%s'. Use these", message)}, s.Commands()...)
		return strings.Join(lines, "\n")
	}

	reply, err := fn(ctx, args)
	if err != nil {
		s.log.Warn("command %s: %v", op, err)
		return "Error: " + err.Error()
	}
	return reply
}

// Shutdown closes the listener, waits for in-flight requests until ctx is
// done and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return nil
	}
	s.isShutdown = true
	close(s.shutdown)
	l := s.listener
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}

	if l != nil {
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
	}
	return err
}

// Running reports whether a server answers on the socket at path.
func Running(path string) bool {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Send delivers message to the server at path and returns its reply. It
// returns ErrNotRunning when nothing listens on the socket.
func Send(ctx context.Context, path, message string) (string, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return "", fmt.Errorf("%w: %v", ErrNotRunning, err)
		}
		return "", fmt.Errorf("connect to %s: %w", path, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(readTimeout + writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := io.WriteString(conn, strings.TrimRight(message, "\n")+"\n"); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return string(reply), nil
}
