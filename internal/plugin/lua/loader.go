package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/dshills/lodestar/internal/logging"
	"github.com/dshills/lodestar/internal/plugin"
)

// ScriptFile is the entry point of a Lua plugin directory.
const ScriptFile = "main.lua"

// Loader loads one Lua plugin directory.
type Loader struct {
	dir     string
	md      plugin.Metadata
	mdErr   error
	log     *logging.Logger
	timeout time.Duration

	mu     sync.Mutex
	script *script
}

// NewLoader returns a loader for the plugin in dir described by md. A
// non-nil mdErr marks the plugin invalid.
func NewLoader(dir string, md plugin.Metadata, mdErr error, log *logging.Logger, timeout time.Duration) *Loader {
	if log == nil {
		log = logging.Nop()
	}
	return &Loader{
		dir:     dir,
		md:      md,
		mdErr:   mdErr,
		log:     log.WithField("plugin", md.ID),
		timeout: timeout,
	}
}

// Path implements plugin.Loader.
func (l *Loader) Path() string { return l.dir }

// Metadata implements plugin.Loader.
func (l *Loader) Metadata() plugin.Metadata { return l.md }

// MetadataError implements plugin.Loader.
func (l *Loader) MetadataError() error { return l.mdErr }

// Load runs the plugin script and returns its handler instance.
func (l *Loader) Load(ctx context.Context) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.script != nil {
		return nil, fmt.Errorf("plugin %s already loaded", l.md.ID)
	}

	var missing []error
	for _, bin := range l.md.BinaryDependencies {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, fmt.Errorf("%w: %s", ErrMissingBinary, bin))
		}
	}
	if len(missing) > 0 {
		return nil, errors.Join(missing...)
	}

	path := filepath.Join(l.dir, ScriptFile)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingScript, path)
	}

	var opts []StateOption
	if l.timeout > 0 {
		opts = append(opts, WithExecutionTimeout(l.timeout))
	}
	state := NewState(opts...)
	s := newScript(l.md, state, l.log)
	s.install()
	if err := state.DoFile(ctx, path); err != nil {
		_ = state.Close()
		return nil, err
	}
	inst, err := s.instance()
	if err != nil {
		_ = state.Close()
		return nil, err
	}
	l.script = s
	return inst, nil
}

// Unload calls the script's on_unload hook and closes its state.
func (l *Loader) Unload(ctx context.Context) error {
	l.mu.Lock()
	s := l.script
	l.script = nil
	l.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.close(ctx)
}
