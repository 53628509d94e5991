package lua

import (
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Sandbox restricts what a script can reach.
//
// Globals that load code from disk or strings are removed, package.path and
// package.cpath are cleared, and require resolves only the safe standard
// modules plus modules allowed explicitly. A minimal os table offers time
// functions only.
type Sandbox struct {
	L *lua.LState

	mu      sync.RWMutex
	allowed map[string]bool
}

// removedGlobals can load or run arbitrary code.
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "module"}

// safeModules are always available to require.
var safeModules = []string{lua.StringLibName, lua.TabLibName, lua.MathLibName}

// NewSandbox creates a sandbox for L. Call Install to apply it.
func NewSandbox(L *lua.LState) *Sandbox {
	s := &Sandbox{L: L, allowed: make(map[string]bool)}
	for _, m := range safeModules {
		s.allowed[m] = true
	}
	return s
}

// Install applies the restrictions.
func (s *Sandbox) Install() {
	for _, name := range removedGlobals {
		s.L.SetGlobal(name, lua.LNil)
	}
	s.installSafeOS()
	s.installSafeRequire()
}

// Allow makes module name available to require.
func (s *Sandbox) Allow(name string) {
	s.mu.Lock()
	s.allowed[name] = true
	s.mu.Unlock()
}

// Allowed reports whether require accepts name.
func (s *Sandbox) Allowed(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowed[name]
}

// installSafeOS provides os.time, os.clock and os.date.
func (s *Sandbox) installSafeOS() {
	start := time.Now()
	mod := s.L.NewTable()
	s.L.SetField(mod, "time", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	s.L.SetField(mod, "clock", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Since(start).Seconds()))
		return 1
	}))
	s.L.SetField(mod, "date", s.L.NewFunction(func(L *lua.LState) int {
		layout := L.OptString(1, time.DateTime)
		L.Push(lua.LString(time.Now().Format(layout)))
		return 1
	}))
	s.L.SetGlobal("os", mod)
}

// installSafeRequire clears the search paths and replaces require with a
// version that only resolves allowed modules.
func (s *Sandbox) installSafeRequire() {
	if pkg, ok := s.L.GetGlobal(lua.LoadLibName).(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
	}

	original := s.L.GetGlobal("require")
	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !s.Allowed(name) {
			L.RaiseError("module %q is not available", name)
			return 0
		}
		L.Push(original)
		L.Push(lua.LString(name))
		L.Call(1, 1)
		return 1
	}))
}
