package lua

import "errors"

// Errors returned by the Lua runtime.
var (
	ErrStateClosed      = errors.New("lua state is closed")
	ErrNoHandler        = errors.New("script defines no handler")
	ErrMissingScript    = errors.New("plugin has no main.lua")
	ErrMissingBinary    = errors.New("binary dependency not found")
	ErrNotFunction      = errors.New("not a function")
	ErrExecutionTimeout = errors.New("lua execution timed out")
)
