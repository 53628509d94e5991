package config

import (
	"errors"
	"fmt"
)

// Errors returned by configuration operations.
var (
	// ErrValidationFailed indicates a value is out of its allowed range.
	ErrValidationFailed = errors.New("validation failed")

	// ErrTypeMismatch indicates a stored setting has an unexpected type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrInvalidKey indicates a settings key not of the form "<table>/<name>".
	ErrInvalidKey = errors.New("invalid settings key")
)

// ParseError represents an error while parsing a configuration file.
type ParseError struct {
	// Path is the file path that failed to parse.
	Path string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError describes an invalid configuration value.
type ValidationError struct {
	// Path is the dotted path of the setting, e.g. "query.max_parallel".
	Path string
	// Message describes the problem.
	Message string
	// Value is the invalid value.
	Value any
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (value: %v)", e.Path, e.Message, e.Value)
}

// Unwrap returns ErrValidationFailed.
func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// EnvError is returned for an environment variable that cannot be parsed.
type EnvError struct {
	Var string
	Err error
}

// Error implements the error interface.
func (e *EnvError) Error() string {
	return fmt.Sprintf("environment variable %s: %v", e.Var, e.Err)
}

// Unwrap returns the underlying error.
func (e *EnvError) Unwrap() error {
	return e.Err
}
