package query

import "errors"

// Query engine errors.
var (
	// ErrHandlerNotFound is returned for an unknown handler id.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrTriggerInUse is returned when a trigger is already active for
	// another handler.
	ErrTriggerInUse = errors.New("trigger already in use")

	// ErrEmptyTrigger is returned when setting an empty trigger.
	ErrEmptyTrigger = errors.New("trigger is empty")

	// ErrRemapNotAllowed is returned when remapping a fixed trigger.
	ErrRemapNotAllowed = errors.New("trigger remap not allowed")

	// ErrFuzzyNotSupported is returned when enabling fuzzy matching on a
	// handler that does not support it.
	ErrFuzzyNotSupported = errors.New("fuzzy matching not supported")

	// ErrActionNotFound is returned when activating an unknown action.
	ErrActionNotFound = errors.New("action not found")
)
