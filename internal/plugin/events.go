package plugin

import (
	"maps"
	"slices"
)

// EventHandler handles registry events.
// Handlers must be non-blocking and must not call control operations of the
// Registry, which would deadlock. Panics in handlers are recovered.
type EventHandler func(event Event)

// Event represents a registry event.
type Event struct {
	Type   EventType
	Plugin string
	State  State
	Err    error
}

// EventType is the type of registry event.
type EventType int

const (
	// EventPluginsChanged is emitted when entries are added or removed.
	EventPluginsChanged EventType = iota
	// EventStateChanged is emitted after a load or unload attempt.
	EventStateChanged
	// EventEnabledChanged is emitted when an enabled flag flips.
	EventEnabledChanged
	// EventError is emitted for failures not tied to a caller.
	EventError
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventPluginsChanged:
		return "plugins_changed"
	case EventStateChanged:
		return "state_changed"
	case EventEnabledChanged:
		return "enabled_changed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Subscribe adds an event handler. Handlers are called in subscription
// order. Returns an unsubscribe function to remove the handler.
func (r *Registry) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.handlers[id] = handler
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}
}

// emit sends an event to all handlers outside any lock.
func (r *Registry) emit(event Event) {
	r.mu.RLock()
	ids := slices.Sorted(maps.Keys(r.handlers))
	handlers := make([]EventHandler, len(ids))
	for i, id := range ids {
		handlers[i] = r.handlers[id]
	}
	r.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("event handler panic on %s: %v", event.Type, p)
				}
			}()
			handler(event)
		}()
	}
}

// subscribers returns the number of subscribed handlers.
func (r *Registry) subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
