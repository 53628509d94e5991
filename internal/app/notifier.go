package app

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/lodestar/internal/plugin"
)

// maxNotifications bounds the pending messages; older ones are dropped.
const maxNotifications = 50

// Notifier collects error messages until a frontend shows them.
type Notifier struct {
	mu      sync.Mutex
	pending []string
	dropped int
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Notify records err. Nil errors are ignored.
func (n *Notifier) Notify(err error) {
	if err == nil {
		return
	}
	n.add(err.Error())
}

// Notifyf records a formatted message.
func (n *Notifier) Notifyf(format string, args ...any) {
	n.add(fmt.Sprintf(format, args...))
}

func (n *Notifier) add(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pending) == maxNotifications {
		n.pending = n.pending[1:]
		n.dropped++
	}
	n.pending = append(n.pending, msg)
}

// Drain returns the pending messages and clears them.
func (n *Notifier) Drain() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.pending
	if n.dropped > 0 {
		out = append([]string{fmt.Sprintf("%d older message(s) dropped", n.dropped)}, out...)
	}
	n.pending = nil
	n.dropped = 0
	return out
}

// Len returns the number of pending messages.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Watch records plugin failures reported by r. Batch errors are skipped
// since each failure in them was already reported on its own.
func (n *Notifier) Watch(r *plugin.Registry) func() {
	return r.Subscribe(func(ev plugin.Event) {
		switch ev.Type {
		case plugin.EventStateChanged:
			if ev.Err != nil {
				n.Notify(NewComponentError("plugins", ev.Plugin, ev.Err))
			}
		case plugin.EventError:
			var batch *plugin.BatchError
			if ev.Err != nil && !errors.As(ev.Err, &batch) {
				n.Notify(NewComponentError("plugins", ev.Plugin, ev.Err))
			}
		}
	})
}
