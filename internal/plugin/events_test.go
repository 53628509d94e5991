package plugin

import (
	"slices"
	"testing"

	"github.com/dshills/lodestar/internal/extension"
)

func TestUnsubscribeReleasesHandler(t *testing.T) {
	r := NewRegistry(extension.NewRegistry(), RegistryConfig{})

	for range 100 {
		unsubscribe := r.Subscribe(func(Event) {})
		unsubscribe()
		unsubscribe()
	}
	if n := r.subscribers(); n != 0 {
		t.Errorf("subscribers = %d after unsubscribing all, want 0", n)
	}
}

func TestEmitInSubscriptionOrder(t *testing.T) {
	r := NewRegistry(extension.NewRegistry(), RegistryConfig{})

	var got []string
	r.Subscribe(func(Event) { got = append(got, "first") })
	drop := r.Subscribe(func(Event) { got = append(got, "dropped") })
	r.Subscribe(func(Event) { panic("boom") })
	r.Subscribe(func(Event) { got = append(got, "last") })
	drop()

	r.emit(Event{Type: EventPluginsChanged})
	if want := []string{"first", "last"}; !slices.Equal(got, want) {
		t.Errorf("handlers called = %v, want %v", got, want)
	}
	if n := r.subscribers(); n != 3 {
		t.Errorf("subscribers = %d, want 3", n)
	}
}
