package store

import (
	"fmt"
	"sync"

	"github.com/TheMichaelB/fleetwatch/internal/events"
)

// Listener receives every store event.
type Listener func(Event)

// ListenerID identifies a registration for later removal.
type ListenerID uint64

type registration struct {
	id ListenerID
	fn Listener
}

// Registry is an ordered set of listeners. Notify iterates a snapshot, so
// listeners may subscribe or unsubscribe (themselves or others) while being
// notified. A panicking listener is logged and skipped.
type Registry struct {
	mu        sync.Mutex
	next      ListenerID
	listeners []registration
	logger    *events.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *events.Logger) *Registry {
	return &Registry{logger: logger}
}

// Subscribe registers fn and returns its handle.
func (r *Registry) Subscribe(fn Listener) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.listeners = append(r.listeners, registration{id: r.next, fn: fn})
	return r.next
}

// Unsubscribe removes a registration. Unknown handles are ignored.
func (r *Registry) Unsubscribe(id ListenerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, reg := range r.listeners {
		if reg.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Notify delivers ev to every listener registered when Notify was called.
func (r *Registry) Notify(ev Event) {
	r.mu.Lock()
	snapshot := make([]registration, len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.Unlock()

	for _, reg := range snapshot {
		r.deliver(reg, ev)
	}
}

func (r *Registry) deliver(reg registration, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(map[string]interface{}{
				"listener": reg.id,
				"event":    ev.Type,
				"panic":    fmt.Sprint(rec),
			}).Error("Store listener panicked")
		}
	}()
	reg.fn(ev)
}
