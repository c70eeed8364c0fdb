package store

import (
	"slices"
	"sync"
	"time"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/models"
)

// EventType names a store notification: "<collection>_<kind>".
type EventType string

// Event kinds.
const (
	KindUpdated     = "updated"
	KindItemUpdated = "item_updated"
	KindAdded       = "added"
	KindRemoved     = "removed"
)

// EventTypeFor builds the event type for a collection and kind.
func EventTypeFor(c models.Collection, kind string) EventType {
	return EventType(string(c) + "_" + kind)
}

// Event is delivered to listeners after a mutation. Resource and Items are
// copies; listeners cannot reach store-owned values through them.
//
// Seq is assigned while the mutation holds the lock, so it follows the order
// in which mutations were applied. Fan-out runs after the lock is released:
// events from mutations racing on different goroutines may reach a listener
// out of Seq order. Listeners that keep the last-seen state use Latest to
// drop superseded events.
type Event struct {
	Type       EventType
	Collection models.Collection
	Kind       string
	Seq        uint64

	// Point events (item_updated, added, removed)
	ID       string
	Resource models.Resource
	Updates  []string

	// Collection events (updated)
	Items []models.Resource
}

// Store is the single in-memory source of truth for resource collections.
// Each mutation is applied atomically and then fanned out to listeners on
// the calling goroutine before the call returns. Listeners run outside the
// lock and may read or mutate the store.
type Store struct {
	mu          sync.RWMutex
	collections map[models.Collection][]models.Resource
	listeners   *Registry
	seq         uint64
	now         func() time.Time
}

// New creates an empty store.
func New(logger *events.Logger) *Store {
	return &Store{
		collections: make(map[models.Collection][]models.Resource),
		listeners:   NewRegistry(logger.WithField("component", "store")),
		now:         time.Now,
	}
}

// AddListener registers fn for every subsequent mutation.
func (s *Store) AddListener(fn Listener) ListenerID {
	return s.listeners.Subscribe(fn)
}

// RemoveListener unregisters a listener.
func (s *Store) RemoveListener(id ListenerID) {
	s.listeners.Unsubscribe(id)
}

// Get returns a copy of the collection in insertion order.
func (s *Store) Get(c models.Collection) []models.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.collections[c])
}

// Find returns a copy of one resource.
func (s *Store) Find(c models.Collection, id string) (models.Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := indexOf(s.collections[c], id); i >= 0 {
		return s.collections[c][i], true
	}
	return models.Resource{}, false
}

// SetCollection replaces the collection wholesale.
func (s *Store) SetCollection(c models.Collection, items []models.Resource) {
	s.mu.Lock()
	s.collections[c] = slices.Clone(items)
	snapshot := slices.Clone(items)
	seq := s.nextSeq()
	s.mu.Unlock()

	s.listeners.Notify(Event{
		Type:       EventTypeFor(c, KindUpdated),
		Collection: c,
		Kind:       KindUpdated,
		Seq:        seq,
		Items:      snapshot,
	})
}

// UpsertByID merges patch into the resource with the given ID, keeping its
// position. An unknown ID is a no-op: synchronization never creates
// resources. It reports whether a resource was updated.
func (s *Store) UpsertByID(c models.Collection, id string, patch models.Patch) bool {
	s.mu.Lock()
	items := s.collections[c]
	i := indexOf(items, id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	patch.Apply(&items[i])
	items[i].UpdatedAt = s.now()
	updated := items[i]
	seq := s.nextSeq()
	s.mu.Unlock()

	s.listeners.Notify(Event{
		Type:       EventTypeFor(c, KindItemUpdated),
		Collection: c,
		Kind:       KindItemUpdated,
		Seq:        seq,
		ID:         id,
		Resource:   updated,
		Updates:    patch.Fields(),
	})
	return true
}

// Add appends a resource. An existing ID is left alone and Add reports false.
func (s *Store) Add(c models.Collection, r models.Resource) bool {
	s.mu.Lock()
	if indexOf(s.collections[c], r.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}
	s.collections[c] = append(s.collections[c], r)
	seq := s.nextSeq()
	s.mu.Unlock()

	s.listeners.Notify(Event{
		Type:       EventTypeFor(c, KindAdded),
		Collection: c,
		Kind:       KindAdded,
		Seq:        seq,
		ID:         r.ID,
		Resource:   r,
	})
	return true
}

// Remove deletes a resource, preserving the order of the rest.
func (s *Store) Remove(c models.Collection, id string) bool {
	s.mu.Lock()
	items := s.collections[c]
	i := indexOf(items, id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	removed := items[i]
	s.collections[c] = slices.Delete(slices.Clone(items), i, i+1)
	seq := s.nextSeq()
	s.mu.Unlock()

	s.listeners.Notify(Event{
		Type:       EventTypeFor(c, KindRemoved),
		Collection: c,
		Kind:       KindRemoved,
		Seq:        seq,
		ID:         id,
		Resource:   removed,
	})
	return true
}

// nextSeq must be called with s.mu held for writing.
func (s *Store) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func indexOf(items []models.Resource, id string) int {
	return slices.IndexFunc(items, func(r models.Resource) bool { return r.ID == id })
}
