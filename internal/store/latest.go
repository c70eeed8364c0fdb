package store

import (
	"sync"

	"github.com/TheMichaelB/fleetwatch/internal/models"
)

type itemKey struct {
	collection models.Collection
	id         string
}

// Latest tracks the newest Seq a listener has accepted, per resource and per
// collection. A collection event supersedes every earlier item event in that
// collection.
type Latest struct {
	mu          sync.Mutex
	items       map[itemKey]uint64
	collections map[models.Collection]uint64
}

// NewLatest creates an empty tracker.
func NewLatest() *Latest {
	return &Latest{
		items:       make(map[itemKey]uint64),
		collections: make(map[models.Collection]uint64),
	}
}

// Accept reports whether ev is newer than everything already accepted for
// the state it describes, and records it if so.
func (l *Latest) Accept(ev Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	floor := l.collections[ev.Collection]
	if ev.Kind == KindUpdated {
		if ev.Seq <= floor {
			return false
		}
		l.collections[ev.Collection] = ev.Seq
		return true
	}

	key := itemKey{collection: ev.Collection, id: ev.ID}
	if seen := l.items[key]; seen > floor {
		floor = seen
	}
	if ev.Seq <= floor {
		return false
	}
	l.items[key] = ev.Seq
	return true
}
