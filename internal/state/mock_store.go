package state

import (
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/fleetwatch/internal/models"
)

// MockStore is an in-memory Store for tests.
type MockStore struct {
	mu        sync.RWMutex
	snapshots map[models.Collection]*Snapshot
	saves     int
	SaveErr   error
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		snapshots: make(map[models.Collection]*Snapshot),
	}
}

// Load returns a copy of the stored snapshot.
func (m *MockStore) Load(c models.Collection) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if snap, ok := m.snapshots[c]; ok {
		return cloneSnapshot(snap), nil
	}
	return nil, ErrStateNotFound
}

// Save stores a copy of snap.
func (m *MockStore) Save(snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.saves++
	snap = cloneSnapshot(snap)
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	m.snapshots[snap.Collection] = snap
	return nil
}

// Reset removes a snapshot.
func (m *MockStore) Reset(c models.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snapshots, c)
	return nil
}

// List returns stored collections in name order.
func (m *MockStore) List() ([]models.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Collection
	for c := range m.snapshots {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Saves reports how many Save calls succeeded.
func (m *MockStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
