package testutil

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockCredentials mocks the session token collaborator.
type MockCredentials struct {
	mock.Mock
}

func (m *MockCredentials) Token() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *MockCredentials) Valid(token string) bool {
	args := m.Called(token)
	return args.Bool(0)
}

func (m *MockCredentials) Refresh(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockCredentials) EnsureValid(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// RecordingTracker records poll start/stop requests.
type RecordingTracker struct {
	mu      sync.Mutex
	active  map[string]bool
	Started []string
	Stopped []string
}

// NewRecordingTracker creates an empty tracker.
func NewRecordingTracker() *RecordingTracker {
	return &RecordingTracker{active: make(map[string]bool)}
}

func (r *RecordingTracker) StartPolling(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Started = append(r.Started, id)
	if r.active[id] {
		return false
	}
	r.active[id] = true
	return true
}

func (r *RecordingTracker) StopPolling(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stopped = append(r.Stopped, id)
	delete(r.active, id)
}

// Active reports whether id is being polled.
func (r *RecordingTracker) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id]
}

// StartedIDs returns a copy of every StartPolling argument.
func (r *RecordingTracker) StartedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Started...)
}

// StoppedIDs returns a copy of every StopPolling argument.
func (r *RecordingTracker) StoppedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Stopped...)
}
