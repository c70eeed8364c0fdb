package state

import (
	"errors"
	"time"

	"github.com/TheMichaelB/fleetwatch/internal/models"
)

// Store persists collection snapshots between runs.
type Store interface {
	// Load retrieves the last snapshot of a collection.
	Load(c models.Collection) (*Snapshot, error)

	// Save replaces the snapshot of snap.Collection.
	Save(snap *Snapshot) error

	// Reset removes the snapshot of a collection.
	Reset(c models.Collection) error

	// List returns every collection with a snapshot.
	List() ([]models.Collection, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrStateNotFound = errors.New("state not found")
	ErrStateCorrupt  = errors.New("state file is corrupt")
)

// Snapshot is the persisted content of one collection.
type Snapshot struct {
	Collection models.Collection `json:"collection"`
	Items      []models.Resource `json:"items"`
	SavedAt    time.Time         `json:"saved_at"`
}

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// envelope wraps a snapshot on disk.
type envelope struct {
	*Snapshot

	SchemaVersion int    `json:"schema_version"`
	Checksum      string `json:"checksum,omitempty"`
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	out := *s
	out.Items = append([]models.Resource(nil), s.Items...)
	if out.Items == nil {
		out.Items = []models.Resource{}
	}
	return &out
}
