package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/models"
)

// JSONStore keeps one JSON file per collection.
type JSONStore struct {
	baseDir string
	logger  *events.Logger

	mu sync.RWMutex
}

// NewJSONStore creates a JSON-based state store.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &JSONStore{
		baseDir: baseDir,
		logger:  logger.WithField("component", "json_state_store"),
	}, nil
}

// Load reads a snapshot, falling back to the backup copy when the primary
// file is unreadable or fails its checksum.
func (s *JSONStore) Load(c models.Collection) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.statePath(c)

	s.logger.WithFields(map[string]interface{}{
		"collection": c,
		"path":       path,
	}).Debug("Loading snapshot")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	snap, err := decodeEnvelope(data)
	if err != nil {
		s.logger.WithError(err).WithField("collection", c).Warn("Snapshot unreadable, trying backup")
		if backup, berr := s.loadBackup(c); berr == nil {
			return backup, nil
		}
		return nil, ErrStateCorrupt
	}
	return snap, nil
}

// Save writes a snapshot atomically, keeping the previous file as backup.
func (s *JSONStore) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.statePath(snap.Collection)

	s.logger.WithFields(map[string]interface{}{
		"collection": snap.Collection,
		"items":      len(snap.Items),
	}).Debug("Saving snapshot")

	snap = cloneSnapshot(snap)
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}

	checksum, err := checksumOf(snap)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(envelope{
		Snapshot:      snap,
		SchemaVersion: CurrentSchemaVersion,
		Checksum:      checksum,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// Reset removes a collection's snapshot and its backup.
func (s *JSONStore) Reset(c models.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.WithField("collection", c).Info("Resetting snapshot")

	path := s.statePath(c)
	_ = os.Remove(path)
	_ = os.Remove(path + ".backup")

	return nil
}

// List returns every collection with a snapshot file.
func (s *JSONStore) List() ([]models.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var out []models.Collection
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		c := models.Collection(strings.TrimSuffix(name, ".json"))
		if c.Valid() {
			out = append(out, c)
		}
	}

	return out, nil
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) statePath(c models.Collection) string {
	return filepath.Join(s.baseDir, string(c)+".json")
}

func (s *JSONStore) loadBackup(c models.Collection) (*Snapshot, error) {
	data, err := os.ReadFile(s.statePath(c) + ".backup")
	if err != nil {
		return nil, err
	}
	return decodeEnvelope(data)
}

func decodeEnvelope(data []byte) (*Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if env.Snapshot == nil {
		return nil, fmt.Errorf("snapshot body missing")
	}

	if env.Checksum != "" {
		sum, err := checksumOf(env.Snapshot)
		if err != nil {
			return nil, err
		}
		if sum != env.Checksum {
			return nil, fmt.Errorf("checksum mismatch: expected %s, got %s", env.Checksum, sum)
		}
	}

	if env.Items == nil {
		env.Items = []models.Resource{}
	}
	return env.Snapshot, nil
}

func checksumOf(snap *Snapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot for checksum: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
