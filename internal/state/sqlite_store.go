package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/models"
)

// SQLiteStore keeps snapshots in a SQLite database, one row per resource.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore creates a SQLite state store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_state_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS snapshots (
        collection TEXT PRIMARY KEY,
        saved_at TIMESTAMP NOT NULL
    );

    CREATE TABLE IF NOT EXISTS snapshot_items (
        collection TEXT NOT NULL,
        position INTEGER NOT NULL,
        resource_id TEXT NOT NULL,
        body TEXT NOT NULL,
        PRIMARY KEY (collection, position),
        FOREIGN KEY (collection) REFERENCES snapshots(collection) ON DELETE CASCADE
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	return nil
}

// Load retrieves a snapshot with its items in their saved order.
func (s *SQLiteStore) Load(c models.Collection) (*Snapshot, error) {
	s.logger.WithField("collection", c).Debug("Loading snapshot from SQLite")

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snap := &Snapshot{Collection: c, Items: []models.Resource{}}

	err = tx.QueryRow(`SELECT saved_at FROM snapshots WHERE collection = ?`, string(c)).Scan(&snap.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	rows, err := tx.Query(`
        SELECT body
        FROM snapshot_items
        WHERE collection = ?
        ORDER BY position
    `, string(c))
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}

		var r models.Resource
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
		}
		snap.Items = append(snap.Items, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}

	return snap, nil
}

// Save replaces a collection's snapshot in one transaction.
func (s *SQLiteStore) Save(snap *Snapshot) error {
	s.logger.WithFields(map[string]interface{}{
		"collection": snap.Collection,
		"items":      len(snap.Items),
	}).Debug("Saving snapshot to SQLite")

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
        INSERT INTO snapshots (collection, saved_at)
        VALUES (?, ?)
        ON CONFLICT(collection) DO UPDATE SET saved_at = excluded.saved_at
    `, string(snap.Collection), savedAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM snapshot_items WHERE collection = ?", string(snap.Collection)); err != nil {
		return fmt.Errorf("delete old items: %w", err)
	}

	stmt, err := tx.Prepare(`
        INSERT INTO snapshot_items (collection, position, resource_id, body)
        VALUES (?, ?, ?, ?)
    `)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, r := range snap.Items {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal resource %s: %w", r.ID, err)
		}
		if _, err := stmt.Exec(string(snap.Collection), i, r.ID, string(body)); err != nil {
			return fmt.Errorf("insert resource %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// Reset removes a collection's snapshot.
func (s *SQLiteStore) Reset(c models.Collection) error {
	s.logger.WithField("collection", c).Info("Resetting snapshot in SQLite")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM snapshot_items WHERE collection = ?", string(c)); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM snapshots WHERE collection = ?", string(c)); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}

	return tx.Commit()
}

// List returns every collection with a snapshot.
func (s *SQLiteStore) List() ([]models.Collection, error) {
	rows, err := s.db.Query("SELECT collection FROM snapshots ORDER BY collection")
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.Collection
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, models.Collection(c))
	}

	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
