package dosesync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists the dataset as a single blob row per user in a
// SQLite database. Suited to installs that already carry a SQLite file;
// the contract is identical to FileStore.
type SQLiteStore struct {
	db     *sql.DB
	userID string
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates the store and its backing tables.
func NewSQLiteStore(db *sql.DB, userID string, logger *slog.Logger) (*SQLiteStore, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS _dosesync_dataset (
			user_id    TEXT PRIMARY KEY,
			blob       TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		// Quarantine for corrupted blobs, kept for manual recovery
		`CREATE TABLE IF NOT EXISTS _dosesync_dataset_backup (
			user_id   TEXT NOT NULL,
			backed_at TEXT NOT NULL,
			blob      TEXT NOT NULL,
			PRIMARY KEY (user_id, backed_at)
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return nil, fmt.Errorf("failed to create store table: %w", err)
		}
	}

	return &SQLiteStore{db: db, userID: userID, logger: logger, now: time.Now}, nil
}

// Load reads the dataset blob for this user. A missing row yields a fresh
// dataset; a corrupted blob is moved to the backup table and the store
// resets to empty.
func (s *SQLiteStore) Load() (*Dataset, error) {
	var raw string
	err := s.db.QueryRow(`SELECT blob FROM _dosesync_dataset WHERE user_id = ?`, s.userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return NewDataset(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset row: %w", err)
	}

	var ds Dataset
	if err := json.Unmarshal([]byte(raw), &ds); err != nil {
		backedAt := s.now().UTC().Format(time.RFC3339Nano)
		if _, backupErr := s.db.Exec(`
			INSERT INTO _dosesync_dataset_backup (user_id, backed_at, blob) VALUES (?, ?, ?)
		`, s.userID, backedAt, raw); backupErr != nil {
			return nil, fmt.Errorf("dataset corrupted and backup failed: %w", backupErr)
		}
		s.logger.Error("Dataset blob corrupted, resetting to empty",
			"user_id", s.userID, "backed_at", backedAt, "error", err)
		fresh := NewDataset()
		if saveErr := s.Save(fresh); saveErr != nil {
			return nil, fmt.Errorf("failed to reset corrupted dataset: %w", saveErr)
		}
		return fresh, nil
	}

	if ds.Collections == nil {
		ds.Collections = make(map[string][]Record, len(Collections))
	}
	for _, spec := range Collections {
		if _, ok := ds.Collections[spec.Name]; !ok {
			ds.Collections[spec.Name] = nil
		}
	}
	return &ds, nil
}

// Save upserts the dataset blob for this user.
func (s *SQLiteStore) Save(ds *Dataset) error {
	raw, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO _dosesync_dataset (user_id, blob, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(user_id) DO UPDATE SET
			blob = excluded.blob,
			updated_at = excluded.updated_at
	`, s.userID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write dataset row: %w", err)
	}
	return nil
}

// Clear removes the dataset row for this user. Backups are kept.
func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM _dosesync_dataset WHERE user_id = ?`, s.userID); err != nil {
		return fmt.Errorf("failed to clear dataset row: %w", err)
	}
	return nil
}
