package dosesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Dataset is the single JSON document the local store persists: every domain
// collection plus the sync queue and pending-deletion tombstones. It is
// loaded once at startup and written back after every mutating operation.
type Dataset struct {
	Collections map[string][]Record `json:"collections"`
	Queue       []QueueEntry        `json:"queue,omitempty"`
	Tombstones  []Tombstone         `json:"tombstones,omitempty"`
}

// NewDataset returns an empty dataset with every registered collection
// present, so callers never need nil checks per collection.
func NewDataset() *Dataset {
	ds := &Dataset{Collections: make(map[string][]Record, len(Collections))}
	for _, spec := range Collections {
		ds.Collections[spec.Name] = nil
	}
	return ds
}

// Store is the durable local persistence boundary. Implementations must
// treat the dataset as one atomic blob: a Save either lands fully or not at
// all.
type Store interface {
	Load() (*Dataset, error)
	Save(ds *Dataset) error
	Clear() error
}

// FileStore persists the dataset as a JSON file, written atomically via a
// temp file and rename. A corrupted file is preserved under a timestamped
// backup path and the store resets to an empty dataset rather than failing
// startup.
type FileStore struct {
	Path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{Path: path, logger: logger, now: time.Now}
}

// Load reads the dataset. A missing file yields a fresh empty dataset.
func (s *FileStore) Load() (*Dataset, error) {
	raw, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewDataset(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local store: %w", err)
	}

	var ds Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		backup, backupErr := s.quarantine(raw)
		if backupErr != nil {
			return nil, fmt.Errorf("local store corrupted and backup failed: %w", backupErr)
		}
		s.logger.Error("Local store corrupted, resetting to empty",
			"path", s.Path, "backup", backup, "error", err)
		fresh := NewDataset()
		if saveErr := s.Save(fresh); saveErr != nil {
			return nil, fmt.Errorf("failed to reset corrupted store: %w", saveErr)
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

// Save writes the dataset atomically.
func (s *FileStore) Save(ds *Dataset) error {
	raw, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write local store: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("failed to replace local store: %w", err)
	}
	return nil
}

// Clear removes the persisted dataset.
func (s *FileStore) Clear() error {
	err := os.Remove(s.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear local store: %w", err)
	}
	return nil
}

// quarantine preserves a corrupted blob under a timestamped sibling path.
func (s *FileStore) quarantine(raw []byte) (string, error) {
	backup := fmt.Sprintf("%s.corrupt-%s", s.Path, s.now().UTC().Format("20060102T150405Z"))
	if err := os.WriteFile(backup, raw, 0o600); err != nil {
		return "", err
	}
	return backup, nil
}
