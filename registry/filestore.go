package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore persists the routing table as a single JSON file mapping route
// prefix to {name, targets}. Health metrics are deliberately left out of the
// file (see TargetHealth).
//
// Save writes to a temp file in the same directory and renames it over the
// real path, so a crash mid-write never leaves a half-written file behind:
// readers always see either the previous complete version or the new one.
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to path. The parent directory is
// created on first Save if missing.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted snapshot. A missing file is an empty registry,
// not an error: first boot has nothing to load.
func (s *FileStore) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse registry file %s: %w", s.path, err)
	}
	return snap, nil
}

// Save atomically replaces the registry file with the given snapshot.
func (s *FileStore) Save(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	// Temp file must live in the same directory: rename is only atomic
	// within one filesystem.
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace registry file: %w", err)
	}
	return nil
}
