// Package file provides a storage.Snapshotter writing the snapshot to a
// single JSON file.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmcleod/acers/storage"
)

// Store reads and atomically replaces a snapshot file.
type Store struct {
	path string
}

var _ storage.Snapshotter = (*Store)(nil)

// New returns a Store for path. The file need not exist.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load() ([]storage.Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []storage.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrCorrupt, err)
	}
	return records, nil
}

// Save writes the snapshot to a temporary file next to the target and
// renames it into place, so readers see either the old or the new
// snapshot.
func (s *Store) Save(records []storage.Record) error {
	if records == nil {
		records = []storage.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	temporaryPath := s.path + ".tmp"

	f, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary snapshot: %w", err)
	}

	if err := os.Rename(temporaryPath, s.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}
