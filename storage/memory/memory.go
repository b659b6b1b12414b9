// Package memory provides a thread-safe in-memory storage.Snapshotter.
package memory

import (
	"sync"

	"github.com/jmcleod/acers/storage"
)

// Repository keeps the latest snapshot in memory. Suitable for testing,
// demos, and servers that do not need tokens to survive a restart.
type Repository struct {
	mu      sync.RWMutex
	records []storage.Record
	saves   int
	failErr error
}

var _ storage.Snapshotter = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Load() ([]storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return storage.CloneRecords(r.records), nil
}

func (r *Repository) Save(records []storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	r.records = storage.CloneRecords(records)
	r.saves++
	return nil
}

// Saves returns how many snapshots have been written.
func (r *Repository) Saves() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saves
}

// FailWith makes every following Save return err until called with nil.
func (r *Repository) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failErr = err
}
