// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmcleod/ironid/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func (r *Repository) Put(_ context.Context, kind, id string, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(kind, id, rec)
}

func (r *Repository) putLocked(kind, id string, rec *storage.Record) error {
	if _, ok := r.data[kind]; !ok {
		r.data[kind] = make(map[string]*storage.Record)
	}
	r.data[kind][id] = rec.Clone()
	return nil
}

func (r *Repository) Get(_ context.Context, kind, id string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(kind, id)
}

func (r *Repository) getLocked(kind, id string) (*storage.Record, error) {
	rec, ok := r.data[kind][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (r *Repository) List(_ context.Context, kind string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(kind), nil
}

func (r *Repository) listLocked(kind string) []string {
	ids := make([]string, 0, len(r.data[kind]))
	for id := range r.data[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Repository) Delete(_ context.Context, kind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(kind, id)
}

func (r *Repository) deleteLocked(kind, id string) error {
	records, ok := r.data[kind]
	if !ok {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	if _, ok := records[id]; !ok {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	delete(records, id)
	return nil
}

func (r *Repository) PutCAS(_ context.Context, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(kind, id, expectedVersion, rec)
}

func (r *Repository) putCASLocked(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	existing, ok := r.data[kind][id]
	if !ok {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(kind, id, rec)
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(kind, id, rec)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot()
	if err := fn(&memoryBatchTx{repo: r}); err != nil {
		r.data = snapshot
		return err
	}
	return nil
}

func (r *Repository) snapshot() map[string]map[string]*storage.Record {
	cp := make(map[string]map[string]*storage.Record, len(r.data))
	for kind, records := range r.data {
		inner := make(map[string]*storage.Record, len(records))
		for id, rec := range records {
			inner[id] = rec.Clone()
		}
		cp[kind] = inner
	}
	return cp
}

type memoryBatchTx struct {
	repo *Repository
}

func (tx *memoryBatchTx) Get(kind, id string) (*storage.Record, error) {
	return tx.repo.getLocked(kind, id)
}

func (tx *memoryBatchTx) List(kind string) ([]string, error) {
	return tx.repo.listLocked(kind), nil
}

func (tx *memoryBatchTx) Put(kind, id string, rec *storage.Record) error {
	return tx.repo.putLocked(kind, id, rec)
}

func (tx *memoryBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return tx.repo.putCASLocked(kind, id, expectedVersion, rec)
}

func (tx *memoryBatchTx) Delete(kind, id string) error {
	return tx.repo.deleteLocked(kind, id)
}
