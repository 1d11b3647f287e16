// Package bbolt provides a BBolt-backed storage repository.
//
// Each record kind maps to its own top-level bucket; record IDs are the
// bucket keys and values are JSON-encoded storage.Record values.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/ironid/storage"
	"go.etcd.io/bbolt"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating bbolt directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(_ context.Context, kind, id string, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return (&boltBatchTx{tx: tx}).Put(kind, id, rec)
	})
}

func (s *Store) Get(_ context.Context, kind, id string) (*storage.Record, error) {
	var rec *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = (&boltBatchTx{tx: tx}).Get(kind, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) List(_ context.Context, kind string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		ids, err = (&boltBatchTx{tx: tx}).List(kind)
		return err
	})
	return ids, err
}

func (s *Store) Delete(_ context.Context, kind, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return (&boltBatchTx{tx: tx}).Delete(kind, id)
	})
}

func (s *Store) PutCAS(_ context.Context, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return (&boltBatchTx{tx: tx}).PutCAS(kind, id, expectedVersion, rec)
	})
}

// Batch runs fn inside a single read-write BBolt transaction. BBolt
// serialises writers, so reads made through tx cannot be invalidated by a
// concurrent writer before the transaction commits.
func (s *Store) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltBatchTx{tx: tx})
	})
}

type boltBatchTx struct {
	tx *bbolt.Tx
}

var _ storage.BatchTx = (*boltBatchTx)(nil)

func (b *boltBatchTx) Get(kind, id string) (*storage.Record, error) {
	bucket := b.tx.Bucket([]byte(kind))
	if bucket == nil {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", kind, id, err)
	}
	return &rec, nil
}

func (b *boltBatchTx) List(kind string) ([]string, error) {
	bucket := b.tx.Bucket([]byte(kind))
	if bucket == nil {
		return nil, nil
	}
	var ids []string
	err := bucket.ForEach(func(k, _ []byte) error {
		ids = append(ids, string(k))
		return nil
	})
	return ids, err
}

func (b *boltBatchTx) Put(kind, id string, rec *storage.Record) error {
	if !b.tx.Writable() {
		return fmt.Errorf("put %s/%s: read-only transaction", kind, id)
	}
	bucket, err := b.tx.CreateBucketIfNotExists([]byte(kind))
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(id), data)
}

func (b *boltBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	existing, err := b.Get(kind, id)
	switch {
	case err == nil:
		if expectedVersion == 0 || existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	case storage.IsNotFound(err):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	default:
		return err
	}
	return b.Put(kind, id, rec)
}

func (b *boltBatchTx) Delete(kind, id string) error {
	bucket := b.tx.Bucket([]byte(kind))
	if bucket == nil || bucket.Get([]byte(id)) == nil {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return bucket.Delete([]byte(id))
}
