// Package storage provides the persistence abstraction shared by the
// keystore, verification sessions, associations and invitations.
//
// Records are addressed by (kind, id). A kind groups records of one type
// (for example "session" or "keystore:long-term") and maps to a bucket,
// table partition or key prefix depending on the backend.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is an opaque stored value with an optimistic-concurrency version.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Data: append([]byte(nil), r.Data...), Version: r.Version}
}

// BatchTx exposes reads and writes inside a single atomic transaction.
// Reads observe writes made earlier in the same transaction.
type BatchTx interface {
	Get(kind, id string) (*Record, error)
	List(kind string) ([]string, error)
	Put(kind, id string, rec *Record) error
	PutCAS(kind, id string, expectedVersion uint64, rec *Record) error
	Delete(kind, id string) error
}

// Repository defines the interface for durable record storage.
//
// PutCAS with expectedVersion 0 creates the record only if it does not
// exist; a non-zero expectedVersion replaces the record only if the
// stored version matches. Batch runs fn atomically: if fn returns an
// error, none of its writes are applied.
type Repository interface {
	Put(ctx context.Context, kind, id string, rec *Record) error
	Get(ctx context.Context, kind, id string) (*Record, error)
	List(ctx context.Context, kind string) ([]string, error)
	Delete(ctx context.Context, kind, id string) error
	PutCAS(ctx context.Context, kind, id string, expectedVersion uint64, rec *Record) error
	Batch(ctx context.Context, fn func(tx BatchTx) error) error
}
