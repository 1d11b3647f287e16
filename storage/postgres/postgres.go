// Package postgres implements storage.Repository backed by PostgreSQL.
//
// All record kinds share a single records table keyed by (kind, record_id).
// PutCAS and Batch run inside transactions and lock the affected row with
// SELECT ... FOR UPDATE, so a compare-and-swap observes the latest
// committed version.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironid/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const upsertSQL = `INSERT INTO records (kind, record_id, data, version)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (kind, record_id)
	DO UPDATE SET data = $3, version = $4, updated_at = now()`

func (s *Store) Put(ctx context.Context, kind, id string, rec *storage.Record) error {
	_, err := s.pool.Exec(ctx, upsertSQL, kind, id, rec.Data, int64(rec.Version))
	return err
}

func (s *Store) Get(ctx context.Context, kind, id string) (*storage.Record, error) {
	return getRecord(ctx, s.pool, kind, id, false)
}

func (s *Store) List(ctx context.Context, kind string) ([]string, error) {
	return listRecords(ctx, s.pool, kind)
}

func (s *Store) Delete(ctx context.Context, kind, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM records WHERE kind = $1 AND record_id = $2`, kind, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) PutCAS(ctx context.Context, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return s.Batch(ctx, func(tx storage.BatchTx) error {
		return tx.PutCAS(kind, id, expectedVersion, rec)
	})
}

func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	ctx context.Context
	tx  pgx.Tx
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

// Get locks the row for the remainder of the transaction.
func (b *pgBatchTx) Get(kind, id string) (*storage.Record, error) {
	return getRecord(b.ctx, b.tx, kind, id, true)
}

func (b *pgBatchTx) List(kind string) ([]string, error) {
	return listRecords(b.ctx, b.tx, kind)
}

func (b *pgBatchTx) Put(kind, id string, rec *storage.Record) error {
	_, err := b.tx.Exec(b.ctx, upsertSQL, kind, id, rec.Data, int64(rec.Version))
	return err
}

func (b *pgBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
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

func (b *pgBatchTx) Delete(kind, id string) error {
	tag, err := b.tx.Exec(b.ctx,
		`DELETE FROM records WHERE kind = $1 AND record_id = $2`, kind, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// rowQuerier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getRecord(ctx context.Context, q rowQuerier, kind, id string, forUpdate bool) (*storage.Record, error) {
	query := `SELECT data, version FROM records WHERE kind = $1 AND record_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		rec     storage.Record
		version int64
	)
	err := q.QueryRow(ctx, query, kind, id).Scan(&rec.Data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func listRecords(ctx context.Context, q rowQuerier, kind string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT record_id FROM records WHERE kind = $1 ORDER BY record_id`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
