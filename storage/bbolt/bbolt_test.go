package bbolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmcleod/ironid/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "ironid-test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db)
}

func TestBBoltStorage(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	rec := &storage.Record{Data: []byte("payload"), Version: 1}

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "session", "s1", rec))

		got, err := s.Get(ctx, "session", "s1")
		require.NoError(t, err)
		assert.Equal(t, rec.Data, got.Data)
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "session", "s2", rec))
		ids, err := s.List(ctx, "session")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"s1", "s2"}, ids)

		ids, err = s.List(ctx, "nonexistent-kind")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("PutCAS create-only", func(t *testing.T) {
		require.NoError(t, s.PutCAS(ctx, "assoc", "cas1", 0, rec))
		assert.ErrorIs(t, s.PutCAS(ctx, "assoc", "cas1", 0, rec), storage.ErrCASFailed)
	})

	t.Run("PutCAS version match", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "assoc", "cas2", &storage.Record{Data: []byte("v1"), Version: 1}))
		require.NoError(t, s.PutCAS(ctx, "assoc", "cas2", 1, &storage.Record{Data: []byte("v2"), Version: 2}))

		got, err := s.Get(ctx, "assoc", "cas2")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("PutCAS version mismatch", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "assoc", "cas3", &storage.Record{Version: 5}))
		assert.ErrorIs(t, s.PutCAS(ctx, "assoc", "cas3", 3, &storage.Record{Version: 6}), storage.ErrCASFailed)
	})

	t.Run("PutCAS non-zero on missing record", func(t *testing.T) {
		assert.ErrorIs(t, s.PutCAS(ctx, "assoc", "cas-missing", 1, rec), storage.ErrCASFailed)
	})

	t.Run("Get errors", func(t *testing.T) {
		_, err := s.Get(ctx, "nonexistent-kind", "s1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.Get(ctx, "session", "nonexistent-record")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "session", "s2"))
		assert.ErrorIs(t, s.Delete(ctx, "session", "s2"), storage.ErrNotFound)
	})
}

func TestNewRepositoryFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ironid.db")
	repo, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer repo.Close()
	assert.NotNil(t, repo.db)

	_, err = NewRepositoryFromFile("/dev/null/ironid.db", nil)
	assert.Error(t, err)
}

func TestBBoltBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("atomic batch write", func(t *testing.T) {
		err := s.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("assoc", "b1", &storage.Record{Data: []byte("a")}); err != nil {
				return err
			}
			if err := tx.PutCAS("assoc", "b2", 0, &storage.Record{Data: []byte("b"), Version: 1}); err != nil {
				return err
			}
			got, err := tx.Get("assoc", "b2")
			if err != nil {
				return err
			}
			return tx.PutCAS("assoc", "b2", got.Version, &storage.Record{Data: []byte("c"), Version: 2})
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, "assoc", "b2")
		require.NoError(t, err)
		assert.Equal(t, "c", string(got.Data))
	})

	t.Run("batch rollback on error", func(t *testing.T) {
		err := s.Batch(ctx, func(tx storage.BatchTx) error {
			_ = tx.Put("assoc", "rollback-test", &storage.Record{Data: []byte("x")})
			return storage.ErrCASFailed
		})
		assert.ErrorIs(t, err, storage.ErrCASFailed)

		_, err = s.Get(ctx, "assoc", "rollback-test")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
