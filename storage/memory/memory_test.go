package memory

import (
	"errors"
	"testing"

	"github.com/jmcleod/ironid/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository(t *testing.T) {
	ctx := t.Context()
	repo := NewRepository()
	rec := &storage.Record{Data: []byte("payload"), Version: 1}

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "session", "s1", rec))

		got, err := repo.Get(ctx, "session", "s1")
		require.NoError(t, err)
		assert.Equal(t, rec.Data, got.Data)
		assert.Equal(t, rec.Version, got.Version)

		got.Data[0] = 'X'
		again, _ := repo.Get(ctx, "session", "s1")
		assert.Equal(t, byte('p'), again.Data[0], "repository must return clones")
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing-kind", "s1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = repo.Get(ctx, "session", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "session", "s2", rec))
		require.NoError(t, repo.Put(ctx, "invite", "i1", rec))

		ids, err := repo.List(ctx, "session")
		require.NoError(t, err)
		assert.Equal(t, []string{"s1", "s2"}, ids)

		ids, err = repo.List(ctx, "nothing")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "session", "s2"))
		assert.ErrorIs(t, repo.Delete(ctx, "session", "s2"), storage.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "nothing", "s2"), storage.ErrNotFound)
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := NewRepository()
		v1 := &storage.Record{Data: []byte("v1"), Version: 1}
		v2 := &storage.Record{Data: []byte("v2"), Version: 2}

		require.NoError(t, repo.PutCAS(ctx, "assoc", "a", 0, v1))
		assert.ErrorIs(t, repo.PutCAS(ctx, "assoc", "a", 0, v1), storage.ErrCASFailed)
		assert.ErrorIs(t, repo.PutCAS(ctx, "assoc", "a", 5, v2), storage.ErrCASFailed)
		require.NoError(t, repo.PutCAS(ctx, "assoc", "a", 1, v2))
		assert.ErrorIs(t, repo.PutCAS(ctx, "assoc", "missing", 1, v2), storage.ErrCASFailed)

		got, err := repo.Get(ctx, "assoc", "a")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(got.Data))
	})
}

func TestMemoryBatch(t *testing.T) {
	ctx := t.Context()
	repo := NewRepository()
	require.NoError(t, repo.Put(ctx, "session", "keep", &storage.Record{Data: []byte("keep")}))

	t.Run("commit", func(t *testing.T) {
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("assoc", "a", &storage.Record{Data: []byte("a"), Version: 1}); err != nil {
				return err
			}
			got, err := tx.Get("assoc", "a")
			if err != nil {
				return err
			}
			assert.Equal(t, "a", string(got.Data))
			return tx.PutCAS("assoc", "a", 1, &storage.Record{Data: []byte("b"), Version: 2})
		})
		require.NoError(t, err)

		got, err := repo.Get(ctx, "assoc", "a")
		require.NoError(t, err)
		assert.Equal(t, "b", string(got.Data))
	})

	t.Run("rollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			_ = tx.Put("assoc", "rolled-back", &storage.Record{Data: []byte("x")})
			_ = tx.Delete("session", "keep")
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = repo.Get(ctx, "assoc", "rolled-back")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.Get(ctx, "session", "keep")
		assert.NoError(t, err)
	})
}
