package keys

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/ironid/pki"
	"github.com/jmcleod/ironid/storage"
	"github.com/jmcleod/ironid/storage/memory"
)

func newManager(t *testing.T, repo storage.Repository) *Manager {
	t.Helper()
	issuer := pki.NewIssuer(pki.IssuerConfig{Name: "id.example.com", Validity: time.Hour})
	lt := NewPool(LongTerm, SignWithCurrent, pki.NewRepositoryKeyStore(repo, string(LongTerm)), issuer)
	st := NewPool(ShortTerm, SignRotates, pki.NewRepositoryKeyStore(repo, string(ShortTerm)), issuer)
	m := NewManager(lt, st)
	require.NoError(t, m.Init(t.Context()))
	require.NoError(t, m.Init(t.Context()))
	return m
}

func TestParseKeyID(t *testing.T) {
	n, ok := ParseKeyID("ed25519:12")
	assert.True(t, ok)
	assert.Equal(t, 12, n)
	assert.Equal(t, "ed25519:12", FormatKeyID(12))

	for _, bad := range []string{"ed25519:", "ed25519:-1", "rsa:1", "ed25519:x"} {
		_, ok := ParseKeyID(bad)
		assert.False(t, ok, bad)
	}
}

func TestGenerateNewKeyNumbering(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	m := newManager(t, repo)

	_, ok, err := m.RetrieveCurrentKey(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "no key is generated implicitly")

	id0, err := m.GenerateNewKey(ctx, LongTerm)
	require.NoError(t, err)
	id1, err := m.GenerateNewKey(ctx, LongTerm)
	require.NoError(t, err)
	assert.Equal(t, "ed25519:0", id0)
	assert.Equal(t, "ed25519:1", id1)

	current, ok, err := m.RetrieveCurrentKey(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id1, current)

	// A fresh manager over the same repository carries no in-memory
	// counters.
	restarted := newManager(t, repo)
	id2, err := restarted.GenerateNewKey(ctx, LongTerm)
	require.NoError(t, err)
	assert.Equal(t, "ed25519:2", id2)

	// Pools number independently.
	st0, err := restarted.GenerateNewKey(ctx, ShortTerm)
	require.NoError(t, err)
	assert.Equal(t, "ed25519:0", st0)
}

func TestNumberingSurvivesRetireAll(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	m := newManager(t, repo)

	for i := 0; i < 3; i++ {
		_, err := m.GenerateNewKey(ctx, ShortTerm)
		require.NoError(t, err)
	}
	n, err := m.RetireAll(ctx, ShortTerm)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	id, err := newManager(t, repo).GenerateNewKey(ctx, ShortTerm)
	require.NoError(t, err)
	assert.Equal(t, "ed25519:3", id)
}

func TestEnsureCurrentKey(t *testing.T) {
	ctx := t.Context()
	m := newManager(t, memory.NewRepository())

	id, created, err := m.EnsureCurrentKey(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ed25519:0", id)

	id, created, err = m.EnsureCurrentKey(ctx)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "ed25519:0", id)
}

func TestLongTermSign(t *testing.T) {
	ctx := t.Context()
	m := newManager(t, memory.NewRepository())
	content := []byte(`{"address":"a@example.com"}`)

	_, _, err := m.Sign(ctx, LongTerm, content)
	assert.ErrorIs(t, err, ErrNoCurrentKey)

	_, err = m.GenerateNewKey(ctx, LongTerm)
	require.NoError(t, err)
	current, err := m.GenerateNewKey(ctx, LongTerm)
	require.NoError(t, err)

	keyID, sig, err := m.Sign(ctx, LongTerm, content)
	require.NoError(t, err)
	assert.Equal(t, current, keyID)

	cert, ok, err := m.CertificateFor(ctx, keyID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ed25519.Verify(cert.PublicKey.(ed25519.PublicKey), content, sig))

	// Repeated signatures come from the same key.
	again, _, err := m.Sign(ctx, LongTerm, content)
	require.NoError(t, err)
	assert.Equal(t, keyID, again)

	pub, ok, err := m.PublicKey(ctx, LongTerm, keyID)
	require.NoError(t, err)
	require.True(t, ok)
	valid, err := m.ValidPublicKey(ctx, LongTerm, pub)
	require.NoError(t, err)
	assert.True(t, valid)
	valid, err = m.ValidPublicKey(ctx, ShortTerm, pub)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestShortTermSignAlwaysRotates(t *testing.T) {
	ctx := t.Context()
	m := newManager(t, memory.NewRepository())

	const n = 24
	var (
		mu  sync.Mutex
		ids = map[string]ed25519.PublicKey{}
	)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			keyID, sig, err := m.Sign(ctx, ShortTerm, []byte("token"))
			if err != nil {
				return err
			}
			cert, ok, err := m.CertificateFor(ctx, keyID)
			if err != nil || !ok {
				return errors.Join(err, errors.New("missing certificate for "+keyID))
			}
			pub := cert.PublicKey.(ed25519.PublicKey)
			if !ed25519.Verify(pub, []byte("token"), sig) {
				return errors.New("bad signature from " + keyID)
			}
			mu.Lock()
			defer mu.Unlock()
			if _, dup := ids[keyID]; dup {
				return errors.New("duplicate key id " + keyID)
			}
			ids[keyID] = pub
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, ids, n)

	infos, err := m.Keys(ctx, ShortTerm)
	require.NoError(t, err)
	require.Len(t, infos, n)
	for _, info := range infos {
		assert.Equal(t, MembershipShortTermUsed, info.Membership)
	}

	for _, pub := range ids {
		ok, err := m.ValidPublicKey(ctx, ShortTerm, pub)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	_, err = m.RetireAll(ctx, ShortTerm)
	require.NoError(t, err)
	for _, pub := range ids {
		ok, err := m.ValidPublicKey(ctx, ShortTerm, pub)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestRetireAllIsNeverObservedPartially(t *testing.T) {
	ctx := t.Context()
	m := newManager(t, memory.NewRepository())

	const keys = 10
	for i := 0; i < keys; i++ {
		_, err := m.GenerateNewKey(ctx, ShortTerm)
		require.NoError(t, err)
	}

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			for j := 0; j < 20; j++ {
				infos, err := m.Keys(ctx, ShortTerm)
				if err != nil {
					return err
				}
				if len(infos) != keys && len(infos) != 0 {
					return errors.New("observed a partially retired pool")
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		_, err := m.RetireAll(ctx, ShortTerm)
		return err
	})
	require.NoError(t, g.Wait())

	infos, err := m.Keys(ctx, ShortTerm)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestCertificateForSearchesBothPools(t *testing.T) {
	ctx := t.Context()
	m := newManager(t, memory.NewRepository())

	_, ok, err := m.CertificateFor(ctx, "ed25519:0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.GenerateNewKey(ctx, ShortTerm)
	require.NoError(t, err)
	_, ok, err = m.CertificateFor(ctx, "ed25519:0")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnknownPool(t *testing.T) {
	m := newManager(t, memory.NewRepository())
	_, err := m.GenerateNewKey(t.Context(), PoolName("medium-term"))
	assert.ErrorIs(t, err, ErrUnknownPool)
}

type failingStore struct {
	pki.KeyStore
	failAliases bool
	failPut     bool
}

var errDisk = errors.New("disk on fire")

func (f *failingStore) Aliases(ctx context.Context) ([]string, error) {
	if f.failAliases {
		return nil, errDisk
	}
	return f.KeyStore.Aliases(ctx)
}

func (f *failingStore) Put(ctx context.Context, e *pki.Entry) error {
	if f.failPut {
		return errDisk
	}
	return f.KeyStore.Put(ctx, e)
}

func TestStorageFaultsSurfaceAsKeyStoreError(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	store := &failingStore{KeyStore: pki.NewRepositoryKeyStore(repo, string(LongTerm))}
	issuer := pki.NewIssuer(pki.IssuerConfig{})
	m := NewManager(
		NewPool(LongTerm, SignWithCurrent, store, issuer),
		NewPool(ShortTerm, SignRotates, pki.NewRepositoryKeyStore(repo, string(ShortTerm)), issuer),
	)
	require.NoError(t, m.Init(ctx))

	store.failPut = true
	_, err := m.GenerateNewKey(ctx, LongTerm)
	assert.ErrorIs(t, err, ErrKeyStore)
	assert.ErrorIs(t, err, errDisk)

	// The suffix burned by the failed attempt is not handed out again.
	store.failPut = false
	id, err := m.GenerateNewKey(ctx, LongTerm)
	require.NoError(t, err)
	assert.Equal(t, "ed25519:1", id)

	store.failAliases = true
	_, _, err = m.Sign(ctx, LongTerm, []byte("x"))
	assert.ErrorIs(t, err, ErrKeyStore)
}

// flakyDeleteRepo fails the second delete inside a batch.
type flakyDeleteRepo struct {
	*memory.Repository
}

type flakyDeleteTx struct {
	storage.BatchTx
	deletes int
}

func (tx *flakyDeleteTx) Delete(kind, id string) error {
	tx.deletes++
	if tx.deletes == 2 {
		return errDisk
	}
	return tx.BatchTx.Delete(kind, id)
}

func (r flakyDeleteRepo) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	return r.Repository.Batch(ctx, func(tx storage.BatchTx) error {
		return fn(&flakyDeleteTx{BatchTx: tx})
	})
}

func TestRetireAllFaultLeavesPoolIntact(t *testing.T) {
	ctx := t.Context()
	repo := flakyDeleteRepo{Repository: memory.NewRepository()}
	m := newManager(t, repo)

	for i := 0; i < 3; i++ {
		_, err := m.GenerateNewKey(ctx, ShortTerm)
		require.NoError(t, err)
	}

	n, err := m.RetireAll(ctx, ShortTerm)
	assert.ErrorIs(t, err, ErrKeyStore)
	assert.ErrorIs(t, err, errDisk)
	assert.Zero(t, n)

	infos, err := m.Keys(ctx, ShortTerm)
	require.NoError(t, err)
	assert.Len(t, infos, 3)
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestIssuerFailureInstallsNothing(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	issuer := pki.NewIssuer(pki.IssuerConfig{Rand: brokenReader{}})
	m := NewManager(
		NewPool(LongTerm, SignWithCurrent, pki.NewRepositoryKeyStore(repo, string(LongTerm)), issuer),
		NewPool(ShortTerm, SignRotates, pki.NewRepositoryKeyStore(repo, string(ShortTerm)), issuer),
	)
	require.NoError(t, m.Init(ctx))

	_, _, err := m.Sign(ctx, ShortTerm, []byte("x"))
	assert.ErrorIs(t, err, ErrKeyGeneration)

	infos, err := m.Keys(ctx, ShortTerm)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestPoolsAreIndependentLockDomains(t *testing.T) {
	ctx := t.Context()
	m := newManager(t, memory.NewRepository())
	_, err := m.GenerateNewKey(ctx, LongTerm)
	require.NoError(t, err)

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := WriteLocked(ctx, m.shortTerm.Coordinator(), func() (struct{}, error) {
			close(holding)
			<-release
			return struct{}{}, nil
		})
		done <- err
	}()
	<-holding

	short, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, _, err = m.Sign(short, LongTerm, []byte("x"))
	assert.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestPublicKeyEncoding(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	enc := EncodePublicKey(pub)
	assert.NotContains(t, enc, "=")

	got, err := DecodePublicKey(enc)
	require.NoError(t, err)
	assert.True(t, pub.Equal(got))

	_, err = DecodePublicKey("AAAA")
	assert.Error(t, err)
	_, err = DecodePublicKey("!!!")
	assert.Error(t, err)
}
