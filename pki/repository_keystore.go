package pki

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironid/internal/util"
	"github.com/jmcleod/ironid/storage"
)

const (
	metaRecordID      = "__meta"
	highWaterRecordID = "__highwater"
	reservedPrefix    = "__"

	checkPlaintext = "ironid-keystore-check"
)

// keystoreMeta is written once per encrypted pool and pins the KDF inputs.
type keystoreMeta struct {
	Salt   []byte              `cbor:"1,keyasint"`
	Params util.Argon2idParams `cbor:"2,keyasint"`
	Check  *storage.Envelope   `cbor:"3,keyasint"`
}

// storedEntry is the record body. Exactly one of Sealed and Plain is set.
type storedEntry struct {
	Sealed *storage.Envelope `cbor:"1,keyasint,omitempty"`
	Plain  []byte            `cbor:"2,keyasint,omitempty"`
}

type highWater struct {
	N int `cbor:"1,keyasint"`
}

// RepositoryKeyStore stores one pool's entries as records of kind
// "keystore:<pool>" in a storage.Repository. With a passphrase, entries are
// sealed with AES-256-GCM under a key derived by Argon2id and HKDF; the
// derived key lives in a memguard Enclave for the lifetime of the store.
type RepositoryKeyStore struct {
	repo storage.Repository
	pool string
	kind string

	passphrase string
	params     util.Argon2idParams

	mu     sync.Mutex
	opened bool
	key    *memguard.Enclave
}

var _ KeyStore = (*RepositoryKeyStore)(nil)

type RepositoryKeyStoreOption func(*RepositoryKeyStore)

// WithPassphrase seals entries under a key derived from passphrase.
func WithPassphrase(passphrase string) RepositoryKeyStoreOption {
	return func(s *RepositoryKeyStore) { s.passphrase = passphrase }
}

// WithArgon2idParams overrides the KDF cost used when a new encrypted
// store is created. Existing stores keep the parameters they were
// created with.
func WithArgon2idParams(p util.Argon2idParams) RepositoryKeyStoreOption {
	return func(s *RepositoryKeyStore) { s.params = p }
}

func NewRepositoryKeyStore(repo storage.Repository, pool string, opts ...RepositoryKeyStoreOption) *RepositoryKeyStore {
	s := &RepositoryKeyStore{
		repo:   repo,
		pool:   pool,
		kind:   "keystore:" + pool,
		params: util.DefaultArgon2idParams(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kind returns the storage record kind used for this pool.
func (s *RepositoryKeyStore) Kind() string { return s.kind }

func (s *RepositoryKeyStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	if s.passphrase != "" {
		key, err := s.unlock(ctx)
		if err != nil {
			return err
		}
		s.key = key
	}
	s.opened = true
	return nil
}

// unlock loads (or creates) the pool's KDF metadata and derives the
// sealing key.
func (s *RepositoryKeyStore) unlock(ctx context.Context) (*memguard.Enclave, error) {
	meta, err := s.loadMeta(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		meta, err = s.createMeta(ctx)
	}
	if err != nil {
		return nil, err
	}

	key, err := s.deriveKey(meta.Salt, meta.Params)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	if meta.Check != nil {
		got, err := storage.Open(key, meta.Check, s.aad(metaRecordID))
		if err != nil || string(got) != checkPlaintext {
			return nil, ErrWrongPassphrase
		}
	}
	return memguard.NewEnclave(util.CopyBytes(key)), nil
}

func (s *RepositoryKeyStore) loadMeta(ctx context.Context) (*keystoreMeta, error) {
	rec, err := s.repo.Get(ctx, s.kind, metaRecordID)
	if err != nil {
		return nil, err
	}
	var meta keystoreMeta
	if err := unmarshalCBOR(rec.Data, &meta); err != nil {
		return nil, fmt.Errorf("decoding keystore metadata: %w", err)
	}
	return &meta, nil
}

func (s *RepositoryKeyStore) createMeta(ctx context.Context) (*keystoreMeta, error) {
	salt, err := util.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	meta := &keystoreMeta{Salt: salt, Params: s.params}

	key, err := s.deriveKey(salt, s.params)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	meta.Check, err = storage.Seal(key, []byte(checkPlaintext), s.aad(metaRecordID))
	if err != nil {
		return nil, fmt.Errorf("sealing keystore check: %w", err)
	}

	data, err := marshalCBOR(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding keystore metadata: %w", err)
	}
	err = s.repo.PutCAS(ctx, s.kind, metaRecordID, 0, &storage.Record{Data: data, Version: 1})
	if errors.Is(err, storage.ErrCASFailed) {
		// Another process created the store first; use its parameters.
		return s.loadMeta(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("storing keystore metadata: %w", err)
	}
	return meta, nil
}

func (s *RepositoryKeyStore) deriveKey(salt []byte, params util.Argon2idParams) ([]byte, error) {
	params.KeyLen = 32
	seed, err := util.DeriveArgon2idKey(s.passphrase, salt, params)
	if err != nil {
		return nil, fmt.Errorf("deriving keystore key: %w", err)
	}
	defer util.WipeBytes(seed)
	return util.HKDF(seed, salt, []byte("ironid/keystore/"+s.pool))
}

func (s *RepositoryKeyStore) aad(alias string) []byte {
	return []byte(s.kind + "/" + alias)
}

func (s *RepositoryKeyStore) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return ErrKeyStoreNotOpen
	}
	return nil
}

func (s *RepositoryKeyStore) Aliases(ctx context.Context) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ids, err := s.repo.List(ctx, s.kind)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.kind, err)
	}
	aliases := make([]string, 0, len(ids))
	for _, id := range ids {
		if !strings.HasPrefix(id, reservedPrefix) {
			aliases = append(aliases, id)
		}
	}
	sort.Strings(aliases)
	return aliases, nil
}

func (s *RepositoryKeyStore) Get(ctx context.Context, alias string) (*Entry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rec, err := s.repo.Get(ctx, s.kind, alias)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, alias)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", alias, err)
	}

	var stored storedEntry
	if err := unmarshalCBOR(rec.Data, &stored); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", alias, err)
	}
	plain := stored.Plain
	if stored.Sealed != nil {
		plain, err = s.open(stored.Sealed, alias)
		if err != nil {
			return nil, err
		}
	}

	var e Entry
	if err := unmarshalCBOR(plain, &e); err != nil {
		return nil, fmt.Errorf("decoding entry %s: %w", alias, err)
	}
	return &e, nil
}

func (s *RepositoryKeyStore) Put(ctx context.Context, e *Entry) error {
	if err := s.ready(); err != nil {
		return err
	}
	plain, err := marshalCBOR(e)
	if err != nil {
		return fmt.Errorf("encoding entry %s: %w", e.Alias, err)
	}

	var stored storedEntry
	if s.key != nil {
		stored.Sealed, err = s.seal(plain, e.Alias)
		util.WipeBytes(plain)
		if err != nil {
			return err
		}
	} else {
		stored.Plain = plain
	}

	data, err := marshalCBOR(stored)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", e.Alias, err)
	}
	if err := s.repo.Put(ctx, s.kind, e.Alias, &storage.Record{Data: data, Version: 1}); err != nil {
		return fmt.Errorf("storing %s: %w", e.Alias, err)
	}
	return nil
}

func (s *RepositoryKeyStore) Delete(ctx context.Context, alias string) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := s.repo.Delete(ctx, s.kind, alias)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, alias)
	}
	if err != nil {
		return fmt.Errorf("deleting %s: %w", alias, err)
	}
	return nil
}

func (s *RepositoryKeyStore) HighWater(ctx context.Context) (int, bool, error) {
	if err := s.ready(); err != nil {
		return 0, false, err
	}
	rec, err := s.repo.Get(ctx, s.kind, highWaterRecordID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("loading high-water mark: %w", err)
	}
	var hw highWater
	if err := unmarshalCBOR(rec.Data, &hw); err != nil {
		return 0, false, fmt.Errorf("decoding high-water mark: %w", err)
	}
	return hw.N, true, nil
}

func (s *RepositoryKeyStore) SetHighWater(ctx context.Context, n int) error {
	if err := s.ready(); err != nil {
		return err
	}
	data, err := marshalCBOR(highWater{N: n})
	if err != nil {
		return fmt.Errorf("encoding high-water mark: %w", err)
	}
	if err := s.repo.Put(ctx, s.kind, highWaterRecordID, &storage.Record{Data: data, Version: 1}); err != nil {
		return fmt.Errorf("storing high-water mark: %w", err)
	}
	return nil
}

func (s *RepositoryKeyStore) Retire(ctx context.Context, n int) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var removed int
	err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		removed = 0
		if n >= 0 {
			data, err := marshalCBOR(highWater{N: n})
			if err != nil {
				return fmt.Errorf("encoding high-water mark: %w", err)
			}
			if err := tx.Put(s.kind, highWaterRecordID, &storage.Record{Data: data, Version: 1}); err != nil {
				return fmt.Errorf("storing high-water mark: %w", err)
			}
		}
		ids, err := tx.List(s.kind)
		if err != nil {
			return fmt.Errorf("listing %s: %w", s.kind, err)
		}
		for _, id := range ids {
			if strings.HasPrefix(id, reservedPrefix) {
				continue
			}
			if err := tx.Delete(s.kind, id); err != nil {
				return fmt.Errorf("deleting %s: %w", id, err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Close destroys the in-memory sealing key. The store must be reopened
// before further use.
func (s *RepositoryKeyStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = nil
	s.opened = false
}

func (s *RepositoryKeyStore) seal(plain []byte, alias string) (*storage.Envelope, error) {
	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening keystore key: %w", err)
	}
	defer buf.Destroy()
	env, err := storage.Seal(buf.Bytes(), plain, s.aad(alias))
	if err != nil {
		return nil, fmt.Errorf("sealing %s: %w", alias, err)
	}
	return env, nil
}

func (s *RepositoryKeyStore) open(env *storage.Envelope, alias string) ([]byte, error) {
	if s.key == nil {
		return nil, fmt.Errorf("%s is sealed and no passphrase is configured", alias)
	}
	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening keystore key: %w", err)
	}
	defer buf.Destroy()
	plain, err := storage.Open(buf.Bytes(), env, s.aad(alias))
	if err != nil {
		return nil, fmt.Errorf("unsealing %s: %w", alias, err)
	}
	return plain, nil
}
