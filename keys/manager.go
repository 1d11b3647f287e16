package keys

import (
	"cmp"
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/jmcleod/ironid/internal/logger"
	"github.com/jmcleod/ironid/internal/metrics"
)

// Manager owns the long-term and short-term pools. The two pools are
// independent lock domains.
type Manager struct {
	longTerm  *Pool
	shortTerm *Pool
	log       *zap.Logger

	initMu sync.Mutex
	inited bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

func NewManager(longTerm, shortTerm *Pool, opts ...ManagerOption) *Manager {
	m := &Manager{longTerm: longTerm, shortTerm: shortTerm}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.OrNop(m.log)
	return m
}

// Pool returns the pool with the given name.
func (m *Manager) Pool(name PoolName) (*Pool, error) {
	switch name {
	case LongTerm:
		return m.longTerm, nil
	case ShortTerm:
		return m.shortTerm, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, name)
	}
}

// Init opens both pools' backing stores. It is safe to call repeatedly.
func (m *Manager) Init(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.inited {
		return nil
	}
	for _, p := range []*Pool{m.longTerm, m.shortTerm} {
		if _, err := WriteLocked(ctx, p.lock, func() (struct{}, error) {
			if err := p.store.Open(ctx); err != nil {
				return struct{}{}, storeErr("opening "+string(p.name), err)
			}
			return struct{}{}, nil
		}); err != nil {
			return err
		}
	}
	m.inited = true
	return nil
}

// GenerateNewKey mints the next key in the pool and returns its id.
func (m *Manager) GenerateNewKey(ctx context.Context, name PoolName) (string, error) {
	p, err := m.Pool(name)
	if err != nil {
		return "", err
	}
	keyID, err := WriteLocked(ctx, p.lock, func() (string, error) {
		entry, _, err := p.generateLocked(ctx, p.defaultMembership())
		if err != nil {
			return "", err
		}
		return entry.Alias, nil
	})
	if err != nil {
		return "", err
	}
	metrics.KeysGenerated.WithLabelValues(string(name)).Inc()
	p.log.Info("generated signing key", logger.KeyID(keyID))
	return keyID, nil
}

// RetrieveCurrentKey returns the id of the current long-term key. It
// never generates one.
func (m *Manager) RetrieveCurrentKey(ctx context.Context) (string, bool, error) {
	type current struct {
		id string
		ok bool
	}
	c, err := ReadLocked(ctx, m.longTerm.lock, func() (current, error) {
		alias, _, ok, err := m.longTerm.highestLocked(ctx)
		return current{alias, ok}, err
	})
	return c.id, c.ok, err
}

// EnsureCurrentKey returns the current long-term key, generating the
// first one when the pool is empty.
func (m *Manager) EnsureCurrentKey(ctx context.Context) (keyID string, created bool, err error) {
	p := m.longTerm
	type result struct {
		id      string
		created bool
	}
	r, err := WriteLocked(ctx, p.lock, func() (result, error) {
		alias, _, ok, err := p.highestLocked(ctx)
		if err != nil || ok {
			return result{id: alias}, err
		}
		entry, _, err := p.generateLocked(ctx, MembershipLongTerm)
		if err != nil {
			return result{}, err
		}
		return result{id: entry.Alias, created: true}, nil
	})
	if err != nil {
		return "", false, err
	}
	if r.created {
		metrics.KeysGenerated.WithLabelValues(string(LongTerm)).Inc()
		p.log.Info("generated initial long-term key", logger.KeyID(r.id))
	}
	return r.id, r.created, nil
}

type signature struct {
	keyID string
	sig   []byte
}

// Sign signs content exactly as given. On the short-term pool every call
// mints a new key, signs with it and stores it as used in one write-locked
// step. On the long-term pool it signs with the current key.
func (m *Manager) Sign(ctx context.Context, name PoolName, content []byte) (keyID string, sig []byte, err error) {
	p, err := m.Pool(name)
	if err != nil {
		return "", nil, err
	}

	var s signature
	switch p.policy {
	case SignRotates:
		s, err = WriteLocked(ctx, p.lock, func() (signature, error) {
			entry, km, err := p.generateLocked(ctx, MembershipShortTermUsed)
			if err != nil {
				return signature{}, err
			}
			return signature{keyID: entry.Alias, sig: ed25519.Sign(km.PrivateKey, content)}, nil
		})
		if err == nil {
			metrics.KeysGenerated.WithLabelValues(string(name)).Inc()
		}
	default:
		s, err = ReadLocked(ctx, p.lock, func() (signature, error) {
			alias, _, ok, err := p.highestLocked(ctx)
			if err != nil {
				return signature{}, err
			}
			if !ok {
				return signature{}, ErrNoCurrentKey
			}
			entry, err := p.store.Get(ctx, alias)
			if err != nil {
				return signature{}, storeErr("loading "+alias, err)
			}
			priv, err := entry.Signer()
			if err != nil {
				return signature{}, storeErr("decoding "+alias, err)
			}
			return signature{keyID: alias, sig: ed25519.Sign(priv, content)}, nil
		})
	}
	if err != nil {
		return "", nil, err
	}
	metrics.Signatures.WithLabelValues(string(name)).Inc()
	p.log.Debug("signed content", logger.KeyID(s.keyID), zap.Int("bytes", len(content)))
	return s.keyID, s.sig, nil
}

// ValidPublicKey reports whether pub belongs to a key stored in the pool.
func (m *Manager) ValidPublicKey(ctx context.Context, name PoolName, pub ed25519.PublicKey) (bool, error) {
	p, err := m.Pool(name)
	if err != nil {
		return false, err
	}
	return ReadLocked(ctx, p.lock, func() (bool, error) {
		entries, err := p.entriesLocked(ctx)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			cert, err := e.Certificate()
			if err != nil {
				return false, storeErr("decoding "+e.Alias, err)
			}
			if certPub, ok := cert.PublicKey.(ed25519.PublicKey); ok && certPub.Equal(pub) {
				return true, nil
			}
		}
		return false, nil
	})
}

// CertificateFor looks keyID up in the long-term pool, then the
// short-term pool.
func (m *Manager) CertificateFor(ctx context.Context, keyID string) (*x509.Certificate, bool, error) {
	for _, p := range []*Pool{m.longTerm, m.shortTerm} {
		cert, err := ReadLocked(ctx, p.lock, func() (*x509.Certificate, error) {
			aliases, err := p.store.Aliases(ctx)
			if err != nil {
				return nil, storeErr("listing aliases", err)
			}
			if !slices.Contains(aliases, keyID) {
				return nil, nil
			}
			e, err := p.store.Get(ctx, keyID)
			if err != nil {
				return nil, storeErr("loading "+keyID, err)
			}
			cert, err := e.Certificate()
			if err != nil {
				return nil, storeErr("decoding "+keyID, err)
			}
			return cert, nil
		})
		if err != nil {
			return nil, false, err
		}
		if cert != nil {
			return cert, true, nil
		}
	}
	return nil, false, nil
}

// PublicKey returns the public key stored under keyID in the pool.
func (m *Manager) PublicKey(ctx context.Context, name PoolName, keyID string) (ed25519.PublicKey, bool, error) {
	keys, err := m.Keys(ctx, name)
	if err != nil {
		return nil, false, err
	}
	for _, k := range keys {
		if k.KeyID == keyID {
			return k.PublicKey, true, nil
		}
	}
	return nil, false, nil
}

// Keys lists every key in the pool, ordered by suffix.
func (m *Manager) Keys(ctx context.Context, name PoolName) ([]KeyInfo, error) {
	p, err := m.Pool(name)
	if err != nil {
		return nil, err
	}
	return ReadLocked(ctx, p.lock, func() ([]KeyInfo, error) {
		entries, err := p.entriesLocked(ctx)
		if err != nil {
			return nil, err
		}
		infos := make([]KeyInfo, 0, len(entries))
		for _, e := range entries {
			info, err := p.info(e)
			if err != nil {
				return nil, err
			}
			infos = append(infos, info)
		}
		sortBySuffix(infos)
		return infos, nil
	})
}

// RetireAll deletes every key in the pool and returns how many were
// removed. Suffixes are not reused afterwards.
func (m *Manager) RetireAll(ctx context.Context, name PoolName) (int, error) {
	p, err := m.Pool(name)
	if err != nil {
		return 0, err
	}
	n, err := WriteLocked(ctx, p.lock, func() (int, error) {
		// The high-water mark is pinned in the same batch as the deletes.
		next, err := p.nextSuffixLocked(ctx)
		if err != nil {
			return 0, err
		}
		n, err := p.store.Retire(ctx, next-1)
		if err != nil {
			return 0, storeErr("retiring keys", err)
		}
		return n, nil
	})
	if n > 0 {
		metrics.KeysRetired.WithLabelValues(string(name)).Add(float64(n))
		p.log.Info("retired signing keys", logger.Count(n))
	}
	return n, err
}

// EncodePublicKey returns pub as unpadded standard base64.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.RawStdEncoding.EncodeToString(pub)
}

// DecodePublicKey accepts padded or unpadded, standard or URL-safe base64.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	for _, enc := range []*base64.Encoding{
		base64.RawStdEncoding, base64.StdEncoding, base64.RawURLEncoding, base64.URLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			if len(b) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
			}
			return ed25519.PublicKey(b), nil
		}
	}
	return nil, fmt.Errorf("public key is not valid base64")
}

func sortBySuffix(infos []KeyInfo) {
	slices.SortFunc(infos, func(a, b KeyInfo) int {
		na, _ := ParseKeyID(a.KeyID)
		nb, _ := ParseKeyID(b.KeyID)
		return cmp.Compare(na, nb)
	})
}
