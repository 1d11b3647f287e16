// Package keys manages the long-term and short-term signing key pools.
// Every pool access goes through the pool's Coordinator.
package keys

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/ironid/internal/clock"
	"github.com/jmcleod/ironid/internal/logger"
	"github.com/jmcleod/ironid/pki"
)

// Algorithm prefixes every key id.
const Algorithm = "ed25519"

// PoolName identifies one of the two key pools.
type PoolName string

const (
	LongTerm  PoolName = "long-term"
	ShortTerm PoolName = "short-term"
)

// Policy selects how Sign picks its key.
type Policy int

const (
	// SignWithCurrent signs with the pool's current (highest numbered) key.
	SignWithCurrent Policy = iota
	// SignRotates mints a new key for every signature and marks it used.
	SignRotates
)

func (p Policy) String() string {
	switch p {
	case SignWithCurrent:
		return "sign-with-current"
	case SignRotates:
		return "sign-rotates"
	default:
		return "unknown"
	}
}

// Membership records where a key sits in its pool.
type Membership string

const (
	MembershipLongTerm         Membership = "long-term"
	MembershipShortTermCurrent Membership = "short-term-current"
	MembershipShortTermUsed    Membership = "short-term-used"
)

// KeyInfo describes a stored key without exposing its private half.
type KeyInfo struct {
	KeyID       string
	Pool        PoolName
	Membership  Membership
	PublicKey   ed25519.PublicKey
	NotBefore   time.Time
	NotAfter    time.Time
	Fingerprint string
	CreatedAt   time.Time
}

// Pool is one key collection with its own lock, store and issuer.
type Pool struct {
	name   PoolName
	policy Policy
	store  pki.KeyStore
	issuer *pki.Issuer
	lock   *Coordinator
	clock  clock.Clock
	log    *zap.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLockTimeout bounds lock waits on the pool.
func WithLockTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.lock = NewCoordinator(string(p.name), d) }
}

func WithClock(c clock.Clock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

func WithLogger(l *zap.Logger) PoolOption {
	return func(p *Pool) { p.log = l }
}

func NewPool(name PoolName, policy Policy, store pki.KeyStore, issuer *pki.Issuer, opts ...PoolOption) *Pool {
	p := &Pool{
		name:   name,
		policy: policy,
		store:  store,
		issuer: issuer,
		lock:   NewCoordinator(string(name), DefaultLockTimeout),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.clock = clock.OrReal(p.clock)
	p.log = logger.OrNop(p.log).With(logger.Pool(string(name)))
	return p
}

func (p *Pool) Name() PoolName { return p.name }

func (p *Pool) Policy() Policy { return p.policy }

// Coordinator exposes the pool's lock so callers can group several
// operations into one critical section.
func (p *Pool) Coordinator() *Coordinator { return p.lock }

// FormatKeyID returns the key id for suffix n.
func FormatKeyID(n int) string {
	return Algorithm + ":" + strconv.Itoa(n)
}

// ParseKeyID returns the numeric suffix of an "ed25519:<n>" key id.
func ParseKeyID(keyID string) (int, bool) {
	rest, ok := strings.CutPrefix(keyID, Algorithm+":")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrKeyStore, op, err)
}

// highestLocked returns the largest suffix present among the aliases.
// Must be called with the pool lock held.
func (p *Pool) highestLocked(ctx context.Context) (alias string, n int, ok bool, err error) {
	aliases, err := p.store.Aliases(ctx)
	if err != nil {
		return "", 0, false, storeErr("listing aliases", err)
	}
	n = -1
	for _, a := range aliases {
		if s, valid := ParseKeyID(a); valid && s > n {
			alias, n = a, s
		}
	}
	return alias, n, n >= 0, nil
}

// nextSuffixLocked computes max(highest alias, high-water) + 1. Must be
// called with the write lock held.
func (p *Pool) nextSuffixLocked(ctx context.Context) (int, error) {
	_, highest, _, err := p.highestLocked(ctx)
	if err != nil {
		return 0, err
	}
	hw, ok, err := p.store.HighWater(ctx)
	if err != nil {
		return 0, storeErr("reading high-water mark", err)
	}
	if ok && hw > highest {
		highest = hw
	}
	return highest + 1, nil
}

// generateLocked mints and stores the next key. Nothing is written when
// the issuer fails. Must be called with the write lock held.
func (p *Pool) generateLocked(ctx context.Context, membership Membership) (*pki.Entry, *pki.KeyMaterial, error) {
	n, err := p.nextSuffixLocked(ctx)
	if err != nil {
		return nil, nil, err
	}
	km, err := p.issuer.Generate()
	if err != nil {
		return nil, nil, err
	}

	// Raise the high-water mark first so a failed Put never lets the
	// suffix be handed out twice.
	if err := p.store.SetHighWater(ctx, n); err != nil {
		return nil, nil, storeErr("raising high-water mark", err)
	}
	entry := pki.NewEntry(FormatKeyID(n), string(membership), km, p.clock.Now())
	if err := p.store.Put(ctx, entry); err != nil {
		return nil, nil, storeErr("storing "+entry.Alias, err)
	}
	return entry, km, nil
}

func (p *Pool) defaultMembership() Membership {
	if p.name == LongTerm {
		return MembershipLongTerm
	}
	return MembershipShortTermCurrent
}

// entriesLocked loads every entry. Must be called with a lock held.
func (p *Pool) entriesLocked(ctx context.Context) ([]*pki.Entry, error) {
	aliases, err := p.store.Aliases(ctx)
	if err != nil {
		return nil, storeErr("listing aliases", err)
	}
	entries := make([]*pki.Entry, 0, len(aliases))
	for _, a := range aliases {
		e, err := p.store.Get(ctx, a)
		if err != nil {
			return nil, storeErr("loading "+a, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (p *Pool) info(e *pki.Entry) (KeyInfo, error) {
	cert, err := e.Certificate()
	if err != nil {
		return KeyInfo{}, storeErr("decoding "+e.Alias, err)
	}
	pub, err := e.PublicKey()
	if err != nil {
		return KeyInfo{}, storeErr("decoding "+e.Alias, err)
	}
	return KeyInfo{
		KeyID:       e.Alias,
		Pool:        p.name,
		Membership:  Membership(e.Membership),
		PublicKey:   pub,
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Fingerprint: pki.Fingerprint(e.CertificateDER),
		CreatedAt:   e.CreatedAt,
	}, nil
}
