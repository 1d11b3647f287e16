package pki

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrKeyNotFound is returned when the referenced alias does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyStoreNotOpen is returned when a KeyStore is used before Open.
	ErrKeyStoreNotOpen = errors.New("key store is not open")

	// ErrWrongPassphrase is returned by Open when the configured passphrase
	// does not unlock an existing store.
	ErrWrongPassphrase = errors.New("key store passphrase does not match")
)

// Entry is one alias in a key store: the private key, its certificate and
// the pool membership tag the owner assigned to it.
type Entry struct {
	Alias          string    `cbor:"1,keyasint"`
	PrivateKey     []byte    `cbor:"2,keyasint"`
	CertificateDER []byte    `cbor:"3,keyasint"`
	Membership     string    `cbor:"4,keyasint"`
	CreatedAt      time.Time `cbor:"5,keyasint"`
}

// NewEntry builds an Entry from freshly issued material.
func NewEntry(alias, membership string, km *KeyMaterial, createdAt time.Time) *Entry {
	return &Entry{
		Alias:          alias,
		PrivateKey:     append([]byte(nil), km.PrivateKey...),
		CertificateDER: append([]byte(nil), km.CertificateDER...),
		Membership:     membership,
		CreatedAt:      createdAt.UTC(),
	}
}

func (e *Entry) Certificate() (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(e.CertificateDER)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate for %s: %w", e.Alias, err)
	}
	return cert, nil
}

func (e *Entry) Signer() (ed25519.PrivateKey, error) {
	if len(e.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length for %s: %d", e.Alias, len(e.PrivateKey))
	}
	return ed25519.PrivateKey(e.PrivateKey), nil
}

// PublicKey returns the public half of the entry's key pair.
func (e *Entry) PublicKey() (ed25519.PublicKey, error) {
	priv, err := e.Signer()
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// KeyStore persists alias entries for a single key pool. Implementations
// only need to be safe for the access pattern the owner enforces; the
// keys package serializes writers and excludes readers while they run.
type KeyStore interface {
	// Open prepares the backing storage. Calling Open again is a no-op.
	Open(ctx context.Context) error
	// Aliases lists the stored aliases in lexical order.
	Aliases(ctx context.Context) ([]string, error)
	Get(ctx context.Context, alias string) (*Entry, error)
	// Put inserts or replaces the entry for e.Alias.
	Put(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, alias string) error
	// HighWater returns the largest numeric suffix ever issued by the pool,
	// or ok == false if none has been recorded.
	HighWater(ctx context.Context) (n int, ok bool, err error)
	SetHighWater(ctx context.Context, n int) error
	// Retire atomically raises the high-water mark to n (n < 0 leaves it
	// alone) and deletes every entry. Either all entries go or none do.
	Retire(ctx context.Context, n int) (int, error)
}
