package keys

import (
	"errors"

	"github.com/jmcleod/ironid/pki"
)

var (
	// ErrKeyStore wraps any fault raised by a pool's backing key store.
	ErrKeyStore = errors.New("key store error")

	// ErrKeyGeneration is returned when the issuer fails to mint a key.
	ErrKeyGeneration = pki.ErrKeyGeneration

	// ErrNoCurrentKey is returned when signing with the long-term pool
	// before any long-term key exists.
	ErrNoCurrentKey = errors.New("no current long-term key")

	// ErrUnknownPool is returned for a pool name the manager does not own.
	ErrUnknownPool = errors.New("unknown key pool")
)
