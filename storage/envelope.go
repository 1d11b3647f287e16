package storage

import (
	"fmt"

	"github.com/jmcleod/ironid/internal/util"
)

const envelopeScheme = "aes256gcm"

// Envelope is a sealed payload containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `cbor:"1,keyasint" json:"ver"`
	Scheme     string `cbor:"2,keyasint" json:"scheme"`
	Nonce      []byte `cbor:"3,keyasint" json:"nonce"`
	Ciphertext []byte `cbor:"4,keyasint" json:"ciphertext"`
}

// Seal encrypts plaintext into an Envelope using key and aad.
func Seal(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, key, aad)
	if err != nil {
		return nil, err
	}

	// util.EncryptAESWithAAD returns nonce || ciphertext.
	return &Envelope{
		Ver:        1,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:12],
		Ciphertext: sealed[12:],
	}, nil
}

// Open decrypts an Envelope using key and aad.
func Open(key []byte, env *Envelope, aad []byte) ([]byte, error) {
	if env.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	if env.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}

	full := make([]byte, len(env.Nonce)+len(env.Ciphertext))
	copy(full, env.Nonce)
	copy(full[len(env.Nonce):], env.Ciphertext)

	return util.DecryptAESWithAAD(full, key, aad)
}
