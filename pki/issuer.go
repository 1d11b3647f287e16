// Package pki mints Ed25519 signing keys with short self-signed X.509
// certificates and persists them in a pluggable key store.
package pki

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/jmcleod/ironid/internal/clock"
	"github.com/jmcleod/ironid/internal/util"
)

// ErrKeyGeneration is returned when a key pair or its certificate cannot be
// produced. Nothing is installed when it is returned.
var ErrKeyGeneration = errors.New("key generation failed")

const (
	DefaultIssuerName = "ironid"
	DefaultValidity   = 365 * 24 * time.Hour
	DefaultSerialBits = 64

	// x509 serial numbers are at most 20 octets and must be positive.
	maxSerialBits = 159
)

// IssuerConfig configures an Issuer. Zero fields take the package defaults.
type IssuerConfig struct {
	Name       string
	Validity   time.Duration
	SerialBits int
	// Rand is the entropy source for keys and serials. A deterministic
	// reader yields reproducible material.
	Rand  io.Reader
	Clock clock.Clock
}

// Issuer generates fresh key material. It holds no mutable state and is
// safe for concurrent use as long as its Rand is.
type Issuer struct {
	cfg IssuerConfig
}

// KeyMaterial is a key pair together with the certificate it self-signed.
type KeyMaterial struct {
	PrivateKey     ed25519.PrivateKey
	PublicKey      ed25519.PublicKey
	Certificate    *x509.Certificate
	CertificateDER []byte
}

func NewIssuer(cfg IssuerConfig) *Issuer {
	if cfg.Name == "" {
		cfg.Name = DefaultIssuerName
	}
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultValidity
	}
	if cfg.SerialBits == 0 {
		cfg.SerialBits = DefaultSerialBits
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	return &Issuer{cfg: cfg}
}

// Generate returns a new key pair and a certificate with NotBefore = now,
// NotAfter = now + Validity and a serial of exactly SerialBits bits.
func (i *Issuer) Generate() (*KeyMaterial, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(i.cfg.Rand, seed); err != nil {
		return nil, fmt.Errorf("%w: reading key seed: %v", ErrKeyGeneration, err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	util.WipeBytes(seed)
	pub := priv.Public().(ed25519.PublicKey)

	serial, err := i.serial()
	if err != nil {
		return nil, err
	}

	now := i.cfg.Clock.Now().UTC().Truncate(time.Second)
	subject := pkix.Name{CommonName: i.cfg.Name}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now,
		NotAfter:              now.Add(i.cfg.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(i.cfg.Rand, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("%w: creating certificate: %v", ErrKeyGeneration, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing certificate: %v", ErrKeyGeneration, err)
	}

	return &KeyMaterial{
		PrivateKey:     priv,
		PublicKey:      pub,
		Certificate:    cert,
		CertificateDER: der,
	}, nil
}

func (i *Issuer) serial() (*big.Int, error) {
	bits := i.cfg.SerialBits
	if bits < 2 || bits > maxSerialBits {
		return nil, fmt.Errorf("%w: serial length %d bits out of range", ErrKeyGeneration, bits)
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bits-1))
	n, err := rand.Int(i.cfg.Rand, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: generating serial: %v", ErrKeyGeneration, err)
	}
	// Force the top bit so the serial has exactly the configured length.
	return n.SetBit(n, bits-1, 1), nil
}

// EncodeCertificatePEM returns der as a PEM "CERTIFICATE" block.
func EncodeCertificatePEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// Fingerprint returns the hex SHA-256 of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
