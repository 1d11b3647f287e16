// Package session drives the proof of ownership of a third-party address:
// a session is created, a token is delivered out of band, and presenting
// the token validates the session so it can later be published as an
// association.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/ironid/internal/util"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrSessionNotFound = errors.New("session not found")
	ErrSecretMismatch  = errors.New("client secret does not match")
	ErrTokenMismatch   = errors.New("token or client secret does not match")
	ErrNotValidated    = errors.New("session has not been validated")
	ErrSessionExpired  = errors.New("session has expired")
	// ErrRateLimited is returned alongside a *ratelimit.LimitError carrying
	// the retry-after hint.
	ErrRateLimited = errors.New("too many verification requests")
	// ErrAlreadyPublished is an ErrNotValidated: a session backs one
	// association only.
	ErrAlreadyPublished = fmt.Errorf("%w: session already published", ErrNotValidated)
)

// Medium is the kind of third-party address being verified.
type Medium string

const (
	MediumEmail  Medium = "email"
	MediumMSISDN Medium = "msisdn"
)

// ParseMedium accepts "email" and "msisdn" in any case.
func ParseMedium(s string) (Medium, error) {
	switch m := Medium(strings.ToLower(strings.TrimSpace(s))); m {
	case MediumEmail, MediumMSISDN:
		return m, nil
	case "":
		return "", fmt.Errorf("%w: medium is required", ErrInvalidRequest)
	default:
		return "", fmt.Errorf("%w: unsupported medium %q", ErrInvalidRequest, s)
	}
}

// NormalizeAddress returns the form of address used for storage and
// comparison.
func NormalizeAddress(m Medium, address string) string {
	switch m {
	case MediumEmail:
		return util.NormalizeEmail(address)
	case MediumMSISDN:
		return util.NormalizeMSISDN(address)
	default:
		return strings.TrimSpace(address)
	}
}

// State is the position of a session in its lifecycle.
type State string

const (
	StateCreated   State = "created"
	StateValidated State = "validated"
	StatePublished State = "published"
)

// Session is a stored verification session. The raw token is never
// persisted; only its digest is.
type Session struct {
	ID            string    `json:"sid"`
	ClientSecret  string    `json:"client_secret"`
	Medium        Medium    `json:"medium"`
	Address       string    `json:"address"`
	TokenDigest   string    `json:"token_digest"`
	SendAttempt   int       `json:"send_attempt"`
	NextLink      string    `json:"next_link,omitempty"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	TokenIssuedAt time.Time `json:"token_issued_at"`
	ValidatedAt   time.Time `json:"validated_at,omitzero"`
	PublishedAt   time.Time `json:"published_at,omitzero"`
}

// Validated reports whether the session has passed token validation.
func (s *Session) Validated() bool {
	return s.State == StateValidated || s.State == StatePublished
}

// CreateRequest starts (or retries) a verification session.
type CreateRequest struct {
	ClientSecret string
	Medium       Medium
	Address      string
	SendAttempt  int
	NextLink     string
}

func (r CreateRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.ClientSecret) == "" {
		missing = append(missing, "client_secret")
	}
	if strings.TrimSpace(string(r.Medium)) == "" {
		missing = append(missing, "medium")
	}
	if strings.TrimSpace(r.Address) == "" {
		missing = append(missing, "address")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}
