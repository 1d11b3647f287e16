// Package apperr maps core errors to the payload surfaced at the service
// boundary: an error code, a message and an optional retry-after hint.
package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jmcleod/ironid/association"
	"github.com/jmcleod/ironid/internal/ratelimit"
	"github.com/jmcleod/ironid/invite"
	"github.com/jmcleod/ironid/keys"
	"github.com/jmcleod/ironid/session"
	"github.com/jmcleod/ironid/storage"
)

// Error codes.
const (
	CodeInvalidParam          = "M_INVALID_PARAM"
	CodeNoValidSession        = "M_NO_VALID_SESSION"
	CodeIncorrectClientSecret = "M_INCORRECT_CLIENT_SECRET"
	CodeInvalidToken          = "M_INVALID_TOKEN"
	CodeSessionNotValidated   = "M_SESSION_NOT_VALIDATED"
	CodeSessionExpired        = "M_SESSION_EXPIRED"
	CodeThreePIDInUse         = "M_THREEPID_IN_USE"
	CodeLimitExceeded         = "M_LIMIT_EXCEEDED"
	CodeNotFound              = "M_NOT_FOUND"
	CodeForbidden             = "M_FORBIDDEN"
	CodeUnavailable           = "M_UNAVAILABLE"
	CodeUnknown               = "M_UNKNOWN"
)

// lockRetryAfter is the hint given when a key pool lock timed out.
const lockRetryAfter = time.Second

type Payload struct {
	Code       string
	Message    string
	RetryAfter time.Duration
	// Status is the HTTP status a transport would use for the payload.
	Status int
}

func (p Payload) MarshalJSON() ([]byte, error) {
	out := struct {
		ErrCode      string `json:"errcode"`
		Error        string `json:"error"`
		RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	}{p.Code, p.Message, p.RetryAfter.Milliseconds()}
	return json.Marshal(out)
}

// Describe returns the boundary payload for err.
func Describe(err error) Payload {
	p := Payload{Message: err.Error()}
	switch {
	case errors.Is(err, session.ErrInvalidRequest), errors.Is(err, keys.ErrUnknownPool):
		p.Code, p.Status = CodeInvalidParam, http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		p.Code, p.Status = CodeNoValidSession, http.StatusNotFound
	case errors.Is(err, session.ErrSecretMismatch):
		p.Code, p.Status = CodeIncorrectClientSecret, http.StatusBadRequest
	case errors.Is(err, session.ErrTokenMismatch):
		p.Code, p.Status = CodeInvalidToken, http.StatusBadRequest
	case errors.Is(err, session.ErrNotValidated):
		p.Code, p.Status = CodeSessionNotValidated, http.StatusBadRequest
	case errors.Is(err, session.ErrSessionExpired):
		p.Code, p.Status = CodeSessionExpired, http.StatusBadRequest
	case errors.Is(err, invite.ErrAlreadyBound):
		p.Code, p.Status = CodeThreePIDInUse, http.StatusBadRequest
	case errors.Is(err, session.ErrRateLimited):
		p.Code, p.Status = CodeLimitExceeded, http.StatusTooManyRequests
		var le *ratelimit.LimitError
		if errors.As(err, &le) {
			p.RetryAfter = le.RetryAfter
		}
	case errors.Is(err, association.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		p.Code, p.Status = CodeNotFound, http.StatusNotFound
	case errors.Is(err, association.ErrMXIDMismatch):
		p.Code, p.Status = CodeForbidden, http.StatusForbidden
	case errors.Is(err, keys.ErrLockAcquisition):
		p.Code, p.Status, p.RetryAfter = CodeUnavailable, http.StatusServiceUnavailable, lockRetryAfter
	default:
		// Key generation and key store faults land here.
		p.Code, p.Status = CodeUnknown, http.StatusInternalServerError
	}
	return p
}
