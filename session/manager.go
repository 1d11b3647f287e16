package session

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/jmcleod/ironid/internal/clock"
	"github.com/jmcleod/ironid/internal/logger"
	"github.com/jmcleod/ironid/internal/metrics"
	"github.com/jmcleod/ironid/internal/ratelimit"
	"github.com/jmcleod/ironid/internal/util"
	"github.com/jmcleod/ironid/internal/uuid"
	"github.com/jmcleod/ironid/notify"
	"github.com/jmcleod/ironid/storage"
)

const (
	// Kind is the storage kind holding sessions keyed by sid.
	Kind = "session"
	// IndexKind maps a (client secret, medium, address) digest to a sid.
	IndexKind = "session_index"

	emailTokenLength  = 32
	msisdnTokenLength = 6
)

// Config bounds session lifetimes. Zero fields take the defaults.
type Config struct {
	// TokenLifetime is how long a delivered token can be used to validate.
	TokenLifetime time.Duration
	// ValidatedLifetime is how long a validated session can be published.
	ValidatedLifetime time.Duration
	// MaxAge is the age past which Cleanup removes a session in any state.
	MaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.TokenLifetime <= 0 {
		c.TokenLifetime = 24 * time.Hour
	}
	if c.ValidatedLifetime <= 0 {
		c.ValidatedLifetime = 24 * time.Hour
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	return c
}

type indexEntry struct {
	SID string `json:"sid"`
}

// Manager owns verification sessions. Session and index records are
// only changed inside repository batches.
type Manager struct {
	repo     storage.Repository
	delivery notify.Delivery
	cfg      Config
	clock    clock.Clock
	limiter  ratelimit.Limiter
	log      *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithLimiter rate limits Create per normalized address.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

func NewManager(repo storage.Repository, delivery notify.Delivery, cfg Config, opts ...Option) *Manager {
	m := &Manager{repo: repo, delivery: delivery, cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(m)
	}
	m.clock = clock.OrReal(m.clock)
	m.log = logger.OrNop(m.log)
	if m.delivery == nil {
		m.delivery = notify.NewLogDelivery(m.log)
	}
	return m
}

// Create starts a session and delivers a fresh token. Retries with the
// same client secret, medium and address reuse the session: a send
// attempt no higher than the stored one returns the existing sid without
// re-sending, a higher one mints a new token that supersedes the old one.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	medium, err := ParseMedium(string(req.Medium))
	if err != nil {
		return "", err
	}
	address := NormalizeAddress(medium, req.Address)
	if address == "" {
		return "", fmt.Errorf("%w: address %q is empty after normalization", ErrInvalidRequest, req.Address)
	}

	if err := ratelimit.Check(ctx, m.limiter, "session:"+string(medium)+":"+address); err != nil {
		var le *ratelimit.LimitError
		if errors.As(err, &le) {
			return "", fmt.Errorf("%w: %w", ErrRateLimited, le)
		}
		return "", err
	}

	token, err := newToken(medium)
	if err != nil {
		return "", err
	}
	now := m.clock.Now().UTC()
	indexID := dedupKey(req.ClientSecret, medium, address)

	var (
		sess *Session
		send bool
	)
	err = m.repo.Batch(ctx, func(tx storage.BatchTx) error {
		sess, send = nil, false

		var idx indexEntry
		rec, err := tx.Get(IndexKind, indexID)
		switch {
		case err == nil:
			if err := storage.Decode(rec, &idx); err != nil {
				return err
			}
			existing, version, err := load(tx, idx.SID)
			if err != nil && !errors.Is(err, ErrSessionNotFound) {
				return err
			}
			if existing != nil {
				if req.SendAttempt <= existing.SendAttempt {
					sess = existing
					return nil
				}
				existing.SendAttempt = req.SendAttempt
				existing.TokenDigest = digest(token)
				existing.TokenIssuedAt = now
				if req.NextLink != "" {
					existing.NextLink = req.NextLink
				}
				sess, send = existing, true
				return save(tx, existing, version)
			}
			// Index points at a reaped session; start over.
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("loading session index: %w", err)
		}

		sess = &Session{
			ID:            uuid.New(),
			ClientSecret:  req.ClientSecret,
			Medium:        medium,
			Address:       address,
			TokenDigest:   digest(token),
			SendAttempt:   req.SendAttempt,
			NextLink:      req.NextLink,
			State:         StateCreated,
			CreatedAt:     now,
			TokenIssuedAt: now,
		}
		send = true
		if err := save(tx, sess, 0); err != nil {
			return err
		}
		idxRec, err := storage.Encode(indexEntry{SID: sess.ID}, 1)
		if err != nil {
			return err
		}
		return tx.Put(IndexKind, indexID, idxRec)
	})
	if err != nil {
		return "", err
	}

	if !send {
		m.log.Debug("session create deduplicated", logger.SID(sess.ID), zap.Int("send_attempt", req.SendAttempt))
		return sess.ID, nil
	}

	metrics.SessionsCreated.Inc()
	m.log.Info("verification session created",
		logger.SID(sess.ID), logger.Medium(string(medium)), zap.Int("send_attempt", sess.SendAttempt))

	if err := m.delivery.SendToken(ctx, notify.TokenMessage{
		SID:         sess.ID,
		Medium:      string(medium),
		Address:     address,
		Token:       token,
		SendAttempt: sess.SendAttempt,
		NextLink:    sess.NextLink,
	}); err != nil {
		return "", fmt.Errorf("delivering token for session %s: %w", sess.ID, err)
	}
	return sess.ID, nil
}

// Validate checks token and clientSecret against session sid and marks it
// validated. Re-validating with the same pair succeeds and returns the
// same next link; a mismatch changes nothing.
func (m *Manager) Validate(ctx context.Context, token, clientSecret, sid string) (string, error) {
	if strings.TrimSpace(token) == "" || strings.TrimSpace(clientSecret) == "" || strings.TrimSpace(sid) == "" {
		return "", fmt.Errorf("%w: token, client_secret and sid are required", ErrInvalidRequest)
	}
	now := m.clock.Now().UTC()

	var (
		nextLink  string
		validated bool
	)
	err := m.repo.Batch(ctx, func(tx storage.BatchTx) error {
		validated = false
		sess, version, err := load(tx, sid)
		if err != nil {
			return err
		}
		if !secretEqual(sess.ClientSecret, clientSecret) || !secretEqual(sess.TokenDigest, digest(token)) {
			return ErrTokenMismatch
		}
		nextLink = sess.NextLink
		if sess.Validated() {
			return nil
		}
		if now.After(sess.TokenIssuedAt.Add(m.cfg.TokenLifetime)) {
			return fmt.Errorf("%w: token issued at %s", ErrSessionExpired, sess.TokenIssuedAt.Format(time.RFC3339))
		}
		sess.State = StateValidated
		sess.ValidatedAt = now
		validated = true
		return save(tx, sess, version)
	})
	if err != nil {
		return "", err
	}
	if validated {
		metrics.SessionsValidated.Inc()
		m.log.Info("verification session validated", logger.SID(sid))
	}
	return nextLink, nil
}

// GetSession returns a validated session owned by clientSecret.
func (m *Manager) GetSession(ctx context.Context, sid, clientSecret string) (*Session, error) {
	if strings.TrimSpace(sid) == "" || strings.TrimSpace(clientSecret) == "" {
		return nil, fmt.Errorf("%w: sid and client_secret are required", ErrInvalidRequest)
	}
	rec, err := m.repo.Get(ctx, Kind, sid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sid)
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	var sess Session
	if err := storage.Decode(rec, &sess); err != nil {
		return nil, err
	}
	if err := m.checkPublishable(&sess, clientSecret, m.clock.Now().UTC()); err != nil {
		return nil, err
	}
	return &sess, nil
}

// MarkPublished re-reads session sid inside tx, requires it to be
// validated, not yet published and owned by clientSecret, and moves it to
// Published. It is meant to run in the same batch as the write that
// publishes the association.
func (m *Manager) MarkPublished(tx storage.BatchTx, sid, clientSecret string, now time.Time) (*Session, error) {
	sess, version, err := load(tx, sid)
	if err != nil {
		return nil, err
	}
	if err := m.checkPublishable(sess, clientSecret, now); err != nil {
		return nil, err
	}
	if sess.State == StatePublished {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPublished, sess.ID)
	}
	sess.State = StatePublished
	sess.PublishedAt = now.UTC()
	if err := save(tx, sess, version); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) checkPublishable(sess *Session, clientSecret string, now time.Time) error {
	if !secretEqual(sess.ClientSecret, clientSecret) {
		return ErrSecretMismatch
	}
	if !sess.Validated() {
		return fmt.Errorf("%w: %s", ErrNotValidated, sess.ID)
	}
	if now.After(sess.ValidatedAt.Add(m.cfg.ValidatedLifetime)) {
		return fmt.Errorf("%w: validated at %s", ErrSessionExpired, sess.ValidatedAt.Format(time.RFC3339))
	}
	return nil
}

// Cleanup removes every session older than MaxAge, whatever its state,
// together with its retry index entry.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	cutoff := m.clock.Now().UTC().Add(-m.cfg.MaxAge)
	removed := 0
	err := m.repo.Batch(ctx, func(tx storage.BatchTx) error {
		removed = 0
		ids, err := tx.List(Kind)
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		for _, id := range ids {
			sess, _, err := load(tx, id)
			if err != nil {
				return err
			}
			if !sess.CreatedAt.Before(cutoff) {
				continue
			}
			if err := tx.Delete(Kind, id); err != nil {
				return fmt.Errorf("deleting session %s: %w", id, err)
			}
			idxID := dedupKey(sess.ClientSecret, sess.Medium, sess.Address)
			if err := tx.Delete(IndexKind, idxID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("deleting session index: %w", err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.log.Info("removed stale sessions", logger.Count(removed))
	}
	return removed, nil
}

func load(tx storage.BatchTx, sid string) (*Session, uint64, error) {
	rec, err := tx.Get(Kind, sid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sid)
		}
		return nil, 0, fmt.Errorf("loading session: %w", err)
	}
	var sess Session
	if err := storage.Decode(rec, &sess); err != nil {
		return nil, 0, err
	}
	return &sess, rec.Version, nil
}

func save(tx storage.BatchTx, sess *Session, version uint64) error {
	rec, err := storage.Encode(sess, version+1)
	if err != nil {
		return err
	}
	if err := tx.PutCAS(Kind, sess.ID, version, rec); err != nil {
		return fmt.Errorf("storing session %s: %w", sess.ID, err)
	}
	return nil
}

func newToken(m Medium) (string, error) {
	if m == MediumMSISDN {
		return util.RandomDigits(msisdnTokenLength)
	}
	return util.RandomString(emailTokenLength)
}

func digest(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func dedupKey(clientSecret string, m Medium, address string) string {
	h := blake3.New()
	for _, part := range []string{clientSecret, string(m), address} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func secretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
