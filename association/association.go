// Package association stores verified, time-bounded bindings between a
// third-party address and an account identifier, and signs lookup
// responses with the long-term key.
package association

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/ironid/internal/clock"
	"github.com/jmcleod/ironid/internal/logger"
	"github.com/jmcleod/ironid/internal/metrics"
	"github.com/jmcleod/ironid/keys"
	"github.com/jmcleod/ironid/session"
	"github.com/jmcleod/ironid/signedjson"
	"github.com/jmcleod/ironid/storage"
)

const (
	Kind        = "association"
	HistoryKind = "association_history"

	// DefaultTTL keeps associations effectively permanent until unbound.
	DefaultTTL = 100 * 365 * 24 * time.Hour
)

var (
	ErrInvalidRequest = session.ErrInvalidRequest
	// ErrNotFound is returned by Unbind when no live association exists.
	ErrNotFound = errors.New("association not found")
	// ErrMXIDMismatch is returned by Unbind when the address is bound to a
	// different account.
	ErrMXIDMismatch = errors.New("association is bound to a different mxid")
)

// Association binds (Medium, Address) to MXID until Expires.
type Association struct {
	Medium  session.Medium `json:"medium"`
	Address string         `json:"address"`
	MXID    string         `json:"mxid"`
	Created time.Time      `json:"created"`
	Expires time.Time      `json:"expires"`
	// TS is the validation time of the session that produced the binding.
	TS time.Time `json:"ts"`
}

// Live reports whether the association is visible at now.
func (a Association) Live(now time.Time) bool {
	return a.Expires.After(now)
}

// ID is the storage id of the association for (medium, address).
func ID(medium session.Medium, address string) string {
	return string(medium) + ":" + address
}

type Query struct {
	Medium  session.Medium
	Address string
}

type Match struct {
	Medium  session.Medium `json:"medium"`
	Address string         `json:"address"`
	MXID    string         `json:"mxid"`
}

// Signer is the part of the key manager the store needs.
type Signer interface {
	Sign(ctx context.Context, pool keys.PoolName, content []byte) (keyID string, sig []byte, err error)
}

// BindHook runs after a successful Publish commits.
type BindHook func(ctx context.Context, a Association) error

type Config struct {
	// ServerName keys the signatures on lookup responses.
	ServerName string
	TTL        time.Duration
}

// Store is the association table plus its history. All writes run in
// repository batches.
type Store struct {
	repo     storage.Repository
	sessions *session.Manager
	signer   Signer
	cfg      Config
	clock    clock.Clock
	log      *zap.Logger
	hooks    []BindHook
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

func NewStore(repo storage.Repository, sessions *session.Manager, signer Signer, cfg Config, opts ...Option) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	s := &Store{repo: repo, sessions: sessions, signer: signer, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrReal(s.clock)
	s.log = logger.OrNop(s.log)
	return s
}

// OnBind registers h to run after every publish. Hook failures are logged
// and do not undo the binding.
func (s *Store) OnBind(h BindHook) {
	s.hooks = append(s.hooks, h)
}

// Lookup returns the live association for (medium, address).
func (s *Store) Lookup(ctx context.Context, medium session.Medium, address string) (Association, bool, error) {
	id := ID(medium, session.NormalizeAddress(medium, address))
	rec, err := s.repo.Get(ctx, Kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Association{}, false, nil
	}
	if err != nil {
		return Association{}, false, fmt.Errorf("loading association: %w", err)
	}
	var a Association
	if err := storage.Decode(rec, &a); err != nil {
		return Association{}, false, err
	}
	if !a.Live(s.clock.Now()) {
		return Association{}, false, nil
	}
	return a, true, nil
}

// BulkLookup returns a match for every query with a live association, in
// query order. Queries without one are omitted.
func (s *Store) BulkLookup(ctx context.Context, queries []Query) ([]Match, error) {
	matches := make([]Match, 0, len(queries))
	for _, q := range queries {
		a, ok, err := s.Lookup(ctx, q.Medium, q.Address)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, Match{Medium: q.Medium, Address: q.Address, MXID: a.MXID})
		}
	}
	return matches, nil
}

// Publish binds the address of validated session sid to mxid. The session
// state is re-read and the session marked published in the same batch
// that writes the association, so a concurrent change to the session
// cannot slip in between. Each session publishes once; the latest publish
// for an address wins.
func (s *Store) Publish(ctx context.Context, sid, clientSecret, mxid string) (Association, error) {
	if strings.TrimSpace(sid) == "" || strings.TrimSpace(clientSecret) == "" || strings.TrimSpace(mxid) == "" {
		return Association{}, fmt.Errorf("%w: sid, client_secret and mxid are required", ErrInvalidRequest)
	}
	now := s.clock.Now().UTC()

	var a Association
	err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		sess, err := s.sessions.MarkPublished(tx, sid, clientSecret, now)
		if err != nil {
			return err
		}
		a = Association{
			Medium:  sess.Medium,
			Address: sess.Address,
			MXID:    mxid,
			Created: now,
			Expires: now.Add(s.cfg.TTL),
			TS:      sess.ValidatedAt,
		}
		rec, err := storage.Encode(a, 1)
		if err != nil {
			return err
		}
		return tx.Put(Kind, ID(a.Medium, a.Address), rec)
	})
	if err != nil {
		return Association{}, err
	}

	metrics.AssociationsPublished.Inc()
	s.log.Info("association published", logger.SID(sid), logger.Medium(string(a.Medium)), zap.String("mxid", mxid))
	for _, h := range s.hooks {
		if err := h(ctx, a); err != nil {
			s.log.Warn("bind hook failed", logger.Medium(string(a.Medium)), logger.Err(err))
		}
	}
	return a, nil
}

// SignedAssociation is a lookup response carrying its own signature.
type SignedAssociation struct {
	// Payload is the signed JSON object, "signatures" member included.
	Payload   map[string]any
	KeyID     string
	Signature string
}

func (s *SignedAssociation) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Payload)
}

// Payload is the unsigned externally visible form of a. Times are
// milliseconds since the epoch.
func Payload(a Association) map[string]any {
	return map[string]any{
		"medium":     string(a.Medium),
		"address":    a.Address,
		"mxid":       a.MXID,
		"not_before": a.Created.UnixMilli(),
		"not_after":  a.Expires.UnixMilli(),
		"ts":         a.TS.UnixMilli(),
	}
}

// SignedLookupResponse signs the canonical payload of a with the current
// long-term key.
func (s *Store) SignedLookupResponse(ctx context.Context, a Association) (*SignedAssociation, error) {
	out := &SignedAssociation{}
	signed, err := signedjson.Sign(ctx, Payload(a), s.cfg.ServerName,
		func(ctx context.Context, content []byte) (string, []byte, error) {
			keyID, sig, err := s.signer.Sign(ctx, keys.LongTerm, content)
			out.KeyID = keyID
			return keyID, sig, err
		})
	if err != nil {
		return nil, fmt.Errorf("signing association: %w", err)
	}
	out.Payload = signed
	sigs := signed["signatures"].(map[string]any)[s.cfg.ServerName].(map[string]any)
	out.Signature, _ = sigs[out.KeyID].(string)
	return out, nil
}

// Expire moves every association whose expiry has passed into the history
// table and returns how many were moved.
func (s *Store) Expire(ctx context.Context) (int, error) {
	now := s.clock.Now()
	moved := 0
	err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		moved = 0
		ids, err := tx.List(Kind)
		if err != nil {
			return fmt.Errorf("listing associations: %w", err)
		}
		for _, id := range ids {
			a, err := get(tx, id)
			if err != nil {
				return err
			}
			if a.Live(now) {
				continue
			}
			if err := archive(tx, id, a); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		metrics.AssociationsExpired.Add(float64(moved))
		s.log.Info("expired associations", logger.Count(moved))
	}
	return moved, nil
}

// Unbind removes the live association of (medium, address) if it is bound
// to mxid. The record is kept in history.
func (s *Store) Unbind(ctx context.Context, medium session.Medium, address, mxid string) error {
	id := ID(medium, session.NormalizeAddress(medium, address))
	now := s.clock.Now()
	err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		a, err := get(tx, id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && !a.Live(now)) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if a.MXID != mxid {
			return ErrMXIDMismatch
		}
		return archive(tx, id, a)
	})
	if err != nil {
		return err
	}
	s.log.Info("association removed", logger.Medium(string(medium)), zap.String("mxid", mxid))
	return nil
}

// History returns archived associations for (medium, address), oldest
// first.
func (s *Store) History(ctx context.Context, medium session.Medium, address string) ([]Association, error) {
	prefix := ID(medium, session.NormalizeAddress(medium, address)) + "@"
	ids, err := s.repo.List(ctx, HistoryKind)
	if err != nil {
		return nil, fmt.Errorf("listing association history: %w", err)
	}
	var out []Association
	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		rec, err := s.repo.Get(ctx, HistoryKind, id)
		if err != nil {
			return nil, fmt.Errorf("loading association history: %w", err)
		}
		var a Association
		if err := storage.Decode(rec, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func get(tx storage.BatchTx, id string) (Association, error) {
	rec, err := tx.Get(Kind, id)
	if err != nil {
		return Association{}, err
	}
	var a Association
	if err := storage.Decode(rec, &a); err != nil {
		return Association{}, err
	}
	return a, nil
}

func archive(tx storage.BatchTx, id string, a Association) error {
	rec, err := storage.Encode(a, 1)
	if err != nil {
		return err
	}
	// Zero-padded so lexical order is chronological.
	histID := fmt.Sprintf("%s@%020d", id, a.Created.UnixNano())
	if err := tx.Put(HistoryKind, histID, rec); err != nil {
		return fmt.Errorf("archiving association: %w", err)
	}
	if err := tx.Delete(Kind, id); err != nil {
		return fmt.Errorf("deleting association: %w", err)
	}
	return nil
}
