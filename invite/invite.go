// Package invite records pending room invitations for addresses that are
// not yet bound, and hands them to the delivery collaborator once the
// address is bound.
package invite

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/jmcleod/ironid/association"
	"github.com/jmcleod/ironid/internal/clock"
	"github.com/jmcleod/ironid/internal/logger"
	"github.com/jmcleod/ironid/internal/metrics"
	"github.com/jmcleod/ironid/internal/util"
	"github.com/jmcleod/ironid/keys"
	"github.com/jmcleod/ironid/notify"
	"github.com/jmcleod/ironid/session"
	"github.com/jmcleod/ironid/storage"
)

const Kind = "invite"

var (
	ErrInvalidRequest = session.ErrInvalidRequest
	// ErrAlreadyBound is returned by Create when the address already has a
	// live association; the inviter should invite the bound account.
	ErrAlreadyBound = errors.New("address is already bound to an account")
)

// PublicKey is one key an invitation promises, with the URL a verifier can
// query to check it is still valid.
type PublicKey struct {
	KeyID          string `json:"key_id"`
	PublicKey      string `json:"public_key"`
	KeyValidityURL string `json:"key_validity_url"`
}

// Invitation is a stored invite. PublicKeys are captured at creation and
// never refreshed.
type Invitation struct {
	Token       string         `json:"token"`
	Medium      session.Medium `json:"medium"`
	Address     string         `json:"address"`
	RoomID      string         `json:"room_id"`
	Sender      string         `json:"sender"`
	DisplayName string         `json:"display_name"`
	PublicKeys  []PublicKey    `json:"public_keys"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt time.Time      `json:"delivered_at,omitzero"`
	MXID        string         `json:"mxid,omitempty"`

	version uint64
}

func (i *Invitation) Pending() bool { return i.DeliveredAt.IsZero() }

type CreateRequest struct {
	Medium  session.Medium
	Address string
	RoomID  string
	Sender  string
}

// Issued is what the inviter receives back from Create.
type Issued struct {
	Token       string      `json:"token"`
	DisplayName string      `json:"display_name"`
	PublicKeys  []PublicKey `json:"public_keys"`
}

// KeySource is the part of the key manager invitations need.
type KeySource interface {
	RetrieveCurrentKey(ctx context.Context) (string, bool, error)
	GenerateNewKey(ctx context.Context, pool keys.PoolName) (string, error)
	PublicKey(ctx context.Context, pool keys.PoolName, keyID string) (ed25519.PublicKey, bool, error)
}

// Bindings answers whether an address is already bound.
type Bindings interface {
	Lookup(ctx context.Context, medium session.Medium, address string) (association.Association, bool, error)
}

type Config struct {
	// KeyValidityURL is where long-term keys can be checked.
	KeyValidityURL string
	// EphemeralKeyValidityURL is where short-term keys can be checked.
	EphemeralKeyValidityURL string
}

type Coordinator struct {
	repo     storage.Repository
	keys     KeySource
	bindings Bindings
	delivery notify.Delivery
	cfg      Config
	clock    clock.Clock
	log      *zap.Logger
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

func NewCoordinator(repo storage.Repository, ks KeySource, bindings Bindings, delivery notify.Delivery, cfg Config, opts ...Option) *Coordinator {
	co := &Coordinator{repo: repo, keys: ks, bindings: bindings, delivery: delivery, cfg: cfg}
	for _, opt := range opts {
		opt(co)
	}
	co.clock = clock.OrReal(co.clock)
	co.log = logger.OrNop(co.log)
	if co.delivery == nil {
		co.delivery = notify.NewLogDelivery(co.log)
	}
	return co
}

func recordID(medium session.Medium, address, token string) string {
	return association.ID(medium, address) + "#" + token
}

// Create stores an invitation for an unbound address, snapshotting the
// current long-term key and a freshly minted short-term key.
func (co *Coordinator) Create(ctx context.Context, req CreateRequest) (*Issued, error) {
	var missing []string
	for name, v := range map[string]string{
		"medium": string(req.Medium), "address": req.Address, "room_id": req.RoomID, "sender": req.Sender,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	medium, err := session.ParseMedium(string(req.Medium))
	if err != nil {
		return nil, err
	}
	address := session.NormalizeAddress(medium, req.Address)

	if _, bound, err := co.bindings.Lookup(ctx, medium, address); err != nil {
		return nil, err
	} else if bound {
		return nil, ErrAlreadyBound
	}

	pubKeys, err := co.snapshotKeys(ctx)
	if err != nil {
		return nil, err
	}
	token, err := util.RandomURLToken(24)
	if err != nil {
		return nil, err
	}

	inv := Invitation{
		Token:       token,
		Medium:      medium,
		Address:     address,
		RoomID:      req.RoomID,
		Sender:      req.Sender,
		DisplayName: Redact(medium, address),
		PublicKeys:  pubKeys,
		CreatedAt:   co.clock.Now().UTC(),
	}
	rec, err := storage.Encode(inv, 1)
	if err != nil {
		return nil, err
	}
	if err := co.repo.PutCAS(ctx, Kind, recordID(medium, address, token), 0, rec); err != nil {
		return nil, fmt.Errorf("storing invitation: %w", err)
	}

	metrics.InvitesCreated.Inc()
	co.log.Info("invitation stored", logger.Medium(string(medium)), zap.String("room_id", req.RoomID), zap.String("sender", req.Sender))
	return &Issued{Token: token, DisplayName: inv.DisplayName, PublicKeys: pubKeys}, nil
}

func (co *Coordinator) snapshotKeys(ctx context.Context) ([]PublicKey, error) {
	longID, ok, err := co.keys.RetrieveCurrentKey(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, keys.ErrNoCurrentKey
	}
	longPub, err := co.publicKey(ctx, keys.LongTerm, longID)
	if err != nil {
		return nil, err
	}

	shortID, err := co.keys.GenerateNewKey(ctx, keys.ShortTerm)
	if err != nil {
		return nil, err
	}
	shortPub, err := co.publicKey(ctx, keys.ShortTerm, shortID)
	if err != nil {
		return nil, err
	}

	return []PublicKey{
		{KeyID: longID, PublicKey: keys.EncodePublicKey(longPub), KeyValidityURL: co.cfg.KeyValidityURL},
		{KeyID: shortID, PublicKey: keys.EncodePublicKey(shortPub), KeyValidityURL: co.cfg.EphemeralKeyValidityURL},
	}, nil
}

func (co *Coordinator) publicKey(ctx context.Context, pool keys.PoolName, keyID string) (ed25519.PublicKey, error) {
	pub, ok, err := co.keys.PublicKey(ctx, pool, keyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Retired between minting and reading.
		return nil, fmt.Errorf("%w: %s %s disappeared", keys.ErrKeyStore, pool, keyID)
	}
	return pub, nil
}

// Pending lists the unresolved invitations for (medium, address), oldest
// first.
func (co *Coordinator) Pending(ctx context.Context, medium session.Medium, address string) ([]Invitation, error) {
	all, err := co.forAddress(ctx, medium, address)
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, inv := range all {
		if inv.Pending() {
			pending = append(pending, inv)
		}
	}
	return pending, nil
}

func (co *Coordinator) forAddress(ctx context.Context, medium session.Medium, address string) ([]Invitation, error) {
	prefix := association.ID(medium, session.NormalizeAddress(medium, address)) + "#"
	ids, err := co.repo.List(ctx, Kind)
	if err != nil {
		return nil, fmt.Errorf("listing invitations: %w", err)
	}
	var out []Invitation
	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		rec, err := co.repo.Get(ctx, Kind, id)
		if err != nil {
			return nil, fmt.Errorf("loading invitation: %w", err)
		}
		var inv Invitation
		if err := storage.Decode(rec, &inv); err != nil {
			return nil, err
		}
		inv.version = rec.Version
		out = append(out, inv)
	}
	slices.SortStableFunc(out, func(a, b Invitation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Token, b.Token)
	})
	return out, nil
}

// SendInvite hands every pending invitation for (medium, address) to the
// delivery collaborator now that the address is bound to mxid. Each
// invitation is claimed with a versioned write before it is handed off, so
// concurrent binds deliver it once; a failed hand-off releases the claim.
// It returns how many were delivered; on a delivery error the remaining
// invitations stay pending.
func (co *Coordinator) SendInvite(ctx context.Context, medium session.Medium, address, mxid string) (int, error) {
	if strings.TrimSpace(mxid) == "" {
		return 0, fmt.Errorf("%w: mxid is required", ErrInvalidRequest)
	}
	pending, err := co.Pending(ctx, medium, address)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, inv := range pending {
		claimed, err := co.claim(ctx, inv, mxid)
		if errors.Is(err, storage.ErrCASFailed) {
			// Another bind got there first.
			continue
		}
		if err != nil {
			return delivered, fmt.Errorf("recording invitation delivery: %w", err)
		}

		if err := co.delivery.SendInvite(ctx, notify.InviteMessage{
			Token:       inv.Token,
			Medium:      string(inv.Medium),
			Address:     inv.Address,
			RoomID:      inv.RoomID,
			Sender:      inv.Sender,
			DisplayName: inv.DisplayName,
			MXID:        mxid,
		}); err != nil {
			if rErr := co.release(ctx, inv, claimed); rErr != nil {
				co.log.Warn("releasing invitation claim", logger.Medium(string(medium)), logger.Err(rErr))
			}
			return delivered, fmt.Errorf("delivering invitation for %s: %w", inv.RoomID, err)
		}
		delivered++
	}

	if delivered > 0 {
		metrics.InvitesDelivered.Add(float64(delivered))
		co.log.Info("invitations delivered", logger.Medium(string(medium)), logger.Count(delivered))
	}
	return delivered, nil
}

// claim marks inv delivered to mxid if its record is still at the version
// it was read at, and returns the new version.
func (co *Coordinator) claim(ctx context.Context, inv Invitation, mxid string) (uint64, error) {
	inv.DeliveredAt = co.clock.Now().UTC()
	inv.MXID = mxid
	return inv.version + 1, co.putVersion(ctx, inv, inv.version)
}

// release puts inv back to pending after a failed hand-off.
func (co *Coordinator) release(ctx context.Context, inv Invitation, claimed uint64) error {
	inv.DeliveredAt = time.Time{}
	inv.MXID = ""
	return co.putVersion(ctx, inv, claimed)
}

func (co *Coordinator) putVersion(ctx context.Context, inv Invitation, expected uint64) error {
	rec, err := storage.Encode(inv, expected+1)
	if err != nil {
		return err
	}
	return co.repo.PutCAS(ctx, Kind, recordID(inv.Medium, inv.Address, inv.Token), expected, rec)
}

// Redact returns a display form of address that does not reveal it in
// full: each part of an email keeps its first quarter, a phone number
// keeps its last four digits.
func Redact(medium session.Medium, address string) string {
	if medium == session.MediumMSISDN {
		if len(address) <= 4 {
			return address
		}
		return strings.Repeat("*", len(address)-4) + address[len(address)-4:]
	}
	local, domain, ok := strings.Cut(address, "@")
	if !ok {
		return redactPart(address)
	}
	return redactPart(local) + "@" + redactPart(domain)
}

func redactPart(s string) string {
	n := utf8.RuneCountInString(s)
	if n <= 1 {
		return s
	}
	keep := max(1, n/4)
	return string([]rune(s)[:keep]) + "..."
}
