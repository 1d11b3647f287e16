package association_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironid/association"
	"github.com/jmcleod/ironid/internal/clock"
	"github.com/jmcleod/ironid/keys"
	"github.com/jmcleod/ironid/notify"
	"github.com/jmcleod/ironid/pki"
	"github.com/jmcleod/ironid/session"
	"github.com/jmcleod/ironid/signedjson"
	"github.com/jmcleod/ironid/storage/memory"
)

const ttl = 30 * 24 * time.Hour

var epoch = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	clock    *clock.FakeClock
	sent     *notify.Recorder
	keys     *keys.Manager
	sessions *session.Manager
	store    *association.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := t.Context()
	repo := memory.NewRepository()
	f := &fixture{clock: clock.Fake(epoch), sent: &notify.Recorder{}}

	issuer := pki.NewIssuer(pki.IssuerConfig{Name: "id.example.com", Clock: f.clock})
	f.keys = keys.NewManager(
		keys.NewPool(keys.LongTerm, keys.SignWithCurrent, pki.NewRepositoryKeyStore(repo, "long-term"), issuer),
		keys.NewPool(keys.ShortTerm, keys.SignRotates, pki.NewRepositoryKeyStore(repo, "short-term"), issuer),
	)
	require.NoError(t, f.keys.Init(ctx))
	_, _, err := f.keys.EnsureCurrentKey(ctx)
	require.NoError(t, err)

	f.sessions = session.NewManager(repo, f.sent, session.Config{}, session.WithClock(f.clock))
	f.store = association.NewStore(repo, f.sessions, f.keys,
		association.Config{ServerName: "id.example.com", TTL: ttl}, association.WithClock(f.clock))
	return f
}

// validated creates and validates a session for address.
func (f *fixture) validated(t *testing.T, address string) string {
	t.Helper()
	return f.validatedWith(t, address, "s3cret")
}

func (f *fixture) validatedWith(t *testing.T, address, secret string) string {
	t.Helper()
	ctx := t.Context()
	sid, err := f.sessions.Create(ctx, session.CreateRequest{
		ClientSecret: secret, Medium: session.MediumEmail, Address: address, SendAttempt: 1,
	})
	require.NoError(t, err)
	msg, _ := f.sent.LastToken()
	_, err = f.sessions.Validate(ctx, msg.Token, secret, sid)
	require.NoError(t, err)
	return sid
}

func TestPublishRequiresValidatedSession(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	sid, err := f.sessions.Create(ctx, session.CreateRequest{
		ClientSecret: "s3cret", Medium: session.MediumEmail, Address: "a@example.com", SendAttempt: 1,
	})
	require.NoError(t, err)

	_, err = f.store.Publish(ctx, sid, "s3cret", "@u:example.com")
	assert.ErrorIs(t, err, session.ErrNotValidated)

	_, ok, err := f.store.Lookup(ctx, session.MediumEmail, "a@example.com")
	require.NoError(t, err)
	assert.False(t, ok, "no association may be created")

	_, err = f.store.Publish(ctx, sid, "s3cret", " ")
	assert.ErrorIs(t, err, association.ErrInvalidRequest)
}

func TestPublishAndLookupHonourTTL(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	sid := f.validated(t, "a@example.com")
	validatedAt := f.clock.Now()

	f.clock.Advance(time.Minute)
	a, err := f.store.Publish(ctx, sid, "s3cret", "@u:example.com")
	require.NoError(t, err)
	created := epoch.Add(time.Minute)
	assert.Equal(t, created, a.Created)
	assert.Equal(t, created.Add(ttl), a.Expires)
	assert.Equal(t, validatedAt, a.TS)

	sess, err := f.sessions.GetSession(ctx, sid, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, session.StatePublished, sess.State)

	f.clock.Set(created.Add(ttl - time.Nanosecond))
	got, ok, err := f.store.Lookup(ctx, session.MediumEmail, "A@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "@u:example.com", got.MXID)

	f.clock.Set(created.Add(ttl))
	_, ok, err = f.store.Lookup(ctx, session.MediumEmail, "a@example.com")
	require.NoError(t, err)
	assert.False(t, ok, "lookup at expiry must not return the association")
}

func TestLastPublishWins(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	_, err := f.store.Publish(ctx, f.validatedWith(t, "a@example.com", "first"), "first", "@old:example.com")
	require.NoError(t, err)
	_, err = f.store.Publish(ctx, f.validatedWith(t, "a@example.com", "second"), "second", "@new:example.com")
	require.NoError(t, err)

	got, ok, err := f.store.Lookup(ctx, session.MediumEmail, "a@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "@new:example.com", got.MXID)
}

func TestRepublishSameSessionIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	sid := f.validated(t, "a@example.com")
	_, err := f.store.Publish(ctx, sid, "s3cret", "@u:example.com")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.store.Publish(ctx, sid, "s3cret", "@other:example.com")
	assert.ErrorIs(t, err, session.ErrNotValidated)

	got, ok, err := f.store.Lookup(ctx, session.MediumEmail, "a@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "@u:example.com", got.MXID)
	assert.Equal(t, epoch, got.Created)
}

func TestBulkLookupOmitsMisses(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	_, err := f.store.Publish(ctx, f.validated(t, "a@example.com"), "s3cret", "@u:example.com")
	require.NoError(t, err)

	matches, err := f.store.BulkLookup(ctx, []association.Query{
		{Medium: session.MediumEmail, Address: "a@example.com"},
		{Medium: session.MediumEmail, Address: "missing@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, []association.Match{
		{Medium: session.MediumEmail, Address: "a@example.com", MXID: "@u:example.com"},
	}, matches)
}

func TestSignedLookupResponse(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	a, err := f.store.Publish(ctx, f.validated(t, "a@example.com"), "s3cret", "@u:example.com")
	require.NoError(t, err)

	signed, err := f.store.SignedLookupResponse(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "ed25519:0", signed.KeyID)
	assert.NotEmpty(t, signed.Signature)

	cert, ok, err := f.keys.CertificateFor(ctx, signed.KeyID)
	require.NoError(t, err)
	require.True(t, ok)
	pub := cert.PublicKey.(ed25519.PublicKey)
	require.NoError(t, signedjson.Verify(signed.Payload, "id.example.com", signed.KeyID, pub))

	// The wire form carries the same signature and verifies after a round trip.
	raw, err := json.Marshal(signed)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "@u:example.com", decoded["mxid"])
	assert.Equal(t, float64(a.Created.UnixMilli()), decoded["not_before"])
	require.NoError(t, signedjson.Verify(decoded, "id.example.com", signed.KeyID, pub))
}

func TestExpireArchives(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	_, err := f.store.Publish(ctx, f.validated(t, "a@example.com"), "s3cret", "@u:example.com")
	require.NoError(t, err)

	n, err := f.store.Expire(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(ttl)
	n, err = f.store.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hist, err := f.store.History(ctx, session.MediumEmail, "a@example.com")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "@u:example.com", hist[0].MXID)
}

func TestUnbind(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	_, err := f.store.Publish(ctx, f.validated(t, "a@example.com"), "s3cret", "@u:example.com")
	require.NoError(t, err)

	assert.ErrorIs(t, f.store.Unbind(ctx, session.MediumEmail, "a@example.com", "@other:example.com"), association.ErrMXIDMismatch)
	require.NoError(t, f.store.Unbind(ctx, session.MediumEmail, "a@example.com", "@u:example.com"))
	assert.ErrorIs(t, f.store.Unbind(ctx, session.MediumEmail, "a@example.com", "@u:example.com"), association.ErrNotFound)

	_, ok, err := f.store.Lookup(ctx, session.MediumEmail, "a@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOnBindHook(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	var bound []association.Association
	f.store.OnBind(func(_ context.Context, a association.Association) error {
		bound = append(bound, a)
		return nil
	})
	f.store.OnBind(func(context.Context, association.Association) error {
		return assert.AnError
	})

	_, err := f.store.Publish(ctx, f.validated(t, "a@example.com"), "s3cret", "@u:example.com")
	require.NoError(t, err, "hook failures do not fail the publish")
	require.Len(t, bound, 1)
	assert.Equal(t, "@u:example.com", bound[0].MXID)
}
