// Package notify defines the out-of-band delivery collaborator. The core
// produces tokens and invite notifications; a Delivery transmits them.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jmcleod/ironid/internal/logger"
)

// TokenMessage carries a verification token to the address being proven.
type TokenMessage struct {
	SID         string
	Medium      string
	Address     string
	Token       string
	SendAttempt int
	NextLink    string
}

// InviteMessage tells an invited address that it has been bound to MXID.
type InviteMessage struct {
	Token       string
	Medium      string
	Address     string
	RoomID      string
	Sender      string
	DisplayName string
	MXID        string
}

type Delivery interface {
	SendToken(ctx context.Context, msg TokenMessage) error
	SendInvite(ctx context.Context, msg InviteMessage) error
}

// LogDelivery writes messages to a logger instead of transmitting them.
// Tokens are logged only in a shortened form.
type LogDelivery struct {
	log *zap.Logger
}

func NewLogDelivery(l *zap.Logger) *LogDelivery {
	return &LogDelivery{log: logger.OrNop(l)}
}

func (d *LogDelivery) SendToken(_ context.Context, msg TokenMessage) error {
	d.log.Info("verification token ready",
		logger.SID(msg.SID),
		logger.Medium(msg.Medium),
		zap.String("address", msg.Address),
		zap.String("token_prefix", prefix(msg.Token, 4)),
		zap.Int("send_attempt", msg.SendAttempt),
	)
	return nil
}

func (d *LogDelivery) SendInvite(_ context.Context, msg InviteMessage) error {
	d.log.Info("invite resolved",
		logger.Medium(msg.Medium),
		zap.String("address", msg.Address),
		zap.String("room_id", msg.RoomID),
		zap.String("sender", msg.Sender),
		zap.String("mxid", msg.MXID),
	)
	return nil
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// Recorder keeps every message in memory. It is used by tests and by
// dry-run tooling that inspects what would have been sent.
type Recorder struct {
	mu      sync.Mutex
	Tokens  []TokenMessage
	Invites []InviteMessage
	// Err, when set, is returned from every send after recording.
	Err error
}

func (r *Recorder) SendToken(_ context.Context, msg TokenMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tokens = append(r.Tokens, msg)
	return r.Err
}

func (r *Recorder) SendInvite(_ context.Context, msg InviteMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Invites = append(r.Invites, msg)
	return r.Err
}

// LastToken returns the most recent token message.
func (r *Recorder) LastToken() (TokenMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Tokens) == 0 {
		return TokenMessage{}, false
	}
	return r.Tokens[len(r.Tokens)-1], true
}

func (r *Recorder) TokenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Tokens)
}

func (r *Recorder) InviteMessages() []InviteMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]InviteMessage(nil), r.Invites...)
}
