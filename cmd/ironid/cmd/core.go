package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmcleod/ironid/association"
	"github.com/jmcleod/ironid/config"
	"github.com/jmcleod/ironid/internal/clock"
	"github.com/jmcleod/ironid/internal/logger"
	"github.com/jmcleod/ironid/internal/ratelimit"
	"github.com/jmcleod/ironid/invite"
	"github.com/jmcleod/ironid/keys"
	"github.com/jmcleod/ironid/notify"
	"github.com/jmcleod/ironid/pki"
	"github.com/jmcleod/ironid/session"
	"github.com/jmcleod/ironid/storage"
	bboltstorage "github.com/jmcleod/ironid/storage/bbolt"
	"github.com/jmcleod/ironid/storage/memory"
	"github.com/jmcleod/ironid/storage/postgres"
)

// core is the wired set of components behind every command.
type core struct {
	repo         storage.Repository
	keys         *keys.Manager
	sessions     *session.Manager
	associations *association.Store
	invites      *invite.Coordinator

	closers []func()
}

func (c *core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	memguard.Purge()
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, func(), error) {
	switch cfg.Storage.Driver {
	case "memory":
		return memory.NewRepository(), func() {}, nil
	case "bbolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Storage.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open storage: %w", err)
		}
		return repo, func() { _ = repo.Close() }, nil
	case "postgres":
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open storage: %w", err)
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func newLimiter(cfg *config.Config) (ratelimit.Limiter, func()) {
	if cfg.Rate.Kind == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Rate.Redis.Addr, DB: cfg.Rate.Redis.DB})
		l := ratelimit.NewRedisLimiter(client, cfg.Rate.Redis.Prefix, cfg.Rate.Limit, cfg.Rate.Window, clock.Real())
		return l, func() { _ = l.Close() }
	}
	return ratelimit.NewMemoryLimiter(cfg.Rate.Limit, cfg.Rate.Window, clock.Real()), func() {}
}

// newKeyManager builds both pools over repo and opens their stores.
func newKeyManager(ctx context.Context, cfg *config.Config, repo storage.Repository) (*keys.Manager, []func(), error) {
	issuer := pki.NewIssuer(pki.IssuerConfig{
		Name:       cfg.Keys.IssuerName,
		Validity:   cfg.Keys.Validity,
		SerialBits: cfg.Keys.SerialBits,
	})

	var ksOpts []pki.RepositoryKeyStoreOption
	if cfg.Keys.Passphrase != "" {
		ksOpts = append(ksOpts, pki.WithPassphrase(cfg.Keys.Passphrase))
	}
	ltStore := pki.NewRepositoryKeyStore(repo, string(keys.LongTerm), ksOpts...)
	stStore := pki.NewRepositoryKeyStore(repo, string(keys.ShortTerm), ksOpts...)

	poolOpts := keyPoolOptions(cfg, logger.Named("keys"))
	m := keys.NewManager(
		keys.NewPool(keys.LongTerm, keys.SignWithCurrent, ltStore, issuer, poolOpts...),
		keys.NewPool(keys.ShortTerm, keys.SignRotates, stStore, issuer, poolOpts...),
		keys.WithManagerLogger(logger.Named("keys")),
	)
	closers := []func(){ltStore.Close, stStore.Close}
	if err := m.Init(ctx); err != nil {
		return nil, closers, err
	}
	return m, closers, nil
}

// keyPoolOptions configures both pools. NewPool tags log with the pool
// name itself.
func keyPoolOptions(cfg *config.Config, log *zap.Logger) []keys.PoolOption {
	return []keys.PoolOption{
		keys.WithLockTimeout(cfg.Keys.LockTimeout),
		keys.WithLogger(log),
	}
}

// buildCore wires every component over the configured storage. A nil
// delivery logs tokens and invitations instead of sending them.
func buildCore(ctx context.Context, cfg *config.Config, delivery notify.Delivery) (*core, error) {
	c := &core{}
	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.repo = repo
	c.closers = append(c.closers, closeRepo)

	km, closers, err := newKeyManager(ctx, cfg, repo)
	c.closers = append(c.closers, closers...)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.keys = km

	limiter, closeLimiter := newLimiter(cfg)
	c.closers = append(c.closers, closeLimiter)

	if delivery == nil {
		delivery = notify.NewLogDelivery(logger.Named("notify"))
	}
	c.sessions = session.NewManager(repo, delivery, session.Config{
		TokenLifetime:     cfg.Sessions.TokenLifetime,
		ValidatedLifetime: cfg.Sessions.ValidatedLifetime,
		MaxAge:            cfg.Sessions.MaxAge,
	}, session.WithLimiter(limiter), session.WithLogger(logger.Named("session")))

	c.associations = association.NewStore(repo, c.sessions, km, association.Config{
		ServerName: cfg.Server.Name,
		TTL:        cfg.Associations.TTL,
	}, association.WithLogger(logger.Named("association")))

	c.invites = invite.NewCoordinator(repo, km, c.associations, delivery, invite.Config{
		KeyValidityURL:          cfg.Invites.KeyValidityURL,
		EphemeralKeyValidityURL: cfg.Invites.EphemeralKeyValidityURL,
	}, invite.WithLogger(logger.Named("invite")))

	// A new binding delivers any invitations waiting on its address.
	c.associations.OnBind(func(ctx context.Context, a association.Association) error {
		_, err := c.invites.SendInvite(ctx, a.Medium, a.Address, a.MXID)
		return err
	})
	return c, nil
}

func initLogger(cfg *config.Config) *zap.Logger {
	logger.Init(logger.Config{
		Env:         cfg.Log.Env,
		Level:       cfg.Log.Level,
		ServiceName: "ironid",
		Version:     Version,
	})
	return logger.L()
}
