package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/ironid/config"
	"github.com/jmcleod/ironid/internal/logger"
	"github.com/jmcleod/ironid/internal/metrics"
	"github.com/jmcleod/ironid/keys"
)

const shutdownTimeout = 10 * time.Second

func newServerCmd(opts *options) *cobra.Command {
	var statusAddr string
	c := &cobra.Command{
		Use:   "server",
		Short: "Start the identity trust service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if statusAddr != "" {
				cfg.Server.StatusAddr = statusAddr
			}
			log := initLogger(cfg)
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.Server.StatusAddr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Server.StatusAddr, err)
			}

			printBanner(os.Stdout)
			return runServer(ctx, cfg, ln, log)
		},
	}
	c.Flags().StringVar(&statusAddr, "status-addr", "", "Address for /health and /metrics (overrides server.status_addr)")
	return c
}

// runServer serves the status listener on ln and runs the maintenance
// sweeps until ctx is done.
func runServer(ctx context.Context, cfg *config.Config, ln net.Listener, log *zap.Logger) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	c, err := buildCore(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	keyID, created, err := c.keys.EnsureCurrentKey(ctx)
	if err != nil {
		return err
	}
	log.Info("signing with long-term key", logger.KeyID(keyID), zap.Bool("created", created))

	server := &http.Server{
		Handler:           statusRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	sweep(gctx, g, log, "session cleanup", cfg.Sessions.CleanupInterval, c.sessions.Cleanup)
	sweep(gctx, g, log, "association expiry", cfg.Associations.ExpiryInterval, c.associations.Expire)
	sweep(gctx, g, log, "short-term key retirement", cfg.Keys.RetireInterval, func(ctx context.Context) (int, error) {
		return c.keys.RetireAll(ctx, keys.ShortTerm)
	})

	log.Info("status listener started", zap.String("addr", ln.Addr().String()), zap.String("storage", cfg.Storage.Driver))
	return g.Wait()
}

func statusRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// sweep runs fn every interval until ctx is done. A zero interval
// disables it. Errors are logged; they do not stop the server.
func sweep(ctx context.Context, g *errgroup.Group, log *zap.Logger, name string, interval time.Duration, fn func(context.Context) (int, error)) {
	if interval <= 0 {
		return
	}
	log = log.With(zap.String("sweep", name))
	g.Go(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				n, err := fn(ctx)
				if err != nil && ctx.Err() == nil {
					log.Warn("sweep failed", logger.Err(err))
					continue
				}
				if n > 0 {
					log.Info("sweep removed records", logger.Count(n))
				}
			}
		}
	})
}
