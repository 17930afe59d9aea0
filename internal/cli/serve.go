package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/input-output-hk/catalyst-forge-libs/relay"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/config"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var statsInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay server until SIGINT or SIGTERM.

On a signal the server stops accepting, lets in-flight uploads finish within
the configured shutdown grace and then force-closes whatever is left.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()), statsInterval)
		},
	}

	cmd.Flags().DurationVar(&statsInterval, "stats-interval", 0,
		"Log scheduler statistics at this interval (0 disables)")

	return cmd
}

// runServe wires storage, gateway and server from cfg and serves until ctx
// is cancelled.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, statsInterval time.Duration) error {
	store, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()

	gw, err := newGateway(store, cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Upload.VerifyBucket {
		if err := gw.Verify(ctx); err != nil {
			return fmt.Errorf("bucket %s is not usable: %w", gw.Bucket(), err)
		}
	}

	srv, err := relay.New(gw, serverOptions(cfg, logger)...)
	if err != nil {
		return err
	}

	logger.Info("relay starting",
		"addr", cfg.ListenAddr(),
		"backend", cfg.Storage.Backend,
		"bucket", gw.Bucket(),
		"poolSize", cfg.Server.PoolSize,
		"queueCapacity", cfg.Server.QueueCapacity)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if statsInterval > 0 {
		g.Go(func() error {
			reportStats(gctx, srv, logger, statsInterval)
			return nil
		})
	}

	err = g.Wait()
	stats := srv.Stats()
	logger.Info("relay stopped",
		"submitted", stats.Submitted,
		"completed", stats.Completed,
		"rejected", stats.Rejected,
		"panics", stats.Panics)
	return err
}

// reportStats logs a stats snapshot every interval until ctx is done.
func reportStats(ctx context.Context, srv *relay.Server, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := srv.Stats()
			logger.Info("relay stats",
				"active", stats.Active,
				"queued", stats.Queued,
				"submitted", stats.Submitted,
				"completed", stats.Completed,
				"rejected", stats.Rejected)
		}
	}
}
