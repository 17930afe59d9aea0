package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/input-output-hk/catalyst-forge-libs/relay"
	"github.com/input-output-hk/catalyst-forge-libs/relay/gateway"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/config"
	"github.com/input-output-hk/catalyst-forge-libs/relay/relaytypes"
	"github.com/input-output-hk/catalyst-forge-libs/relay/storage"
)

// newLogger builds the process logger from the logging config.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newStore opens the configured storage backend. The caller owns the
// returned store and must Close it.
func newStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	sc := cfg.Storage

	switch sc.Backend {
	case config.BackendS3:
		opts := []storage.S3Option{
			storage.WithForcePathStyle(sc.ForcePathStyle),
			storage.WithTimeout(sc.Timeout),
		}
		if sc.Region != "" {
			opts = append(opts, storage.WithRegion(sc.Region))
		}
		if sc.Endpoint != "" {
			opts = append(opts, storage.WithEndpoint(sc.Endpoint))
		}
		if sc.AccessKeyID != "" {
			opts = append(opts, storage.WithStaticCredentials(sc.AccessKeyID, sc.SecretAccessKey, sc.SessionToken))
		}
		store, err := storage.NewS3(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendMinio:
		store, err := storage.NewMinio(storage.MinioConfig{
			Endpoint:        sc.Endpoint,
			Region:          sc.Region,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			SessionToken:    sc.SessionToken,
			UseSSL:          sc.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendMemory:
		return storage.NewMemory(cfg.Upload.Bucket), nil

	default:
		return nil, fmt.Errorf("unsupported storage backend %q", sc.Backend)
	}
}

// newGateway wraps store in an upload gateway configured for retries.
func newGateway(store storage.ObjectStore, cfg *config.Config, logger *slog.Logger) (*gateway.Gateway, error) {
	return gateway.New(store, cfg.Upload.Bucket,
		gateway.WithRetries(cfg.Upload.Retries),
		gateway.WithBackoff(cfg.Upload.RetryBaseDelay, cfg.Upload.RetryMaxDelay),
		gateway.WithAttemptTimeout(cfg.Upload.AttemptTimeout),
		gateway.WithLogger(logger),
	)
}

// serverOptions maps the server config onto relay options.
func serverOptions(cfg *config.Config, logger *slog.Logger) []relaytypes.Option {
	return []relaytypes.Option{
		relay.WithAddr(cfg.ListenAddr()),
		relay.WithPoolSize(cfg.Server.PoolSize),
		relay.WithQueueCapacity(cfg.Server.QueueCapacity),
		relay.WithMaxPayloadBytes(cfg.Server.MaxPayloadBytes),
		relay.WithReadIdleTimeout(cfg.Server.ReadIdleTimeout),
		relay.WithMaxEmptyReads(cfg.Server.MaxEmptyReads),
		relay.WithWriteTimeout(cfg.Server.WriteTimeout),
		relay.WithShutdownGrace(cfg.Server.ShutdownGrace),
		relay.WithKeyPrefix(cfg.Upload.KeyPrefix),
		relay.WithLogger(logger),
	}
}
