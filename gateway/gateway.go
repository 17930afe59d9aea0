// Package gateway uploads relay jobs to an object store.
//
// The gateway validates the destination, calls the store, and retries
// transient failures with exponential backoff. It holds no per-call state and
// is safe for concurrent use by every connection handler.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"time"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/validation"
	"github.com/input-output-hk/catalyst-forge-libs/relay/relaytypes"
	"github.com/input-output-hk/catalyst-forge-libs/relay/storage"
)

// Gateway uploads jobs to a single bucket.
type Gateway struct {
	store          storage.ObjectStore
	bucket         string
	retries        int
	backoff        Backoff
	attemptTimeout time.Duration
	logger         *slog.Logger

	// sleep waits between attempts; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a gateway for bucket. The bucket name is validated here so a
// misconfigured relay fails at startup rather than per connection.
//
// Example:
//
//	gw, err := gateway.New(store, "uploads",
//	    gateway.WithRetries(3),
//	    gateway.WithLogger(logger),
//	)
func New(store storage.ObjectStore, bucket string, opts ...Option) (*Gateway, error) {
	if store == nil {
		return nil, relayerrors.NewKindError("gateway init", relayerrors.KindInvalidArgument, nil).
			WithMessage("object store is nil")
	}
	if err := validation.ValidateBucketName(bucket); err != nil {
		return nil, err
	}

	g := &Gateway{
		store:   store,
		bucket:  bucket,
		retries: DefaultRetries,
		backoff: DefaultBackoff(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Bucket returns the destination bucket.
func (g *Gateway) Bucket() string {
	return g.bucket
}

// Verify checks the bucket is reachable when the store supports it.
func (g *Gateway) Verify(ctx context.Context) error {
	checker, ok := g.store.(storage.BucketChecker)
	if !ok {
		return nil
	}
	return checker.CheckBucket(ctx, g.bucket)
}

// Upload stores job.Payload under job.Key.
//
// Transient failures are retried up to the configured number of additional
// attempts. Every other failure kind returns immediately. When ctx is
// cancelled the result carries the kind of the cancellation cause.
func (g *Gateway) Upload(ctx context.Context, job relaytypes.UploadJob) relaytypes.UploadResult {
	start := time.Now()
	logger := g.logger.With("conn_id", job.ConnID, "key", job.Key)

	if err := validation.ValidateObjectKey(job.Key); err != nil {
		return failure(relayerrors.KindInvalidArgument, err, 0, start)
	}

	for attempt := 1; ; attempt++ {
		out, err := g.put(ctx, job)
		if err == nil {
			logger.Debug("upload stored", "attempt", attempt, "bytes", out.BytesWritten)
			return relaytypes.UploadResult{
				Status:       relaytypes.StatusSuccess,
				BytesWritten: out.BytesWritten,
				Attempts:     attempt,
				ETag:         out.ETag,
				Duration:     time.Since(start),
			}
		}

		if ctx.Err() != nil {
			return failure(causeKind(ctx), err, attempt, start)
		}

		kind := relayerrors.KindOf(err)
		if !kind.Retryable() || attempt > g.retries {
			logger.Warn("upload failed", "attempt", attempt, "kind", kind, "error", err)
			return failure(kind, err, attempt, start)
		}

		delay := g.backoff.Delay(attempt)
		logger.Info("retrying upload", "attempt", attempt, "delay", delay, "error", err)

		if err := g.sleep(ctx, delay); err != nil {
			return failure(causeKind(ctx), err, attempt, start)
		}
	}
}

// put performs a single store call, bounded by the attempt timeout.
func (g *Gateway) put(ctx context.Context, job relaytypes.UploadJob) (storage.PutOutput, error) {
	if g.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.attemptTimeout)
		defer cancel()
	}

	out, err := g.store.Put(ctx, g.bucket, job.Key, job.Payload, storage.PutOptions{ContentType: job.ContentType})
	if err != nil {
		return out, relayerrors.NewError("upload", err).WithConnID(job.ConnID).WithKey(job.Key)
	}
	return out, nil
}

// causeKind classifies why ctx ended.
func causeKind(ctx context.Context) relayerrors.Kind {
	return relayerrors.KindOf(context.Cause(ctx))
}

func failure(kind relayerrors.Kind, err error, attempts int, start time.Time) relaytypes.UploadResult {
	return relaytypes.UploadResult{
		Status:    relaytypes.StatusFailure,
		ErrorKind: kind,
		Attempts:  attempts,
		Duration:  time.Since(start),
		Err:       err,
	}
}

var _ relaytypes.Uploader = (*Gateway)(nil)
