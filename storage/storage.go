// Package storage provides the object-store backends the relay uploads to.
//
// Every backend implements ObjectStore, a single put call that returns the
// number of bytes stored or an error classified into one of the relay's
// upload error kinds (Transient, Auth, InvalidArgument, Unknown). Retrying is
// not the backend's job; the gateway decides based on the kind.
//
// Backends are safe for concurrent use. A backend is created once at process
// start and released with Close at process end.
package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
)

// PutOptions carries per-object settings.
type PutOptions struct {
	ContentType string
}

// PutOutput describes a stored object.
type PutOutput struct {
	BytesWritten int64
	ETag         string
	VersionID    string
}

// ObjectStore stores whole objects.
type ObjectStore interface {
	// Put stores payload under bucket/key.
	Put(ctx context.Context, bucket, key string, payload []byte, opts PutOptions) (PutOutput, error)

	// Close releases resources held by the store.
	Close() error
}

// BucketChecker is implemented by stores that can verify a bucket is
// reachable before serving traffic.
type BucketChecker interface {
	CheckBucket(ctx context.Context, bucket string) error
}

// errorCodeKinds maps S3 error codes (shared by AWS and S3-compatible
// services) to error kinds.
var errorCodeKinds = map[string]relayerrors.Kind{
	// Throttling and server-side failures
	"SlowDown":                  relayerrors.KindTransient,
	"Throttling":                relayerrors.KindTransient,
	"ThrottlingException":       relayerrors.KindTransient,
	"RequestLimitExceeded":      relayerrors.KindTransient,
	"TooManyRequestsException":  relayerrors.KindTransient,
	"RequestTimeout":            relayerrors.KindTransient,
	"InternalError":             relayerrors.KindTransient,
	"ServiceUnavailable":        relayerrors.KindTransient,
	"OperationAborted":          relayerrors.KindTransient,

	// MinIO specific
	"XMinioServerNotInitialized": relayerrors.KindTransient,

	// Credentials and permissions
	"AccessDenied":          relayerrors.KindAuth,
	"AccountProblem":        relayerrors.KindAuth,
	"AllAccessDisabled":     relayerrors.KindAuth,
	"ExpiredToken":          relayerrors.KindAuth,
	"Forbidden":             relayerrors.KindAuth,
	"InvalidAccessKeyId":    relayerrors.KindAuth,
	"InvalidSecurity":       relayerrors.KindAuth,
	"InvalidToken":          relayerrors.KindAuth,
	"RequestTimeTooSkewed":  relayerrors.KindAuth,
	"SignatureDoesNotMatch": relayerrors.KindAuth,
	"TokenRefreshRequired":  relayerrors.KindAuth,

	// Bad bucket, key or request
	"AuthorizationHeaderMalformed": relayerrors.KindInvalidArgument,
	"EntityTooLarge":               relayerrors.KindInvalidArgument,
	"InvalidArgument":              relayerrors.KindInvalidArgument,
	"InvalidBucketName":            relayerrors.KindInvalidArgument,
	"InvalidObjectState":           relayerrors.KindInvalidArgument,
	"InvalidRequest":               relayerrors.KindInvalidArgument,
	"InvalidStorageClass":          relayerrors.KindInvalidArgument,
	"KeyTooLongError":              relayerrors.KindInvalidArgument,
	"MissingContentLength":         relayerrors.KindInvalidArgument,
	"NoSuchBucket":                 relayerrors.KindInvalidArgument,
	"NotFound":                     relayerrors.KindInvalidArgument,
	"PermanentRedirect":            relayerrors.KindInvalidArgument,
}

// kindForCode classifies an S3 error code.
func kindForCode(code string) (relayerrors.Kind, bool) {
	kind, ok := errorCodeKinds[code]
	return kind, ok
}

// kindForStatus classifies an HTTP status returned by the service.
func kindForStatus(status int) (relayerrors.Kind, bool) {
	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return relayerrors.KindTransient, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return relayerrors.KindAuth, true
	case status >= http.StatusBadRequest:
		return relayerrors.KindInvalidArgument, true
	}
	return "", false
}

// kindForTransport classifies errors raised below the service protocol.
func kindForTransport(err error) relayerrors.Kind {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return relayerrors.KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return relayerrors.KindUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return relayerrors.KindTransient
	}
	return relayerrors.KindOf(err)
}
