// Package relaytypes provides shared type definitions for the relay module.
package relaytypes

import (
	"context"
	"log/slog"
	"time"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
)

// Status is the outcome of an upload.
type Status string

// Upload statuses
const (
	// StatusSuccess indicates the payload was stored
	StatusSuccess Status = "Success"

	// StatusFailure indicates the payload was not stored
	StatusFailure Status = "Failure"
)

// UploadJob is one complete frame read from a connection.
// It is created once by the frame reader and never mutated afterwards.
type UploadJob struct {
	// ConnID identifies the source connection
	ConnID string

	// Key is the destination object key
	Key string

	// Payload holds the frame bytes
	Payload []byte

	// ContentType is the detected MIME type of the payload
	ContentType string
}

// Size returns the payload length in bytes.
func (j UploadJob) Size() int64 {
	return int64(len(j.Payload))
}

// UploadResult is produced by the upload gateway for a single job.
type UploadResult struct {
	Status       Status
	ErrorKind    relayerrors.Kind
	BytesWritten int64
	Attempts     int
	ETag         string
	Duration     time.Duration
	Err          error
}

// Succeeded reports whether the upload was stored.
func (r UploadResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Uploader stores upload jobs. Implementations must be safe for concurrent use.
type Uploader interface {
	Upload(ctx context.Context, job UploadJob) UploadResult
}

// UploaderFunc adapts a function to the Uploader interface.
type UploaderFunc func(ctx context.Context, job UploadJob) UploadResult

// Upload calls f(ctx, job).
func (f UploaderFunc) Upload(ctx context.Context, job UploadJob) UploadResult {
	return f(ctx, job)
}

// State is a connection handler state.
type State int

// Handler states, in order.
const (
	StateReading State = iota
	StateUploading
	StateResponding
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateReading:
		return "Reading"
	case StateUploading:
		return "Uploading"
	case StateResponding:
		return "Responding"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Report is the final record of one handled connection.
type Report struct {
	ConnID     string
	RemoteAddr string
	Key        string

	// State is the final state, always StateClosed once Handle returns
	State State

	// FailedIn is the state in which the failure happened (if any)
	FailedIn State

	// Kind is empty on success
	Kind relayerrors.Kind

	Result   UploadResult
	Err      error
	Duration time.Duration
}

// Failed reports whether the connection ended with an error.
func (r Report) Failed() bool {
	return r.Kind != ""
}

// CompletionHook receives the report of every handled connection.
type CompletionHook func(Report)

// Stats is a snapshot of scheduler activity.
type Stats struct {
	// Active is the number of slots currently held
	Active int
	// Queued is the number of connections waiting for a slot
	Queued    int
	Submitted int64
	Rejected  int64
	Completed int64
	Panics    int64
}

// ServerConfig holds the settings of a relay server.
type ServerConfig struct {
	// Addr is the TCP listen address (e.g. ":8080")
	Addr string

	// PoolSize bounds the number of concurrently running handlers
	PoolSize int

	// QueueCapacity bounds the number of connections waiting for a slot
	QueueCapacity int

	// MaxPayloadBytes caps the size of a single upload
	MaxPayloadBytes int64

	// ReadIdleTimeout is the longest the peer may stay silent mid-frame
	ReadIdleTimeout time.Duration

	// MaxEmptyReads bounds consecutive zero-byte reads before ReadTimeout
	MaxEmptyReads int

	// WriteTimeout bounds writing the response line
	WriteTimeout time.Duration

	// ShutdownGrace is how long in-flight handlers may drain on shutdown
	ShutdownGrace time.Duration

	// KeyPrefix is prepended to generated object keys
	KeyPrefix string

	Logger     *slog.Logger
	OnComplete CompletionHook
}

// Option configures a ServerConfig.
type Option func(*ServerConfig)
