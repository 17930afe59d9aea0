// Package errors provides the error taxonomy of the upload relay.
// It extends Go's standard error handling with string-based error kinds,
// retry classification, and per-connection context.
package errors

// Kind identifies a class of failure. Kinds are string-based so they can be
// written verbatim into the response line sent to clients ("ERR <kind>").
type Kind string

const (
	// Listener errors.

	// KindAccept indicates accepting a connection failed. It is logged and
	// the accept loop continues.
	KindAccept Kind = "AcceptError"

	// Frame errors.

	// KindReadTimeout indicates the peer stalled while sending its payload.
	KindReadTimeout Kind = "ReadTimeout"

	// KindPayloadTooLarge indicates the payload exceeded the configured cap.
	KindPayloadTooLarge Kind = "PayloadTooLarge"

	// Upload errors.

	// KindTransient indicates a failure expected to succeed on retry
	// (network blip, throttling, 5xx).
	KindTransient Kind = "Transient"

	// KindAuth indicates the storage backend rejected the credentials.
	KindAuth Kind = "Auth"

	// KindInvalidArgument indicates an invalid bucket or key.
	KindInvalidArgument Kind = "InvalidArgument"

	// KindUnknown indicates an unknown or unclassified error.
	KindUnknown Kind = "Unknown"

	// Scheduling errors.

	// KindSchedulerFull indicates the connection was rejected because every
	// slot is busy and the queue is full.
	KindSchedulerFull Kind = "SchedulerFull"

	// KindShutdownTimeout indicates a handler was cancelled because the
	// shutdown grace period expired.
	KindShutdownTimeout Kind = "ShutdownTimeout"
)

// String returns the kind as written on the wire.
func (k Kind) String() string {
	return string(k)
}

// Retryable reports whether failures of this kind may succeed on retry.
func (k Kind) Retryable() bool {
	return k == KindTransient
}
