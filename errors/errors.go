package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error represents a relay failure with context about the operation and the
// connection it belongs to.
type Error struct {
	// Op is the operation that failed (e.g., "read", "upload", "accept")
	Op string

	// ConnID identifies the connection (if applicable)
	ConnID string

	// Key is the destination object key (if applicable)
	Key string

	// Kind classifies the failure
	Kind Kind

	// Err is the underlying error
	Err error
}

// Error implements the error interface by providing a formatted error message.
func (e *Error) Error() string {
	switch {
	case e.ConnID != "" && e.Key != "":
		return fmt.Sprintf("relay.%s [%s] conn %s key %s: %v", e.Op, e.Kind, e.ConnID, e.Key, e.Err)
	case e.ConnID != "":
		return fmt.Sprintf("relay.%s [%s] conn %s: %v", e.Op, e.Kind, e.ConnID, e.Err)
	case e.Key != "":
		return fmt.Sprintf("relay.%s [%s] key %s: %v", e.Op, e.Kind, e.Key, e.Err)
	}
	return fmt.Sprintf("relay.%s [%s]: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel error of this error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

// WithConnID adds connection context to an existing error.
func (e *Error) WithConnID(connID string) *Error {
	e.ConnID = connID
	return e
}

// WithKey adds object key context to an existing error.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithMessage wraps the underlying error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	e.Err = fmt.Errorf("%s: %w", message, e.Err)
	return e
}

// NewError creates a new Error for op. The kind is derived from err.
func NewError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindOf(err),
		Err:  err,
	}
}

// NewKindError creates a new Error with an explicit kind.
func NewKindError(op string, kind Kind, err error) *Error {
	if err == nil {
		err = sentinels[kind]
	}
	return &Error{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// Sentinel errors, one per kind. These can be used with errors.Is().
var (
	// ErrAccept indicates accepting a connection failed
	ErrAccept = errors.New("relay: accept failed")

	// ErrReadTimeout indicates the peer stalled while sending its payload
	ErrReadTimeout = errors.New("relay: read timeout")

	// ErrPayloadTooLarge indicates the payload exceeded the configured cap
	ErrPayloadTooLarge = errors.New("relay: payload too large")

	// ErrTransient indicates a retryable storage failure
	ErrTransient = errors.New("relay: transient storage failure")

	// ErrAuth indicates the storage backend rejected the credentials
	ErrAuth = errors.New("relay: storage authentication failed")

	// ErrInvalidArgument indicates an invalid bucket or key
	ErrInvalidArgument = errors.New("relay: invalid argument")

	// ErrUnknown indicates an unclassified failure
	ErrUnknown = errors.New("relay: unknown failure")

	// ErrSchedulerFull indicates every slot is busy and the queue is full
	ErrSchedulerFull = errors.New("relay: scheduler full")

	// ErrShutdownTimeout indicates the shutdown grace period expired
	ErrShutdownTimeout = errors.New("relay: shutdown timeout")

	// ErrServerClosed is returned by Serve after Shutdown has been called
	ErrServerClosed = errors.New("relay: server closed")
)

var sentinels = map[Kind]error{
	KindAccept:          ErrAccept,
	KindReadTimeout:     ErrReadTimeout,
	KindPayloadTooLarge: ErrPayloadTooLarge,
	KindTransient:       ErrTransient,
	KindAuth:            ErrAuth,
	KindInvalidArgument: ErrInvalidArgument,
	KindUnknown:         ErrUnknown,
	KindSchedulerFull:   ErrSchedulerFull,
	KindShutdownTimeout: ErrShutdownTimeout,
}

// KindOf classifies err. Typed errors report their own kind, sentinels map
// to theirs, network timeouts are transient, and everything else is
// KindUnknown. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var relayErr *Error
	if errors.As(err, &relayErr) && relayErr.Kind != "" {
		return relayErr.Kind
	}

	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}

	// Cancellation without a cause has nothing to retry
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	return KindUnknown
}

// IsPayloadTooLarge checks if an error indicates an oversized payload.
func IsPayloadTooLarge(err error) bool {
	return errors.Is(err, ErrPayloadTooLarge)
}

// IsShutdownTimeout checks if an error indicates a forced shutdown.
func IsShutdownTimeout(err error) bool {
	return errors.Is(err, ErrShutdownTimeout)
}
