package relay

import (
	"log/slog"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/relay/relaytypes"
)

// WithAddr sets the TCP listen address. Default is ":8080".
func WithAddr(addr string) relaytypes.Option {
	return func(c *relaytypes.ServerConfig) {
		c.Addr = addr
	}
}

// WithPoolSize sets the number of connections handled concurrently.
// Default is 8.
func WithPoolSize(size int) relaytypes.Option {
	return func(c *relaytypes.ServerConfig) {
		c.PoolSize = size
	}
}

// WithQueueCapacity sets how many connections may wait for a free slot.
// Default is 32. Zero refuses every connection that finds the pool busy.
func WithQueueCapacity(capacity int) relaytypes.Option {
	return func(c *relaytypes.ServerConfig) {
		c.QueueCapacity = capacity
	}
}

// WithMaxPayloadBytes caps the size of a single upload. Default is 64MiB.
func WithMaxPayloadBytes(n int64) relaytypes.Option {
	return func(c *relaytypes.ServerConfig) {
		c.MaxPayloadBytes = n
	}
}

// WithReadIdleTimeout sets how long a client may stay silent before its
// upload fails with ReadTimeout. Default is 30s; negative disables it.
func WithReadIdleTimeout(d time.Duration) relaytypes.Option {
	return func(c *relaytypes.ServerConfig) {
		c.ReadIdleTimeout = d
	}
}

// WithMaxEmptyReads bounds consecutive zero-byte reads. Default is 3.
func WithMaxEmptyReads(n int) relaytypes.Option {
	return func(c *relaytypes.ServerConfig) {
		c.MaxEmptyReads = n
	}
}

// WithWriteTimeout bounds writing the response line. Default is 5s.
func WithWriteTimeout(d time.Duration) relaytypes.Option {
	return func(c *relaytypes.ServerConfig) {
		c.WriteTimeout = d
	}
}

// WithShutdownGrace sets how long in-flight connections may finish once
// shutdown starts. Default is 10s.
func WithShutdownGrace(d time.Duration) relaytypes.Option {
	return func(c *relaytypes.ServerConfig) {
		c.ShutdownGrace = d
	}
}

// WithKeyPrefix sets the prefix of generated object keys.
func WithKeyPrefix(prefix string) relaytypes.Option {
	return func(c *relaytypes.ServerConfig) {
		c.KeyPrefix = prefix
	}
}

// WithLogger sets the logger. Output is discarded by default.
func WithLogger(logger *slog.Logger) relaytypes.Option {
	return func(c *relaytypes.ServerConfig) {
		c.Logger = logger
	}
}

// WithCompletionHook registers a function called with the report of every
// connection, refused ones included. It runs on the connection's goroutine
// and must not block.
func WithCompletionHook(hook relaytypes.CompletionHook) relaytypes.Option {
	return func(c *relaytypes.ServerConfig) {
		c.OnComplete = hook
	}
}
