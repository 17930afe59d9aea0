package gateway

import (
	"io"
	"log/slog"
	"time"
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithRetries sets how many additional attempts a transient failure gets.
// Negative values are treated as zero.
func WithRetries(retries int) Option {
	return func(g *Gateway) {
		g.retries = max(retries, 0)
	}
}

// WithBackoff sets the base and maximum retry delay.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(g *Gateway) {
		g.backoff.BaseDelay = base
		g.backoff.MaxDelay = maxDelay
	}
}

// WithJitter enables or disables ±25% jitter on retry delays.
func WithJitter(enabled bool) Option {
	return func(g *Gateway) {
		g.backoff.Jitter = enabled
	}
}

// WithAttemptTimeout bounds each individual store call. Zero disables it.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.attemptTimeout = timeout
	}
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger == nil {
			logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
		g.logger = logger
	}
}
