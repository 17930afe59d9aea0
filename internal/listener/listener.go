// Package listener accepts relay connections.
package listener

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net"
	"time"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Listener turns a bound socket into a sequence of connections.
type Listener struct {
	ln     net.Listener
	logger *slog.Logger

	minDelay time.Duration
	maxDelay time.Duration
}

// New wraps ln. A nil logger discards output.
func New(ln net.Listener, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Listener{
		ln:       ln,
		logger:   logger,
		minDelay: minAcceptDelay,
		maxDelay: maxAcceptDelay,
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Conns returns the sequence of accepted connections. Accept failures are
// logged and retried after a capped backoff. Cancelling ctx closes the
// socket and ends the sequence, as does closing the socket directly.
func (l *Listener) Conns(ctx context.Context) iter.Seq[net.Conn] {
	return func(yield func(net.Conn) bool) {
		stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
		defer stop()

		var delay time.Duration
		for {
			conn, err := l.ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}

				delay = l.nextDelay(delay)
				l.logger.Warn("accept failed",
					"kind", relayerrors.KindAccept,
					"error", err,
					"retry_in", delay)

				if !sleep(ctx, delay) {
					return
				}
				continue
			}

			delay = 0
			if !yield(conn) {
				return
			}
		}
	}
}

// Serve hands every accepted connection to submit and passes those it
// refuses to reject. It returns nil once ctx is cancelled, or an AcceptError
// if the socket was closed out from under it.
func (l *Listener) Serve(ctx context.Context, submit func(net.Conn) bool, reject func(net.Conn)) error {
	l.logger.Info("accepting connections", "addr", l.Addr().String())

	for conn := range l.Conns(ctx) {
		if !submit(conn) {
			reject(conn)
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return relayerrors.NewKindError("accept", relayerrors.KindAccept, net.ErrClosed)
}

func (l *Listener) nextDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return l.minDelay
	}
	return min(prev*2, l.maxDelay)
}

// sleep waits d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
