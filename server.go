package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/frame"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/handler"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/listener"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/scheduler"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/validation"
	"github.com/input-output-hk/catalyst-forge-libs/relay/relaytypes"
)

// Server defaults.
const (
	DefaultAddr          = ":8080"
	DefaultShutdownGrace = 10 * time.Second

	rejectWriteTimeout = time.Second
)

// Server is a relay server. A Server serves a single listener; create a new
// one to serve again after shutdown.
type Server struct {
	cfg    relaytypes.ServerConfig
	logger *slog.Logger
	sched  *scheduler.Scheduler

	mu           sync.Mutex
	ln           *listener.Listener
	closed       bool
	cancelAccept context.CancelFunc
}

// New creates a Server that hands frames to uploader.
//
// Example:
//
//	srv, err := relay.New(gw,
//	    relay.WithPoolSize(4),
//	    relay.WithQueueCapacity(16),
//	    relay.WithMaxPayloadBytes(8<<20),
//	)
func New(uploader relaytypes.Uploader, opts ...relaytypes.Option) (*Server, error) {
	cfg := relaytypes.ServerConfig{
		Addr:            DefaultAddr,
		PoolSize:        scheduler.DefaultPoolSize,
		QueueCapacity:   scheduler.DefaultQueueCapacity,
		MaxPayloadBytes: frame.DefaultMaxPayloadBytes,
		ReadIdleTimeout: frame.DefaultIdleTimeout,
		MaxEmptyReads:   frame.DefaultMaxEmptyReads,
		WriteTimeout:    handler.DefaultWriteTimeout,
		ShutdownGrace:   DefaultShutdownGrace,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := validateConfig(uploader, cfg); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	frames := frame.NewReader(frame.Config{
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		IdleTimeout:     cfg.ReadIdleTimeout,
		MaxEmptyReads:   cfg.MaxEmptyReads,
		KeyFunc:         frame.PrefixKeyFunc(cfg.KeyPrefix, nil),
	})

	h := handler.New(frames, uploader, handler.Config{
		WriteTimeout: cfg.WriteTimeout,
		OnComplete:   cfg.OnComplete,
	}, logger)

	s := &Server{
		cfg:    cfg,
		logger: logger,
	}
	s.sched = scheduler.New(func(ctx context.Context, conn net.Conn) {
		h.Handle(ctx, conn)
	}, scheduler.Config{
		PoolSize:      cfg.PoolSize,
		QueueCapacity: cfg.QueueCapacity,
	}, logger)

	return s, nil
}

func validateConfig(uploader relaytypes.Uploader, cfg relaytypes.ServerConfig) error {
	invalid := func(msg string) error {
		return relayerrors.NewKindError("server init", relayerrors.KindInvalidArgument, nil).WithMessage(msg)
	}

	switch {
	case uploader == nil:
		return invalid("uploader is nil")
	case cfg.PoolSize < 1:
		return invalid("pool size must be at least 1")
	case cfg.QueueCapacity < 0:
		return invalid("queue capacity must not be negative")
	case cfg.MaxPayloadBytes < 1:
		return invalid("max payload bytes must be positive")
	case cfg.ShutdownGrace < 0:
		return invalid("shutdown grace must not be negative")
	}
	return validation.ValidateKeyPrefix(cfg.KeyPrefix)
}

// Config returns the effective configuration.
func (s *Server) Config() relaytypes.ServerConfig {
	return s.cfg
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return relayerrors.NewKindError("listen", relayerrors.KindAccept, err).WithMessage(s.cfg.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called, and takes ownership of ln.
//
// When ctx is cancelled, Serve stops accepting, gives in-flight connections
// the shutdown grace period to finish, force-closes the rest and returns
// nil. After Shutdown, Serve returns ErrServerClosed immediately and
// Shutdown does the draining.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed || s.ln != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return relayerrors.ErrServerClosed
	}
	acceptCtx, cancel := context.WithCancel(ctx)
	s.ln = listener.New(ln, s.logger)
	s.cancelAccept = cancel
	l := s.ln
	s.mu.Unlock()
	defer cancel()

	serveErr := l.Serve(acceptCtx, s.sched.Submit, s.reject)

	s.mu.Lock()
	shutdownCalled := s.closed
	s.closed = true
	s.mu.Unlock()

	if shutdownCalled {
		return relayerrors.ErrServerClosed
	}

	s.logger.Info("draining connections", "grace", s.cfg.ShutdownGrace)
	if err := s.drain(); err != nil {
		s.logger.Warn("shutdown grace expired", "error", err)
	}
	return serveErr
}

// Shutdown stops accepting connections and waits for in-flight ones until
// ctx is done, then force-closes them. It returns a ShutdownTimeout error
// when connections had to be cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.cancelAccept != nil {
		s.cancelAccept()
	}
	s.mu.Unlock()

	return s.sched.Shutdown(ctx)
}

func (s *Server) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	return s.sched.Shutdown(ctx)
}

// reject refuses conn because the scheduler is full or closed.
func (s *Server) reject(conn net.Conn) {
	start := time.Now()
	remote := conn.RemoteAddr().String()

	err := handler.Reject(conn, relayerrors.KindSchedulerFull, rejectWriteTimeout)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("reject write failed", "remote", remote, "error", err)
	}
	s.logger.Info("connection refused", "remote", remote, "kind", relayerrors.KindSchedulerFull)

	if s.cfg.OnComplete != nil {
		s.cfg.OnComplete(relaytypes.Report{
			RemoteAddr: remote,
			State:      relaytypes.StateClosed,
			FailedIn:   relaytypes.StateReading,
			Kind:       relayerrors.KindSchedulerFull,
			Err:        relayerrors.ErrSchedulerFull,
			Duration:   time.Since(start),
		})
	}
}

// Addr returns the address being served, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stats returns a snapshot of connection activity.
func (s *Server) Stats() relaytypes.Stats {
	return s.sched.Stats()
}
