// Package scheduler bounds how many connections are handled at once.
//
// Admission uses a fixed number of slots plus a bounded FIFO queue. A
// connection either gets a slot, waits in the queue, or is refused; Submit
// never blocks. A goroutine that finishes a connection takes the next one
// from the queue on the same slot, so the slot count never exceeds PoolSize.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
	"github.com/input-output-hk/catalyst-forge-libs/relay/relaytypes"
)

const (
	// DefaultPoolSize is the number of slots when none is configured
	DefaultPoolSize = 8

	// DefaultQueueCapacity is the queue length used by the relay server
	DefaultQueueCapacity = 32

	// DefaultAbandonTimeout bounds how long a forced shutdown waits for
	// cancelled handlers to return
	DefaultAbandonTimeout = time.Second
)

// HandleFunc serves one connection. ctx is cancelled with cause
// ErrShutdownTimeout when shutdown runs out of time.
type HandleFunc func(ctx context.Context, conn net.Conn)

// Config sizes the scheduler.
type Config struct {
	// PoolSize is the number of slots. Values below 1 use DefaultPoolSize.
	PoolSize int

	// QueueCapacity is the number of connections that may wait for a slot.
	// Zero disables queueing.
	QueueCapacity int

	// AbandonTimeout is how long Shutdown waits, after cancelling handlers,
	// before it gives up on the ones that ignore cancellation. Values below
	// 1 use DefaultAbandonTimeout.
	AbandonTimeout time.Duration
}

// Scheduler admits connections and runs them on a bounded set of slots.
type Scheduler struct {
	handle HandleFunc
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	active int
	queue  []net.Conn
	closed bool

	// wg counts admitted connections that have not finished
	wg sync.WaitGroup

	submitted atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// New creates a Scheduler.
func New(handle HandleFunc, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.QueueCapacity < 0 {
		cfg.QueueCapacity = 0
	}
	if cfg.AbandonTimeout <= 0 {
		cfg.AbandonTimeout = DefaultAbandonTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &Scheduler{
		handle: handle,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queue:  make([]net.Conn, 0, cfg.QueueCapacity),
	}
}

// Submit admits conn. It reports false when every slot is busy and the
// queue is full, or after Shutdown; the caller then owns conn.
func (s *Scheduler) Submit(conn net.Conn) bool {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		s.rejected.Add(1)
		return false

	case s.active < s.cfg.PoolSize:
		s.active++
		s.wg.Add(1)
		s.mu.Unlock()
		s.submitted.Add(1)
		go s.run(conn)
		return true

	case len(s.queue) < s.cfg.QueueCapacity:
		s.queue = append(s.queue, conn)
		s.wg.Add(1)
		s.mu.Unlock()
		s.submitted.Add(1)
		return true

	default:
		s.mu.Unlock()
		s.rejected.Add(1)
		return false
	}
}

// run holds one slot, serving conn and then the queue until it is empty.
func (s *Scheduler) run(conn net.Conn) {
	for conn != nil {
		s.dispatch(conn)

		next := s.next()
		s.wg.Done()
		conn = next
	}
}

// next pops the queue head, or releases the slot when the queue is empty.
func (s *Scheduler) next() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		s.active--
		return nil
	}
	conn := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return conn
}

func (s *Scheduler) dispatch(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error("connection handler panicked", "panic", r, "remote", conn.RemoteAddr())
			_ = conn.Close()
		}
		s.completed.Add(1)
	}()

	s.handle(s.ctx, conn)
}

// Shutdown stops admission and waits for admitted connections, queued ones
// included, to finish. When ctx is done first, the handler context is
// cancelled with cause ErrShutdownTimeout, Shutdown waits for the handlers
// to unwind for at most AbandonTimeout and returns a ShutdownTimeout error.
// Handlers still running after that are abandoned: their connections are
// already closed and their slots are released whenever they return.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel(relayerrors.ErrServerClosed)
		return nil
	case <-ctx.Done():
	}

	stats := s.Stats()
	s.logger.Warn("shutdown grace expired, cancelling connections",
		"active", stats.Active, "queued", stats.Queued)

	s.cancel(relayerrors.ErrShutdownTimeout)

	abandon := time.NewTimer(s.cfg.AbandonTimeout)
	defer abandon.Stop()

	select {
	case <-done:
	case <-abandon.C:
		dropped := s.dropQueue()
		s.logger.Error("handlers ignored cancellation, abandoning them",
			"active", s.Active(), "dropped", dropped)
	}

	return relayerrors.NewKindError("shutdown", relayerrors.KindShutdownTimeout, nil).
		WithMessage(fmt.Sprintf("%d active and %d queued connections cancelled", stats.Active, stats.Queued))
}

// dropQueue closes every queued connection and forgets it. It returns the
// number of connections dropped.
func (s *Scheduler) dropQueue() int {
	s.mu.Lock()
	queued := s.queue
	s.queue = make([]net.Conn, 0, s.cfg.QueueCapacity)
	s.mu.Unlock()

	for _, conn := range queued {
		_ = conn.Close()
		s.wg.Done()
	}
	return len(queued)
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() relaytypes.Stats {
	s.mu.Lock()
	active, queued := s.active, len(s.queue)
	s.mu.Unlock()

	return relaytypes.Stats{
		Active:    active,
		Queued:    queued,
		Submitted: s.submitted.Load(),
		Rejected:  s.rejected.Load(),
		Completed: s.completed.Load(),
		Panics:    s.panics.Load(),
	}
}

// Active returns the number of slots in use.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Queued returns the number of connections waiting for a slot.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
