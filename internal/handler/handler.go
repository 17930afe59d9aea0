// Package handler runs one relay connection from first byte to close.
//
// A connection moves through Reading, Uploading and Responding and always
// ends Closed. A failure in any state sends a best-effort "ERR <kind>" line
// and jumps straight to Closed. The connection is closed on every path,
// including panics.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/protocol"
	"github.com/input-output-hk/catalyst-forge-libs/relay/relaytypes"
)

const (
	// DefaultWriteTimeout bounds writing the response line
	DefaultWriteTimeout = 5 * time.Second

	// DefaultLingerTimeout bounds draining an oversized request after the
	// error line was sent
	DefaultLingerTimeout = 500 * time.Millisecond

	// lingerLimit caps how much unread input is drained before closing
	lingerLimit = 4 << 20
)

// FrameReader assembles the upload job of a connection.
type FrameReader interface {
	ReadFrame(src io.Reader, connID string) (relaytypes.UploadJob, error)
}

// Config controls the handler.
type Config struct {
	WriteTimeout  time.Duration
	LingerTimeout time.Duration

	// OnComplete receives the report of every connection
	OnComplete relaytypes.CompletionHook

	// NewConnID generates connection ids; defaults to random UUIDs
	NewConnID func() string
}

// Handler serves connections. It is safe for concurrent use.
type Handler struct {
	frames   FrameReader
	uploader relaytypes.Uploader
	cfg      Config
	logger   *slog.Logger
}

// New creates a Handler.
func New(frames FrameReader, uploader relaytypes.Uploader, cfg Config, logger *slog.Logger) *Handler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.LingerTimeout <= 0 {
		cfg.LingerTimeout = DefaultLingerTimeout
	}
	if cfg.NewConnID == nil {
		cfg.NewConnID = uuid.NewString
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		frames:   frames,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handle serves conn and returns its report. Cancelling ctx closes conn,
// which unblocks a pending read; the upload sees the same ctx.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) (report relaytypes.Report) {
	start := time.Now()
	report = relaytypes.Report{
		ConnID:     h.cfg.NewConnID(),
		RemoteAddr: remoteAddr(conn),
		State:      relaytypes.StateReading,
	}
	logger := h.logger.With("conn_id", report.ConnID, "remote", report.RemoteAddr)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	defer func() {
		if r := recover(); r != nil {
			err := relayerrors.NewKindError("handle", relayerrors.KindUnknown, fmt.Errorf("panic: %v", r)).
				WithConnID(report.ConnID)
			logger.Error("handler panicked", "state", report.State, "panic", r)
			h.fail(conn, &report, relayerrors.KindUnknown, err)
		}

		stop()
		_ = conn.Close()

		report.State = relaytypes.StateClosed
		report.Duration = time.Since(start)
		h.finish(logger, report)
	}()

	if ctx.Err() != nil {
		h.fail(conn, &report, causeKind(ctx), context.Cause(ctx))
		return report
	}

	// Reading
	job, err := h.frames.ReadFrame(conn, report.ConnID)
	if err != nil {
		kind := relayerrors.KindOf(err)
		if ctx.Err() != nil {
			kind = causeKind(ctx)
		}
		h.fail(conn, &report, kind, err)
		if kind == relayerrors.KindPayloadTooLarge {
			h.linger(conn)
		}
		return report
	}
	report.Key = job.Key

	// Uploading
	report.State = relaytypes.StateUploading
	report.Result = h.uploader.Upload(ctx, job)
	if !report.Result.Succeeded() {
		kind := report.Result.ErrorKind
		if kind == "" {
			kind = relayerrors.KindUnknown
		}
		h.fail(conn, &report, kind, report.Result.Err)
		return report
	}

	// Responding
	report.State = relaytypes.StateResponding
	written := report.Result.BytesWritten
	if err := h.respond(conn, func(w io.Writer) error { return protocol.WriteOK(w, written) }); err != nil {
		kind := relayerrors.KindUnknown
		if ctx.Err() != nil {
			kind = causeKind(ctx)
		}
		report.FailedIn = relaytypes.StateResponding
		report.Kind = kind
		report.Err = relayerrors.NewKindError("respond", kind, err).WithConnID(report.ConnID)
	}
	return report
}

// fail records the failure and sends the error line. The write is best
// effort: the connection may already be gone.
func (h *Handler) fail(conn net.Conn, report *relaytypes.Report, kind relayerrors.Kind, err error) {
	report.FailedIn = report.State
	report.Kind = kind
	report.Err = err

	if report.State == relaytypes.StateResponding {
		return
	}
	_ = h.respond(conn, func(w io.Writer) error { return protocol.WriteErr(w, kind) })
}

// respond writes one response line under the write deadline.
func (h *Handler) respond(conn net.Conn, write func(io.Writer) error) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return write(conn)
}

// linger half-closes conn and drains what the peer is still sending, so the
// peer reads the error line instead of a connection reset.
func (h *Handler) linger(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.LingerTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, lingerLimit))
}

func (h *Handler) finish(logger *slog.Logger, report relaytypes.Report) {
	attrs := []any{
		"key", report.Key,
		"duration", report.Duration,
	}
	if report.Failed() {
		attrs = append(attrs, "kind", report.Kind, "failed_in", report.FailedIn, "error", report.Err)
		if isExpected(report.Kind) {
			logger.Info("connection rejected", attrs...)
		} else {
			logger.Warn("connection failed", attrs...)
		}
	} else {
		attrs = append(attrs, "bytes", report.Result.BytesWritten, "attempts", report.Result.Attempts)
		logger.Info("connection served", attrs...)
	}

	if h.cfg.OnComplete != nil {
		h.cfg.OnComplete(report)
	}
}

// isExpected reports whether kind is caused by the peer rather than the relay.
func isExpected(kind relayerrors.Kind) bool {
	return kind == relayerrors.KindPayloadTooLarge || kind == relayerrors.KindReadTimeout
}

// Reject answers conn with the error line for kind and closes it. It is used
// for connections the scheduler could not admit.
func Reject(conn net.Conn, kind relayerrors.Kind, timeout time.Duration) error {
	defer func() { _ = conn.Close() }()

	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := protocol.WriteErr(conn, kind); err != nil && !errors.Is(err, net.ErrClosed) {
		return relayerrors.NewKindError("reject", kind, err)
	}
	return nil
}

func causeKind(ctx context.Context) relayerrors.Kind {
	return relayerrors.KindOf(context.Cause(ctx))
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
