// Package frame assembles one upload frame from a connection.
//
// A frame is everything the peer sends before half-closing its side of the
// connection, bounded by a size cap. The reader never buffers more than
// MaxPayloadBytes+1 bytes: the extra byte is how an oversized payload is
// detected without reading the rest of it.
package frame

import (
	"errors"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/pool"
	"github.com/input-output-hk/catalyst-forge-libs/relay/relaytypes"
)

const (
	// DefaultMaxPayloadBytes caps a frame at 64MiB
	DefaultMaxPayloadBytes int64 = 64 * 1024 * 1024

	// DefaultIdleTimeout is the longest the peer may stay silent mid-frame
	DefaultIdleTimeout = 30 * time.Second

	// DefaultMaxEmptyReads bounds consecutive zero-byte reads
	DefaultMaxEmptyReads = 3

	// DefaultEmptyReadDelay is the pause after a zero-byte read
	DefaultEmptyReadDelay = 10 * time.Millisecond
)

// KeyFunc builds the destination key of a frame from its connection id and
// detected content type.
type KeyFunc func(connID string, mime *mimetype.MIME) string

// PrefixKeyFunc returns a KeyFunc producing keys of the form
// <prefix>/<yyyy>/<mm>/<dd>/<connID><ext>. A nil now uses time.Now.
func PrefixKeyFunc(prefix string, now func() time.Time) KeyFunc {
	if now == nil {
		now = time.Now
	}
	return func(connID string, mime *mimetype.MIME) string {
		name := connID
		if mime != nil {
			name += mime.Extension()
		}
		return path.Join(prefix, now().UTC().Format("2006/01/02"), name)
	}
}

// Config controls how frames are read.
type Config struct {
	MaxPayloadBytes int64
	IdleTimeout     time.Duration
	MaxEmptyReads   int
	EmptyReadDelay  time.Duration
	KeyFunc         KeyFunc
}

// Reader reads frames. It holds no per-frame state and is safe for
// concurrent use.
type Reader struct {
	cfg Config
}

// NewReader creates a Reader, filling unset fields with defaults.
func NewReader(cfg Config) *Reader {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	} else if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxEmptyReads <= 0 {
		cfg.MaxEmptyReads = DefaultMaxEmptyReads
	}
	if cfg.EmptyReadDelay <= 0 {
		cfg.EmptyReadDelay = DefaultEmptyReadDelay
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = PrefixKeyFunc("", nil)
	}
	return &Reader{cfg: cfg}
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// ReadFrame reads src until EOF and returns the assembled job.
//
// Errors:
//   - ErrPayloadTooLarge: more than MaxPayloadBytes bytes were sent
//   - ErrReadTimeout: the idle deadline expired or too many empty reads
//   - KindUnknown: any other read failure (reset, closed connection)
func (r *Reader) ReadFrame(src io.Reader, connID string) (relaytypes.UploadJob, error) {
	limit := r.cfg.MaxPayloadBytes + 1

	chunk := pool.Get(int(min(limit, pool.LargeBufferSize)))
	defer pool.Put(chunk)

	deadliner, _ := src.(readDeadliner)

	payload := make([]byte, 0, min(limit, int64(len(chunk))))
	emptyReads := 0

	for {
		if deadliner != nil && r.cfg.IdleTimeout > 0 {
			_ = deadliner.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
		}

		want := min(int64(len(chunk)), limit-int64(len(payload)))
		n, err := src.Read(chunk[:want])
		if n > 0 {
			emptyReads = 0
			payload = append(payload, chunk[:n]...)
			if int64(len(payload)) > r.cfg.MaxPayloadBytes {
				return relaytypes.UploadJob{}, relayerrors.NewKindError("read", relayerrors.KindPayloadTooLarge, nil).
					WithConnID(connID)
			}
		}

		switch {
		case errors.Is(err, io.EOF):
			return r.newJob(connID, payload), nil
		case err != nil:
			return relaytypes.UploadJob{}, classifyReadError(err).WithConnID(connID)
		case n == 0:
			emptyReads++
			if emptyReads > r.cfg.MaxEmptyReads {
				return relaytypes.UploadJob{}, relayerrors.NewKindError("read", relayerrors.KindReadTimeout,
					errors.New("peer sent no data")).WithConnID(connID)
			}
			time.Sleep(r.cfg.EmptyReadDelay)
		}
	}
}

func (r *Reader) newJob(connID string, payload []byte) relaytypes.UploadJob {
	mime := mimetype.Detect(payload)
	return relaytypes.UploadJob{
		ConnID:      connID,
		Key:         r.cfg.KeyFunc(connID, mime),
		Payload:     payload,
		ContentType: mime.String(),
	}
}

func classifyReadError(err error) *relayerrors.Error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return relayerrors.NewKindError("read", relayerrors.KindReadTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return relayerrors.NewKindError("read", relayerrors.KindReadTimeout, err)
	}
	return relayerrors.NewKindError("read", relayerrors.KindUnknown, err)
}
