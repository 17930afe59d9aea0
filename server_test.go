package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
	"github.com/input-output-hk/catalyst-forge-libs/relay/gateway"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/protocol"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/scheduler"
	"github.com/input-output-hk/catalyst-forge-libs/relay/relaytypes"
	"github.com/input-output-hk/catalyst-forge-libs/relay/storage"
)

const testBucket = "relay-test"

// reportLog collects completion reports.
type reportLog struct {
	mu      sync.Mutex
	reports []relaytypes.Report
}

func (l *reportLog) hook(r relaytypes.Report) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, r)
}

func (l *reportLog) all() []relaytypes.Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]relaytypes.Report(nil), l.reports...)
}

// startServer serves srv on a loopback listener until the test ends.
// It returns the address and a channel carrying Serve's result.
func startServer(t *testing.T, ctx context.Context, srv *Server) (string, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx)
	served := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		served <- srv.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ln.Addr().String(), served
}

// upload sends payload as one request and returns the raw response.
func upload(addr string, payload []byte) (string, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()

	tcp := conn.(*net.TCPConn)
	_ = tcp.SetDeadline(time.Now().Add(10 * time.Second))

	writeErr := make(chan error, 1)
	go func() {
		_, err := tcp.Write(payload)
		if err == nil {
			err = tcp.CloseWrite()
		}
		writeErr <- err
	}()

	resp, err := io.ReadAll(tcp)
	if err != nil {
		return "", err
	}
	<-writeErr
	return string(resp), nil
}

func newMemoryServer(t *testing.T, opts ...relaytypes.Option) (*Server, *storage.MemoryStore) {
	t.Helper()

	store := storage.NewMemory(testBucket)
	gw, err := gateway.New(store, testBucket, gateway.WithJitter(false), gateway.WithBackoff(time.Millisecond, time.Millisecond))
	require.NoError(t, err)

	srv, err := New(gw, opts...)
	require.NoError(t, err)
	return srv, store
}

func TestNew_Validation(t *testing.T) {
	ok := relaytypes.UploaderFunc(func(context.Context, relaytypes.UploadJob) relaytypes.UploadResult {
		return relaytypes.UploadResult{Status: relaytypes.StatusSuccess}
	})

	tests := []struct {
		name     string
		uploader relaytypes.Uploader
		opts     []relaytypes.Option
		wantErr  bool
	}{
		{name: "defaults", uploader: ok},
		{name: "nil uploader", uploader: nil, wantErr: true},
		{name: "zero pool", uploader: ok, opts: []relaytypes.Option{WithPoolSize(0)}, wantErr: true},
		{name: "negative queue", uploader: ok, opts: []relaytypes.Option{WithQueueCapacity(-1)}, wantErr: true},
		{name: "zero queue", uploader: ok, opts: []relaytypes.Option{WithQueueCapacity(0)}},
		{name: "zero payload cap", uploader: ok, opts: []relaytypes.Option{WithMaxPayloadBytes(0)}, wantErr: true},
		{name: "negative grace", uploader: ok, opts: []relaytypes.Option{WithShutdownGrace(-time.Second)}, wantErr: true},
		{name: "bad prefix", uploader: ok, opts: []relaytypes.Option{WithKeyPrefix("/abs")}, wantErr: true},
		{name: "good prefix", uploader: ok, opts: []relaytypes.Option{WithKeyPrefix("incoming/raw")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := New(tt.uploader, tt.opts...)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, relayerrors.ErrInvalidArgument)
				assert.Nil(t, srv)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, srv)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	srv, _ := newMemoryServer(t)
	cfg := srv.Config()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, 32, cfg.QueueCapacity)
	assert.Equal(t, int64(64<<20), cfg.MaxPayloadBytes)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)
	assert.Nil(t, srv.Addr())
}

func TestServer_Uploads(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		want     string
		wantType string
	}{
		{name: "ten bytes", payload: []byte("0123456789"), want: "OK 10\n", wantType: "text/plain"},
		{name: "empty", payload: []byte{}, want: "OK 0\n"},
		{name: "binary", payload: []byte{0x00, 0x01, 0x02, 0xff}, want: "OK 4\n", wantType: "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var log reportLog
			srv, store := newMemoryServer(t, WithKeyPrefix("incoming"), WithCompletionHook(log.hook))
			addr, _ := startServer(t, context.Background(), srv)

			resp, err := upload(addr, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp)

			require.Eventually(t, func() bool { return len(log.all()) == 1 }, 5*time.Second, time.Millisecond)
			report := log.all()[0]
			assert.False(t, report.Failed())
			assert.Equal(t, relaytypes.StateClosed, report.State)
			assert.True(t, strings.HasPrefix(report.Key, "incoming/"), report.Key)

			obj, ok := store.Get(testBucket, report.Key)
			require.True(t, ok)
			assert.Equal(t, len(tt.payload), len(obj.Data))
			assert.True(t, strings.HasPrefix(obj.ContentType, tt.wantType), obj.ContentType)
		})
	}
}

func TestServer_PayloadTooLarge(t *testing.T) {
	var calls atomic.Int32
	uploader := relaytypes.UploaderFunc(func(_ context.Context, job relaytypes.UploadJob) relaytypes.UploadResult {
		calls.Add(1)
		return relaytypes.UploadResult{Status: relaytypes.StatusSuccess, BytesWritten: job.Size()}
	})

	srv, err := New(uploader, WithMaxPayloadBytes(1024))
	require.NoError(t, err)
	addr, _ := startServer(t, context.Background(), srv)

	resp, err := upload(addr, []byte(strings.Repeat("z", 1025)))
	require.NoError(t, err)
	assert.Equal(t, "ERR PayloadTooLarge\n", resp)

	resp, err = upload(addr, []byte(strings.Repeat("z", 1024)))
	require.NoError(t, err)
	assert.Equal(t, "OK 1024\n", resp)

	assert.Equal(t, int32(1), calls.Load(), "oversized payload must not reach the gateway")
}

func TestServer_UploadFailureKinds(t *testing.T) {
	tests := []struct {
		name string
		kind relayerrors.Kind
	}{
		{name: "transient", kind: relayerrors.KindTransient},
		{name: "auth", kind: relayerrors.KindAuth},
		{name: "invalid argument", kind: relayerrors.KindInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &failingStore{kind: tt.kind}
			gw, err := gateway.New(store, testBucket, gateway.WithBackoff(time.Millisecond, time.Millisecond))
			require.NoError(t, err)

			srv, err := New(gw)
			require.NoError(t, err)
			addr, _ := startServer(t, context.Background(), srv)

			resp, err := upload(addr, []byte("data"))
			require.NoError(t, err)
			assert.Equal(t, protocol.FormatErr(tt.kind), resp)

			wantCalls := int32(1)
			if tt.kind == relayerrors.KindTransient {
				wantCalls = 1 + gateway.DefaultRetries
			}
			assert.Equal(t, wantCalls, store.calls.Load())
		})
	}
}

type failingStore struct {
	kind  relayerrors.Kind
	calls atomic.Int32
}

func (s *failingStore) Put(context.Context, string, string, []byte, storage.PutOptions) (storage.PutOutput, error) {
	s.calls.Add(1)
	return storage.PutOutput{}, relayerrors.NewKindError("put", s.kind, nil)
}

func (s *failingStore) Close() error { return nil }

// blockingUploader holds every upload until released, or until ctx ends.
type blockingUploader struct {
	started chan string
	release chan struct{}
}

func newBlockingUploader() *blockingUploader {
	return &blockingUploader{started: make(chan string, 16), release: make(chan struct{})}
}

func (u *blockingUploader) Upload(ctx context.Context, job relaytypes.UploadJob) relaytypes.UploadResult {
	u.started <- job.ConnID
	select {
	case <-u.release:
		return relaytypes.UploadResult{Status: relaytypes.StatusSuccess, BytesWritten: job.Size(), Attempts: 1}
	case <-ctx.Done():
		return relaytypes.UploadResult{
			Status:    relaytypes.StatusFailure,
			ErrorKind: relayerrors.KindOf(context.Cause(ctx)),
			Err:       context.Cause(ctx),
		}
	}
}

func TestServer_QueuesWhenPoolBusy(t *testing.T) {
	uploader := newBlockingUploader()
	srv, err := New(uploader, WithPoolSize(1), WithQueueCapacity(1))
	require.NoError(t, err)
	addr, _ := startServer(t, context.Background(), srv)

	var g errgroup.Group
	responses := make([]string, 2)

	g.Go(func() error {
		resp, err := upload(addr, []byte("first"))
		responses[0] = resp
		return err
	})
	<-uploader.started

	g.Go(func() error {
		resp, err := upload(addr, []byte("second!"))
		responses[1] = resp
		return err
	})
	require.Eventually(t, func() bool { return srv.Stats().Queued == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, srv.Stats().Active)

	close(uploader.release)
	require.NoError(t, g.Wait())

	assert.Equal(t, "OK 5\n", responses[0])
	assert.Equal(t, "OK 7\n", responses[1])
	require.Eventually(t, func() bool { return srv.Stats().Active == 0 }, 5*time.Second, time.Millisecond)
}

func TestServer_RejectsWhenFull(t *testing.T) {
	uploader := newBlockingUploader()
	var log reportLog
	srv, err := New(uploader, WithPoolSize(1), WithQueueCapacity(0), WithCompletionHook(log.hook))
	require.NoError(t, err)
	addr, _ := startServer(t, context.Background(), srv)

	first := make(chan string, 1)
	go func() {
		resp, _ := upload(addr, []byte("hold"))
		first <- resp
	}()
	<-uploader.started

	// The refused client only reads; the relay answers without waiting for a payload
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, relayerrors.KindSchedulerFull, resp.Kind)

	stats := srv.Stats()
	assert.Equal(t, int64(1), stats.Rejected)
	assert.LessOrEqual(t, stats.Active, 1)

	close(uploader.release)
	assert.Equal(t, "OK 4\n", <-first)

	require.Eventually(t, func() bool { return len(log.all()) == 2 }, 5*time.Second, time.Millisecond)
	kinds := []relayerrors.Kind{log.all()[0].Kind, log.all()[1].Kind}
	assert.Contains(t, kinds, relayerrors.KindSchedulerFull)
}

func TestServer_ForcedShutdown(t *testing.T) {
	uploader := newBlockingUploader()
	var log reportLog
	srv, err := New(uploader,
		WithShutdownGrace(50*time.Millisecond),
		WithCompletionHook(log.hook),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	addr, served := startServer(t, ctx, srv)

	go func() { _, _ = upload(addr, []byte("never finishes")) }()
	<-uploader.started

	start := time.Now()
	cancel()

	select {
	case err := <-served:
		assert.NoError(t, err, "Serve returns cleanly after a forced shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Less(t, time.Since(start), 5*time.Second)

	reports := log.all()
	require.Len(t, reports, 1)
	assert.Equal(t, relaytypes.StateClosed, reports[0].State)
	assert.Equal(t, relaytypes.StateUploading, reports[0].FailedIn)
	assert.Equal(t, relayerrors.KindShutdownTimeout, reports[0].Kind)

	stats := srv.Stats()
	assert.Zero(t, stats.Active)
	assert.Zero(t, stats.Queued)

	_, err = net.DialTimeout("tcp", addr, 100*time.Millisecond)
	assert.Error(t, err, "listener must be closed")
}

func TestServer_ForcedShutdownWithUploaderIgnoringContext(t *testing.T) {
	const uploadTime = 3 * time.Second

	started := make(chan struct{}, 1)
	uploader := relaytypes.UploaderFunc(func(context.Context, relaytypes.UploadJob) relaytypes.UploadResult {
		started <- struct{}{}
		time.Sleep(uploadTime)
		return relaytypes.UploadResult{Status: relaytypes.StatusSuccess}
	})

	srv, err := New(uploader, WithShutdownGrace(100*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	addr, served := startServer(t, ctx, srv)

	clientDone := make(chan time.Time, 1)
	go func() {
		_, _ = upload(addr, []byte("stuck upload"))
		clientDone <- time.Now()
	}()
	<-started

	start := time.Now()
	cancel()

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(uploadTime):
		t.Fatal("Serve waited for an upload that ignores cancellation")
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond+scheduler.DefaultAbandonTimeout+time.Second)

	select {
	case closedAt := <-clientDone:
		assert.Less(t, closedAt.Sub(start), uploadTime, "connection is closed at the deadline")
	case <-time.After(uploadTime):
		t.Fatal("client connection was not closed")
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	uploader := newBlockingUploader()
	srv, err := New(uploader)
	require.NoError(t, err)
	addr, served := startServer(t, context.Background(), srv)

	resp := make(chan string, 1)
	go func() {
		r, _ := upload(addr, []byte("in flight"))
		resp <- r
	}()
	<-uploader.started

	time.AfterFunc(20*time.Millisecond, func() { close(uploader.release) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	assert.Equal(t, "OK 9\n", <-resp)
	assert.ErrorIs(t, <-served, relayerrors.ErrServerClosed)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(context.Background(), ln), relayerrors.ErrServerClosed)
}

func TestServer_ShutdownTimeout(t *testing.T) {
	uploader := newBlockingUploader()
	srv, err := New(uploader)
	require.NoError(t, err)
	addr, _ := startServer(t, context.Background(), srv)

	go func() { _, _ = upload(addr, []byte("stuck")) }()
	<-uploader.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = srv.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, relayerrors.IsShutdownTimeout(err))
}

func TestServer_SlotsReturnToBaseline(t *testing.T) {
	store := storage.NewMemory(testBucket)
	var n atomic.Int32
	flaky := &flakyStore{inner: store, n: &n}
	gw, err := gateway.New(flaky, testBucket, gateway.WithRetries(0))
	require.NoError(t, err)

	srv, err := New(gw,
		WithPoolSize(3),
		WithQueueCapacity(64),
		WithMaxPayloadBytes(64),
	)
	require.NoError(t, err)
	addr, _ := startServer(t, context.Background(), srv)

	const clients = 40
	var g errgroup.Group
	var ok, failed atomic.Int32
	for i := range clients {
		g.Go(func() error {
			payload := []byte(fmt.Sprintf("payload-%02d", i))
			if i%5 == 0 {
				payload = []byte(strings.Repeat("x", 100))
			}
			resp, err := upload(addr, payload)
			if err != nil {
				return err
			}
			parsed, err := protocol.ParseResponse(resp)
			if err != nil {
				return err
			}
			if parsed.OK {
				ok.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(clients), ok.Load()+failed.Load())
	assert.Positive(t, ok.Load())
	assert.Positive(t, failed.Load())

	require.Eventually(t, func() bool {
		stats := srv.Stats()
		return stats.Active == 0 && stats.Queued == 0 && stats.Completed == clients
	}, 5*time.Second, time.Millisecond)
}

// flakyStore fails every third put with a transient error.
type flakyStore struct {
	inner storage.ObjectStore
	n     *atomic.Int32
}

func (s *flakyStore) Put(ctx context.Context, bucket, key string, payload []byte, opts storage.PutOptions) (storage.PutOutput, error) {
	if s.n.Add(1)%3 == 0 {
		return storage.PutOutput{}, relayerrors.NewKindError("put", relayerrors.KindTransient, errors.New("slow down"))
	}
	return s.inner.Put(ctx, bucket, key, payload, opts)
}

func (s *flakyStore) Close() error { return s.inner.Close() }
