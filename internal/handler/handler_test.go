package handler

import (
	"context"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/frame"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/protocol"
	"github.com/input-output-hk/catalyst-forge-libs/relay/relaytypes"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (*net.TCPConn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server, ok := <-accepted
	require.True(t, ok, "accept failed")

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client.(*net.TCPConn), server
}

// send writes payload and half-closes the client side.
func send(t *testing.T, client *net.TCPConn, payload []byte) {
	t.Helper()
	_, err := client.Write(payload)
	require.NoError(t, err)
	require.NoError(t, client.CloseWrite())
}

// readResponse reads the response line and checks the server closed after it.
func readResponse(t *testing.T, client net.Conn) protocol.Response {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))

	data, err := io.ReadAll(client)
	require.NoError(t, err)

	resp, err := protocol.ParseResponse(string(data))
	require.NoError(t, err, "response %q", data)
	assert.True(t, strings.HasSuffix(string(data), "\n"))
	assert.Equal(t, 1, strings.Count(string(data), "\n"), "exactly one line expected")
	return resp
}

type countingUploader struct {
	calls atomic.Int32
	fn    func(context.Context, relaytypes.UploadJob) relaytypes.UploadResult
}

func (u *countingUploader) Upload(ctx context.Context, job relaytypes.UploadJob) relaytypes.UploadResult {
	u.calls.Add(1)
	if u.fn != nil {
		return u.fn(ctx, job)
	}
	return relaytypes.UploadResult{
		Status:       relaytypes.StatusSuccess,
		BytesWritten: job.Size(),
		Attempts:     1,
	}
}

func newTestHandler(uploader relaytypes.Uploader, frameCfg frame.Config, hook relaytypes.CompletionHook) *Handler {
	if frameCfg.KeyFunc == nil {
		frameCfg.KeyFunc = func(connID string, _ *mimetype.MIME) string { return "incoming/" + connID }
	}
	return New(frame.NewReader(frameCfg), uploader, Config{
		WriteTimeout:  time.Second,
		LingerTimeout: 50 * time.Millisecond,
		OnComplete:    hook,
		NewConnID:     func() string { return "conn-1" },
	}, nil)
}

func TestHandle_Success(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    string
	}{
		{name: "ten bytes", payload: []byte("0123456789"), want: "OK 10\n"},
		{name: "empty payload", payload: nil, want: "OK 0\n"},
		{name: "multi chunk", payload: []byte(strings.Repeat("x", 100_000)), want: "OK 100000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uploader := &countingUploader{}
			h := newTestHandler(uploader, frame.Config{}, nil)
			client, server := tcpPair(t)

			reports := make(chan relaytypes.Report, 1)
			go func() { reports <- h.Handle(context.Background(), server) }()

			send(t, client, tt.payload)
			resp := readResponse(t, client)
			assert.Equal(t, tt.want, resp.String())

			report := <-reports

			assert.Equal(t, relaytypes.StateClosed, report.State)
			assert.False(t, report.Failed())
			assert.Equal(t, "conn-1", report.ConnID)
			assert.Equal(t, "incoming/conn-1", report.Key)
			assert.Equal(t, int64(len(tt.payload)), report.Result.BytesWritten)
			assert.NotEmpty(t, report.RemoteAddr)
			assert.Equal(t, int32(1), uploader.calls.Load())
		})
	}
}

func TestHandle_PayloadTooLarge(t *testing.T) {
	uploader := &countingUploader{}
	h := newTestHandler(uploader, frame.Config{MaxPayloadBytes: 16}, nil)
	client, server := tcpPair(t)

	go func() {
		_, _ = client.Write([]byte(strings.Repeat("y", 1000)))
	}()

	report := h.Handle(context.Background(), server)
	resp := readResponse(t, client)

	assert.Equal(t, "ERR PayloadTooLarge\n", resp.String())
	assert.Equal(t, relayerrors.KindPayloadTooLarge, report.Kind)
	assert.Equal(t, relaytypes.StateReading, report.FailedIn)
	assert.Equal(t, relaytypes.StateClosed, report.State)
	assert.Zero(t, uploader.calls.Load(), "gateway must not be invoked")
}

func TestHandle_UploadFailure(t *testing.T) {
	tests := []struct {
		name     string
		result   relaytypes.UploadResult
		wantKind relayerrors.Kind
	}{
		{
			name:     "transient",
			result:   relaytypes.UploadResult{Status: relaytypes.StatusFailure, ErrorKind: relayerrors.KindTransient, Attempts: 3},
			wantKind: relayerrors.KindTransient,
		},
		{
			name:     "auth",
			result:   relaytypes.UploadResult{Status: relaytypes.StatusFailure, ErrorKind: relayerrors.KindAuth, Attempts: 1},
			wantKind: relayerrors.KindAuth,
		},
		{
			name:     "missing kind",
			result:   relaytypes.UploadResult{Status: relaytypes.StatusFailure},
			wantKind: relayerrors.KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uploader := &countingUploader{fn: func(context.Context, relaytypes.UploadJob) relaytypes.UploadResult {
				return tt.result
			}}
			h := newTestHandler(uploader, frame.Config{}, nil)
			client, server := tcpPair(t)

			send(t, client, []byte("data"))
			report := h.Handle(context.Background(), server)

			resp := readResponse(t, client)
			assert.False(t, resp.OK)
			assert.Equal(t, tt.wantKind, resp.Kind)
			assert.Equal(t, tt.wantKind, report.Kind)
			assert.Equal(t, relaytypes.StateUploading, report.FailedIn)
			assert.Equal(t, relaytypes.StateClosed, report.State)
		})
	}
}

func TestHandle_Panic(t *testing.T) {
	uploader := &countingUploader{fn: func(context.Context, relaytypes.UploadJob) relaytypes.UploadResult {
		panic("storage exploded")
	}}
	h := newTestHandler(uploader, frame.Config{}, nil)
	client, server := tcpPair(t)

	send(t, client, []byte("data"))

	var report relaytypes.Report
	require.NotPanics(t, func() {
		report = h.Handle(context.Background(), server)
	})

	resp := readResponse(t, client)
	assert.Equal(t, "ERR Unknown\n", resp.String())
	assert.Equal(t, relayerrors.KindUnknown, report.Kind)
	assert.Equal(t, relaytypes.StateUploading, report.FailedIn)
	assert.Equal(t, relaytypes.StateClosed, report.State)
	assert.ErrorContains(t, report.Err, "storage exploded")
}

func TestHandle_ReadTimeout(t *testing.T) {
	h := newTestHandler(&countingUploader{}, frame.Config{IdleTimeout: 20 * time.Millisecond}, nil)
	client, server := tcpPair(t)

	// The client never sends nor half-closes
	report := h.Handle(context.Background(), server)
	resp := readResponse(t, client)

	assert.Equal(t, "ERR ReadTimeout\n", resp.String())
	assert.Equal(t, relayerrors.KindReadTimeout, report.Kind)
	assert.Equal(t, relaytypes.StateReading, report.FailedIn)
}

func TestHandle_ForcedShutdown(t *testing.T) {
	t.Run("while reading", func(t *testing.T) {
		h := newTestHandler(&countingUploader{}, frame.Config{IdleTimeout: -1}, nil)
		_, server := tcpPair(t)

		ctx, cancel := context.WithCancelCause(context.Background())
		time.AfterFunc(20*time.Millisecond, func() { cancel(relayerrors.ErrShutdownTimeout) })

		done := make(chan relaytypes.Report, 1)
		go func() { done <- h.Handle(ctx, server) }()

		select {
		case report := <-done:
			assert.Equal(t, relaytypes.StateClosed, report.State)
			assert.Equal(t, relaytypes.StateReading, report.FailedIn)
			assert.Equal(t, relayerrors.KindShutdownTimeout, report.Kind)
		case <-time.After(5 * time.Second):
			t.Fatal("handler did not unblock after cancellation")
		}
	})

	t.Run("while uploading", func(t *testing.T) {
		uploader := &countingUploader{fn: func(ctx context.Context, _ relaytypes.UploadJob) relaytypes.UploadResult {
			<-ctx.Done()
			return relaytypes.UploadResult{
				Status:    relaytypes.StatusFailure,
				ErrorKind: relayerrors.KindOf(context.Cause(ctx)),
			}
		}}
		h := newTestHandler(uploader, frame.Config{}, nil)
		client, server := tcpPair(t)
		send(t, client, []byte("slow"))

		ctx, cancel := context.WithCancelCause(context.Background())
		time.AfterFunc(20*time.Millisecond, func() { cancel(relayerrors.ErrShutdownTimeout) })

		report := h.Handle(ctx, server)
		assert.Equal(t, relaytypes.StateClosed, report.State)
		assert.Equal(t, relaytypes.StateUploading, report.FailedIn)
		assert.Equal(t, relayerrors.KindShutdownTimeout, report.Kind)
	})

	t.Run("already cancelled", func(t *testing.T) {
		uploader := &countingUploader{}
		h := newTestHandler(uploader, frame.Config{}, nil)
		_, server := tcpPair(t)

		ctx, cancel := context.WithCancelCause(context.Background())
		cancel(relayerrors.ErrShutdownTimeout)

		report := h.Handle(ctx, server)
		assert.Equal(t, relayerrors.KindShutdownTimeout, report.Kind)
		assert.Equal(t, relaytypes.StateReading, report.FailedIn)
		assert.Zero(t, uploader.calls.Load())
	})
}

func TestHandle_CompletionHook(t *testing.T) {
	var reports []relaytypes.Report
	h := newTestHandler(&countingUploader{}, frame.Config{}, func(r relaytypes.Report) {
		reports = append(reports, r)
	})
	client, server := tcpPair(t)

	send(t, client, []byte("abc"))
	returned := h.Handle(context.Background(), server)
	_ = readResponse(t, client)

	require.Len(t, reports, 1)
	assert.Equal(t, returned.ConnID, reports[0].ConnID)
	assert.Equal(t, relaytypes.StateClosed, reports[0].State)
	assert.Equal(t, int64(3), reports[0].Result.BytesWritten)
}

func TestNew_Defaults(t *testing.T) {
	h := New(frame.NewReader(frame.Config{}), &countingUploader{}, Config{}, nil)

	assert.Equal(t, DefaultWriteTimeout, h.cfg.WriteTimeout)
	assert.Equal(t, DefaultLingerTimeout, h.cfg.LingerTimeout)
	assert.NotNil(t, h.logger)

	id1, id2 := h.cfg.NewConnID(), h.cfg.NewConnID()
	assert.Len(t, id1, 36)
	assert.NotEqual(t, id1, id2)
}

func TestReject(t *testing.T) {
	client, server := tcpPair(t)

	require.NoError(t, Reject(server, relayerrors.KindSchedulerFull, time.Second))

	resp := readResponse(t, client)
	assert.Equal(t, "ERR SchedulerFull\n", resp.String())
}
