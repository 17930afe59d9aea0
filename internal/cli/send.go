package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/protocol"
)

func newSendCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Upload a file through a relay",
		Long:  "Stream a file (or stdin when the file is -) to a relay, half-close the connection and print the response line.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[0], err)
				}
				defer f.Close()
				src = f
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			resp, err := send(ctx, addr, src)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), resp.String())
			if !resp.OK {
				return fmt.Errorf("upload failed: %s", resp.Kind)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "Relay address in format host:port")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", time.Minute, "Overall timeout (0 disables)")

	return cmd
}

// send streams payload to the relay at addr, half-closes the connection and
// reads the response line. A write error does not hide a response the server
// managed to send first, such as ERR PayloadTooLarge.
func send(ctx context.Context, addr string, payload io.Reader) (protocol.Response, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	_, writeErr := io.Copy(conn, payload)
	if writeErr == nil {
		if tcp, ok := conn.(*net.TCPConn); ok {
			writeErr = tcp.CloseWrite()
		}
	}

	resp, readErr := protocol.ReadResponse(conn)
	if readErr == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return protocol.Response{}, fmt.Errorf("send to %s: %w", addr, context.Cause(ctx))
	}
	if writeErr != nil {
		return protocol.Response{}, fmt.Errorf("failed to write payload: %w", errors.Join(writeErr, readErr))
	}
	return protocol.Response{}, readErr
}
