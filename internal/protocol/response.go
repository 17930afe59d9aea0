// Package protocol implements the relay's response line.
//
// A request is the raw payload, terminated by the client half-closing its
// side of the connection. The server answers with exactly one line:
//
//	OK <bytesWritten>\n
//	ERR <errorKind>\n
//
// and then closes the connection.
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
)

const (
	okPrefix  = "OK"
	errPrefix = "ERR"

	// MaxLineLength bounds a response line, terminator included.
	MaxLineLength = 64
)

// Response is a parsed response line.
type Response struct {
	OK           bool
	BytesWritten int64
	Kind         relayerrors.Kind
}

// String formats the response as it appears on the wire.
func (r Response) String() string {
	if r.OK {
		return FormatOK(r.BytesWritten)
	}
	return FormatErr(r.Kind)
}

// FormatOK returns the success line for n stored bytes.
func FormatOK(n int64) string {
	return okPrefix + " " + strconv.FormatInt(n, 10) + "\n"
}

// FormatErr returns the failure line for kind.
func FormatErr(kind relayerrors.Kind) string {
	if kind == "" {
		kind = relayerrors.KindUnknown
	}
	return errPrefix + " " + string(kind) + "\n"
}

// WriteOK writes the success line to w.
func WriteOK(w io.Writer, n int64) error {
	_, err := io.WriteString(w, FormatOK(n))
	return err
}

// WriteErr writes the failure line to w.
func WriteErr(w io.Writer, kind relayerrors.Kind) error {
	_, err := io.WriteString(w, FormatErr(kind))
	return err
}

// ReadResponse reads and parses a single response line from r.
func ReadResponse(r io.Reader) (Response, error) {
	line, err := bufio.NewReaderSize(io.LimitReader(r, MaxLineLength), MaxLineLength).ReadString('\n')
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return ParseResponse(line)
}

// ParseResponse parses a response line. The trailing newline is optional.
func ParseResponse(line string) (Response, error) {
	fields := strings.Fields(strings.TrimSuffix(line, "\n"))
	if len(fields) != 2 {
		return Response{}, fmt.Errorf("malformed response %q", line)
	}

	switch fields[0] {
	case okPrefix:
		n, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || n < 0 {
			return Response{}, fmt.Errorf("malformed byte count in response %q", line)
		}
		return Response{OK: true, BytesWritten: n}, nil
	case errPrefix:
		return Response{Kind: relayerrors.Kind(fields[1])}, nil
	default:
		return Response{}, fmt.Errorf("unknown response status %q", fields[0])
	}
}
