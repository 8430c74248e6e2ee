package testutil

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type closeWriter interface {
	CloseWrite() error
}

// StartEchoTCPServer echoes every connection back to its sender until the
// sender half-closes, then half-closes in turn.
func StartEchoTCPServer(ctx context.Context, t *testing.T) net.Listener {
	t.Helper()

	return StartTCPServer(ctx, t, func(c net.Conn) {
		_, _ = io.Copy(c, c)
		if cw, ok := c.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
	})
}

// AssertEcho writes msg to w and requires reading the same bytes from r.
func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	_, err := w.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, string(msg), string(buf))
}
