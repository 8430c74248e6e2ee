//go:build openbsd

package conn

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// transparentControl enables SO_BINDANY so the socket can accept connections
// redirected by PF rdr-to rules. OpenBSD sets it at the socket level.
func transparentControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BINDANY, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

const transparentSupported = true
