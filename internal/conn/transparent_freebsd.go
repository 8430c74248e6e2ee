//go:build freebsd

package conn

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// transparentControl enables IP_BINDANY (or IPV6_BINDANY) so the socket can
// accept connections redirected by IPFW fwd or PF rdr-to rules. This needs
// root or the PRIV_NETINET_BINDANY privilege.
func transparentControl(network, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if network == "tcp6" {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_BINDANY, 1)
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BINDANY, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

const transparentSupported = true
