package conn

import (
	"context"
	"net"
)

// ListenOptions configure listening sockets.
type ListenOptions struct {
	// KeepAlive is applied to every accepted TCP connection.
	KeepAlive net.KeepAliveConfig

	// Transparent lets the listener accept connections redirected by
	// firewall rules (TPROXY on Linux, BINDANY on FreeBSD and OpenBSD).
	Transparent bool
}

// TransparentSupported reports whether ListenOptions.Transparent can work on
// this platform.
const TransparentSupported = transparentSupported

// ListenConfig returns a net.ListenConfig honoring o.
func (o ListenOptions) ListenConfig() net.ListenConfig {
	lc := net.ListenConfig{KeepAliveConfig: o.KeepAlive}
	if o.Transparent {
		lc.Control = transparentControl
	}
	return lc
}

// ListenTCP listens on addr and returns an Acceptor for it. Failures are
// reported as *EstablishmentError.
func ListenTCP(ctx context.Context, addr HostAddress, o ListenOptions, mode TransferMode) (Acceptor, error) {
	lc := o.ListenConfig()
	ln, err := lc.Listen(ctx, addr.Network(), addr.String())
	if err != nil {
		return nil, NewEstablishmentError(addr.String(), err)
	}
	a, err := NewListenerAcceptor(ln, mode)
	if err != nil {
		_ = ln.Close()
		return nil, NewEstablishmentError(addr.String(), err)
	}
	return a, nil
}
