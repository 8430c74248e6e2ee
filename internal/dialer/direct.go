package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/tunnel/internal/conn"
)

// DirectID is the provider ID of the local host.
const DirectID = "direct://"

// DirectDialer dials and listens on the local host.
type DirectDialer struct {
	cfg Config
}

var _ ListenDialer = (*DirectDialer)(nil)

func NewDirectDialer(cfg Config) *DirectDialer {
	return &DirectDialer{cfg: cfg}
}

func (d *DirectDialer) ID() string {
	return DirectID
}

func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{Timeout: d.cfg.DialTimeout, KeepAliveConfig: d.cfg.KeepAlive}

	c, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return c, nil
}

func (d *DirectDialer) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	lc := conn.ListenOptions{KeepAlive: d.cfg.KeepAlive, Transparent: d.cfg.Transparent}.ListenConfig()

	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	return ln, nil
}
