package dialer

import (
	"context"
	"fmt"

	"github.com/die-net/tunnel/internal/conn"
)

// Listener opens the acceptor of a tunnel on a provider's side.
type Listener struct {
	dialer ListenDialer
	addr   conn.HostAddress
	opts   Options
}

var (
	_ conn.Listener  = (*Listener)(nil)
	_ conn.Traceable = (*Listener)(nil)
)

// NewListener returns a listener for addr on d. Providers that cannot
// listen yield ErrListenUnsupported.
func NewListener(d Dialer, addr conn.HostAddress, opts Options) (*Listener, error) {
	ld, ok := d.(ListenDialer)
	if !ok {
		return nil, fmt.Errorf("%s: %w", d.ID(), ErrListenUnsupported)
	}
	return &Listener{dialer: ld, addr: addr, opts: opts}, nil
}

func (l *Listener) Provenance() conn.Provenance {
	return conn.Provenance{
		Provider:   l.dialer.ID(),
		Key:        conn.IdentityKeyTCP,
		Host:       l.addr.Hostname(),
		Port:       l.addr.Port(),
		Preference: l.addr.Preference(),
	}
}

// Listen binds the address. Failures are returned as
// *conn.EstablishmentError.
func (l *Listener) Listen(ctx context.Context) (conn.Acceptor, error) {
	ln, err := l.dialer.Listen(ctx, l.addr.Network(), l.addr.String())
	if err != nil {
		return nil, conn.NewEstablishmentError(l.addr.String(), err)
	}

	a, err := conn.NewListenerAcceptor(ln, l.opts.TransferMode)
	if err != nil {
		_ = ln.Close()
		return nil, conn.NewEstablishmentError(l.addr.String(), err)
	}
	return a, nil
}

func (l *Listener) String() string {
	return fmt.Sprintf("%s on %s", l.addr, l.dialer.ID())
}
