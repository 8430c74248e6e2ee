package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

type deadlineListener interface {
	SetDeadline(t time.Time) error
}

// listenerAcceptor adapts a net.Listener to Acceptor.
type listenerAcceptor struct {
	ln   net.Listener
	addr ResolvedSocketAddress
	mode TransferMode
	once sync.Once
	err  error
}

// NewListenerAcceptor wraps ln. Accepted connections prefer mode.
func NewListenerAcceptor(ln net.Listener, mode TransferMode) (Acceptor, error) {
	addr, err := ResolvedFromNetAddr(ln.Addr())
	if err != nil {
		return nil, err
	}
	return &listenerAcceptor{ln: ln, addr: addr, mode: mode}, nil
}

func (a *listenerAcceptor) Accept(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dl, ok := a.ln.(deadlineListener); ok {
		stop := context.AfterFunc(ctx, func() {
			_ = dl.SetDeadline(aLongTimeAgo)
		})
		defer stop()
	}

	c, err := a.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// SSH forwarded listeners report io.EOF once closed or once their
		// transport is gone.
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return nil, ErrAcceptorClosed
		}
		return nil, err
	}
	return NewNetConnection(c, a.mode), nil
}

func (a *listenerAcceptor) BoundAddress() ResolvedSocketAddress {
	return a.addr
}

func (a *listenerAcceptor) Close() error {
	a.once.Do(func() {
		a.err = a.ln.Close()
	})
	return a.err
}

func (a *listenerAcceptor) String() string {
	return a.addr.String()
}

// closedAcceptor has an empty, already finished inbound stream.
type closedAcceptor struct {
	addr ResolvedSocketAddress
}

// NewClosedAcceptor returns an acceptor bound to nothing that reports addr.
func NewClosedAcceptor(addr ResolvedSocketAddress) Acceptor {
	return closedAcceptor{addr: addr}
}

func (closedAcceptor) Accept(context.Context) (Connection, error) {
	return nil, ErrAcceptorClosed
}

func (a closedAcceptor) BoundAddress() ResolvedSocketAddress {
	return a.addr
}

func (closedAcceptor) Close() error {
	return nil
}
