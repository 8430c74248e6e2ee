package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/die-net/tunnel/internal/bufpool"
	"github.com/die-net/tunnel/internal/conn"
)

// fakeConn is an in-memory Connection. Its source replays chunks and then
// either reports EOF, fails with recvErr, or blocks until cancellation when
// block is set. Its sink records everything sent to it. A non-nil hang makes
// Close block until hang is closed.
type fakeConn struct {
	name    string
	chunks  [][]byte
	recvErr error
	sendErr error
	block   bool
	hang    chan struct{}

	mu         sync.Mutex
	received   []byte
	sinkCloses int
	closes     atomic.Int32
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeConn(name string, chunks ...string) *fakeConn {
	c := &fakeConn{name: name, closed: make(chan struct{})}
	for _, s := range chunks {
		c.chunks = append(c.chunks, []byte(s))
	}
	return c
}

func (c *fakeConn) SendChannel() conn.ByteSink               { return (*fakeSink)(c) }
func (c *fakeConn) ReceiveChannel() conn.ByteSource          { return (*fakeSource)(c) }
func (c *fakeConn) ConfigureSocket(conn.SocketOptions) error { return nil }
func (c *fakeConn) String() string                           { return c.name }

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	if c.hang != nil {
		<-c.hang
	}
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) data() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.received)
}

func (c *fakeConn) sinkCloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinkCloses
}

type fakeSource fakeConn

func (s *fakeSource) Receive(ctx context.Context, buf *bufpool.Buffer) (conn.ReadResult, error) {
	c := (*fakeConn)(s)
	c.mu.Lock()
	if len(c.chunks) > 0 {
		n := copy(buf.Writable(), c.chunks[0])
		c.chunks[0] = c.chunks[0][n:]
		if len(c.chunks[0]) == 0 {
			c.chunks = c.chunks[1:]
		}
		c.mu.Unlock()
		buf.Advance(n)
		return conn.ReadResultOf(n), nil
	}
	c.mu.Unlock()

	switch {
	case c.recvErr != nil:
		return conn.NotEOF, &conn.ChannelError{Kind: conn.ReceiveChannelError, Channel: c.name, Err: c.recvErr}
	case c.block:
		select {
		case <-ctx.Done():
			return conn.NotEOF, ctx.Err()
		case <-c.closed:
			return conn.EOF, nil
		}
	default:
		return conn.ReadResultOf(-1), nil
	}
}

type fakeSink fakeConn

func (s *fakeSink) Send(_ context.Context, p []byte) error {
	c := (*fakeConn)(s)
	if c.sendErr != nil {
		return &conn.ChannelError{Kind: conn.SendChannelError, Channel: c.name, Err: c.sendErr}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, p...)
	return nil
}

func (s *fakeSink) Close(error) error {
	c := (*fakeConn)(s)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinkCloses++
	return nil
}

// countingPool wraps a pool and counts what passes through it.
type countingPool struct {
	bufpool.Pool
	borrowed atomic.Int32
	returned atomic.Int32
}

func (p *countingPool) Borrow() *bufpool.Buffer {
	p.borrowed.Add(1)
	return p.Pool.Borrow()
}

func (p *countingPool) Return(b *bufpool.Buffer) {
	p.returned.Add(1)
	p.Pool.Return(b)
}

// fakeAcceptor hands out queued connections, then blocks until cancelled or
// closed.
type fakeAcceptor struct {
	mu     sync.Mutex
	queue  []conn.Connection
	closes atomic.Int32
	closed chan struct{}
	once   sync.Once
}

func newFakeAcceptor(conns ...conn.Connection) *fakeAcceptor {
	return &fakeAcceptor{queue: conns, closed: make(chan struct{})}
}

func (a *fakeAcceptor) Accept(ctx context.Context) (conn.Connection, error) {
	a.mu.Lock()
	if len(a.queue) > 0 {
		c := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()
		return c, nil
	}
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.closed:
		return nil, conn.ErrAcceptorClosed
	}
}

func (a *fakeAcceptor) BoundAddress() conn.ResolvedSocketAddress {
	return conn.V4Address{Bits: 0x7f000001, Port: 1}
}

func (a *fakeAcceptor) Close() error {
	a.closes.Add(1)
	a.once.Do(func() { close(a.closed) })
	return nil
}

// traceableListener is a Listener carrying a provenance.
type traceableListener struct {
	conn.ListenerFunc
	provenance conn.Provenance
}

func (l traceableListener) Provenance() conn.Provenance { return l.provenance }

// traceableConnector is a Connector carrying a provenance.
type traceableConnector struct {
	conn.ConnectorFunc
	provenance conn.Provenance
}

func (c traceableConnector) Provenance() conn.Provenance { return c.provenance }

var errBoom = errors.New("boom")
