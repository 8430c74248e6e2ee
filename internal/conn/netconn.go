package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/die-net/tunnel/internal/bufpool"
)

// aLongTimeAgo is a deadline in the past, used to interrupt blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

type closeWriter interface {
	CloseWrite() error
}

// NetConnection adapts a net.Conn to Connection.
//
// Receive and Send honor context cancellation by pushing the corresponding
// deadline into the past, which unblocks the pending call, or by closing
// conns that do not support deadlines. Closing the sink
// half-closes the connection when the underlying conn supports CloseWrite.
type NetConnection struct {
	conn net.Conn
	mode TransferMode

	sinkOnce  sync.Once
	sinkErr   error
	closeOnce sync.Once
	closeErr  error
}

var (
	_ Connection            = (*NetConnection)(nil)
	_ TransferModePreferrer = (*NetConnection)(nil)
)

// NewNetConnection wraps c. mode is reported as the connection's preferred
// transfer mode.
func NewNetConnection(c net.Conn, mode TransferMode) *NetConnection {
	return &NetConnection{conn: c, mode: mode}
}

// NetConn returns the wrapped connection.
func (c *NetConnection) NetConn() net.Conn {
	return c.conn
}

func (c *NetConnection) SendChannel() ByteSink {
	return (*netSink)(c)
}

func (c *NetConnection) ReceiveChannel() ByteSource {
	return (*netSource)(c)
}

func (c *NetConnection) ConfigureSocket(o SocketOptions) error {
	return ApplySocketOptions(c.conn, o)
}

func (c *NetConnection) PreferredTransferMode() TransferMode {
	return c.mode
}

// Close closes the underlying connection once.
func (c *NetConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// interrupt unblocks pending I/O through setDeadline. Conns without deadline
// support, such as SSH channels, are closed instead.
func (c *NetConnection) interrupt(setDeadline func(time.Time) error) {
	if err := setDeadline(aLongTimeAgo); err != nil {
		_ = c.Close()
	}
}

func (c *NetConnection) String() string {
	return fmt.Sprintf("%s->%s", addrString(c.conn.LocalAddr()), addrString(c.conn.RemoteAddr()))
}

func addrString(a net.Addr) string {
	if a == nil {
		return "?"
	}
	return a.String()
}

type netSource NetConnection

func (s *netSource) Receive(ctx context.Context, buf *bufpool.Buffer) (ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return NotEOF, err
	}
	c := (*NetConnection)(s)
	stop := context.AfterFunc(ctx, func() {
		c.interrupt(c.conn.SetReadDeadline)
	})
	defer stop()

	n, err := c.conn.Read(buf.Writable())
	if n > 0 {
		// A trailing error is reported again by the next Read.
		buf.Advance(n)
		return ReadResultOf(n), nil
	}
	switch {
	case err == nil:
		return ReadResultOf(0), nil
	case errors.Is(err, io.EOF):
		return ReadResultOf(-1), nil
	case ctx.Err() != nil:
		return NotEOF, ctx.Err()
	default:
		return NotEOF, &ChannelError{Kind: ReceiveChannelError, Channel: c.String(), Err: err}
	}
}

type netSink NetConnection

func (s *netSink) Send(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := (*NetConnection)(s)
	stop := context.AfterFunc(ctx, func() {
		c.interrupt(c.conn.SetWriteDeadline)
	})
	defer stop()

	for len(p) > 0 {
		n, err := c.conn.Write(p)
		p = p[n:]
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ChannelError{Kind: SendChannelError, Channel: c.String(), Err: err}
		}
	}
	return nil
}

func (s *netSink) Close(_ error) error {
	c := (*NetConnection)(s)
	c.sinkOnce.Do(func() {
		if cw, ok := c.conn.(closeWriter); ok {
			c.sinkErr = cw.CloseWrite()
			return
		}
		c.sinkErr = c.Close()
	})
	return c.sinkErr
}
