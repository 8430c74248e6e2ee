package conn

import (
	"fmt"
	"net"
	"time"
)

// SocketOptions are applied to TCP-backed connections. Zero values leave the
// corresponding setting alone.
type SocketOptions struct {
	NoDelay     *bool
	KeepAlive   *net.KeepAliveConfig
	ReadBuffer  int
	WriteBuffer int

	// UserTimeout bounds how long transmitted data may stay unacknowledged
	// before the kernel drops the connection. Only honored on Linux.
	UserTimeout time.Duration
}

// IsZero reports whether o changes nothing.
func (o SocketOptions) IsZero() bool {
	return o.NoDelay == nil && o.KeepAlive == nil && o.ReadBuffer == 0 && o.WriteBuffer == 0 && o.UserTimeout == 0
}

// ApplySocketOptions configures the TCP socket underneath c. Connections that
// are not backed by a TCP socket, such as SSH channels, are left untouched.
func ApplySocketOptions(c net.Conn, o SocketOptions) error {
	if o.IsZero() {
		return nil
	}
	tc, ok := tcpConnOf(c)
	if !ok {
		return nil
	}
	if o.NoDelay != nil {
		if err := tc.SetNoDelay(*o.NoDelay); err != nil {
			return fmt.Errorf("set nodelay: %w", err)
		}
	}
	if o.KeepAlive != nil {
		if err := tc.SetKeepAliveConfig(*o.KeepAlive); err != nil {
			return fmt.Errorf("set keepalive: %w", err)
		}
	}
	if o.ReadBuffer > 0 {
		if err := tc.SetReadBuffer(o.ReadBuffer); err != nil {
			return fmt.Errorf("set read buffer: %w", err)
		}
	}
	if o.WriteBuffer > 0 {
		if err := tc.SetWriteBuffer(o.WriteBuffer); err != nil {
			return fmt.Errorf("set write buffer: %w", err)
		}
	}
	if o.UserTimeout > 0 {
		if err := setUserTimeout(tc, o.UserTimeout); err != nil {
			return fmt.Errorf("set user timeout: %w", err)
		}
	}
	return nil
}

func tcpConnOf(c net.Conn) (*net.TCPConn, bool) {
	for {
		switch v := c.(type) {
		case *net.TCPConn:
			return v, true
		case interface{ NetConn() net.Conn }:
			c = v.NetConn()
		default:
			return nil, false
		}
	}
}
