package dialer

import (
	"net"
	"time"

	"github.com/go-logr/logr"
)

// Config holds the settings shared by every provider.
type Config struct {
	// DialTimeout bounds each TCP connection attempt. Zero means no limit
	// beyond the caller's context.
	DialTimeout time.Duration

	// NegotiationTimeout bounds proxy handshakes (TLS, CONNECT, SOCKS5, SSH).
	NegotiationTimeout time.Duration

	// KeepAlive is applied to TCP connections the local host makes.
	KeepAlive net.KeepAliveConfig

	// Transparent makes local listeners accept TPROXY-redirected
	// connections (Linux only).
	Transparent bool

	// SSHKeyPath is a private key file, "agent" or empty.
	SSHKeyPath string

	// SSHKnownHostsPath enables host key checking with trust on first use.
	// Empty disables host key checking.
	SSHKnownHostsPath string

	Log logr.Logger
}

func (c Config) logger() logr.Logger {
	if c.Log.GetSink() == nil {
		return logr.Discard()
	}
	return c.Log
}
