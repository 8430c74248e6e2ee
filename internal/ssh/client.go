package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

// ErrClientClosed is returned by a Client after Close.
var ErrClientClosed = errors.New("ssh client closed")

// ContextDialer opens the TCP connection an SSH transport runs over.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ClientConfig holds configuration for establishing an SSH transport.
type ClientConfig struct {
	Username string

	// Password for password authentication (optional if Signers is set).
	Password string

	// Signers for public key authentication (optional if Password is set).
	Signers []ssh.Signer

	// HostKeyCallback verifies the server's host key.
	HostKeyCallback ssh.HostKeyCallback

	// Timeout bounds the TCP connection to the server.
	Timeout time.Duration

	// HandshakeTimeout bounds the SSH handshake. Zero means no timeout.
	HandshakeTimeout time.Duration

	Log logr.Logger
}

// Client multiplexes tunneled connections over one shared SSH transport.
type Client struct {
	addr   string
	cfg    ClientConfig
	dialer ContextDialer
	log    logr.Logger

	mu     sync.Mutex
	client *ssh.Client
	closed bool
	sf     singleflight.Group
}

// NewClient returns a client for the SSH server at addr. No connection is
// made until the first DialContext or Listen.
func NewClient(addr string, cfg ClientConfig, dialer ContextDialer) (*Client, error) {
	if addr == "" {
		return nil, errors.New("ssh client: missing ssh address")
	}
	if cfg.Username == "" {
		return nil, errors.New("ssh client: missing username")
	}
	if cfg.Password == "" && len(cfg.Signers) == 0 {
		return nil, errors.New("ssh client: missing password or key")
	}
	if cfg.HostKeyCallback == nil {
		return nil, errors.New("ssh client: missing host key callback")
	}
	if dialer == nil {
		dialer = &net.Dialer{Timeout: cfg.Timeout}
	}

	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Client{
		addr:   addr,
		cfg:    cfg,
		dialer: dialer,
		log:    log.WithValues("SSHServer", addr),
	}, nil
}

// Addr returns the SSH server's address.
func (c *Client) Addr() string {
	return c.addr
}

// DialContext opens a direct-tcpip channel to address on the remote side.
// As with net.Dialer, ctx only bounds opening the channel.
func (c *Client) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh dial %s %s: unsupported network", network, address)
	}

	var conn net.Conn
	err := c.withTransport(ctx, func(client *ssh.Client) error {
		var err error
		conn, err = client.DialContext(ctx, "tcp", address)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", address, err)
	}
	return conn, nil
}

// Listen asks the server to listen on address and forward every connection
// it accepts back over the transport. Port 0 lets the server pick; the
// returned listener's Addr reports the chosen port.
func (c *Client) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh listen %s %s: unsupported network", network, address)
	}

	var ln net.Listener
	err := c.withTransport(ctx, func(client *ssh.Client) error {
		var err error
		ln, err = listenContext(ctx, client, network, address)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ssh listen %s: %w", address, err)
	}
	return ln, nil
}

// Close shuts the shared transport down. Connections and listeners using it
// fail afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.closed = true
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

// withTransport runs op on the shared transport. If op fails for a reason
// other than the server refusing the request, the transport is assumed dead:
// it is replaced and op is retried once.
func (c *Client) withTransport(ctx context.Context, op func(*ssh.Client) error) error {
	client, err := c.transport(ctx)
	if err != nil {
		return err
	}

	err = op(client)
	if err == nil || isRequestRefused(err) || ctx.Err() != nil {
		return err
	}

	c.log.V(1).Info("SSH transport looks dead, reconnecting", "Error", err.Error())
	c.invalidate(client)
	client, err2 := c.transport(ctx)
	if err2 != nil {
		return err
	}
	return op(client)
}

// isRequestRefused distinguishes a healthy transport whose peer said no from
// a dead one.
func isRequestRefused(err error) bool {
	var openErr *ssh.OpenChannelError
	return errors.As(err, &openErr) || errors.Is(err, errForwardDenied)
}

// transport returns the shared SSH client, creating it if needed.
//
// Concurrent callers share one connection attempt through singleflight. A
// caller whose ctx is cancelled stops waiting, but the attempt carries on
// for the others.
func (c *Client) transport(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	client, closed := c.client, c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}
	if client != nil {
		return client, nil
	}

	ch := c.sf.DoChan("connect", func() (any, error) {
		c.mu.Lock()
		if c.client != nil {
			client := c.client
			c.mu.Unlock()
			return client, nil
		}
		c.mu.Unlock()

		client, err := c.connect(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			_ = client.Close()
			return nil, ErrClientClosed
		}
		c.client = client
		return client, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (c *Client) connect(ctx context.Context) (*ssh.Client, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	client, err := Handshake(conn, c.cfg, c.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}
	c.log.V(1).Info("SSH transport established")
	return client, nil
}

// invalidate drops client if it is still the shared transport.
func (c *Client) invalidate(client *ssh.Client) {
	c.mu.Lock()
	if c.client == client {
		c.client = nil
	}
	c.mu.Unlock()
	_ = client.Close()
}

// Handshake runs the SSH client handshake over conn. addr is used for host
// key verification. On error, conn is closed.
func Handshake(conn net.Conn, cfg ClientConfig, addr string) (*ssh.Client, error) {
	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            authMethods(cfg.Signers, cfg.Password),
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	return ssh.NewClient(cc, chans, reqs), nil
}
