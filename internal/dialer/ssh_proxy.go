package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"

	internalssh "github.com/die-net/tunnel/internal/ssh"
)

// SSHProxyDialer reaches a remote host over SSH. Outbound connections are
// opened from the remote host, and listening sockets live on the remote
// host, all multiplexed over one shared SSH transport.
type SSHProxyDialer struct {
	id     string
	client *internalssh.Client
}

var _ ListenDialer = (*SSHProxyDialer)(nil)

// NewSSHProxyDialer constructs a provider for the SSH server at sshAddr.
//
// Authentication can use password, private key, or both. If both are provided,
// both methods are offered to the server and it chooses which to use. The
// private key path (cfg.SSHKeyPath) should point to an OpenSSH-format private
// key file (RSA, Ed25519, ECDSA, or DSA), or be "agent".
//
// Host key checking uses cfg.SSHKnownHostsPath. If set, the file is used to
// verify host keys (creating the file and parent directory if needed). Unknown
// hosts are automatically added on first connection (trust on first use). If
// empty, host key checking is disabled.
func NewSSHProxyDialer(ctx context.Context, cfg Config, sshAddr, username, password string) (*SSHProxyDialer, error) {
	if username == "" {
		return nil, errors.New("ssh dialer: missing username")
	}

	signers, err := internalssh.LoadSigners(ctx, cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	log := cfg.logger()
	hostKeyCallback, err := internalssh.NewHostKeyCallback(cfg.SSHKnownHostsPath, log)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	client, err := internalssh.NewClient(sshAddr, internalssh.ClientConfig{
		Username:         username,
		Password:         password,
		Signers:          signers,
		HostKeyCallback:  hostKeyCallback,
		Timeout:          cfg.DialTimeout,
		HandshakeTimeout: cfg.NegotiationTimeout,
		Log:              log,
	}, NewDirectDialer(cfg))
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	return &SSHProxyDialer{
		id:     providerID("ssh", username, sshAddr),
		client: client,
	}, nil
}

func (f *SSHProxyDialer) ID() string {
	return f.id
}

func (f *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f.client.DialContext(ctx, network, address)
}

func (f *SSHProxyDialer) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	return f.client.Listen(ctx, network, address)
}

// Close shuts the shared SSH transport down.
func (f *SSHProxyDialer) Close() error {
	return f.client.Close()
}
