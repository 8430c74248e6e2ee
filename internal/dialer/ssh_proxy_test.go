package dialer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	internalssh "github.com/die-net/tunnel/internal/ssh"
	"github.com/die-net/tunnel/internal/testutil"
)

func startSSHServer(t *testing.T) *internalssh.Server {
	t.Helper()

	key, err := internalssh.GenerateHostKey()
	require.NoError(t, err)

	srv, err := internalssh.NewServer("127.0.0.1:0", internalssh.ServerConfig{
		HostKeys:         []ssh.Signer{key},
		PasswordCallback: internalssh.SimplePasswordAuth("user", "pass"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		<-done
	})
	return srv
}

func newTestSSHDialer(t *testing.T, srv *internalssh.Server) *SSHProxyDialer {
	t.Helper()

	d, err := NewSSHProxyDialer(t.Context(), Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second},
		srv.Addr().String(), "user", "pass")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = d.Close()
	})
	return d
}

func TestSSHProxyDialerDial(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	echo := testutil.StartEchoTCPServer(ctx, t)
	srv := startSSHServer(t)
	d := newTestSSHDialer(t, srv)
	require.Equal(t, "ssh://user@"+srv.Addr().String(), d.ID())

	for range 3 {
		c, err := d.DialContext(ctx, "tcp", echo.Addr().String())
		require.NoError(t, err)
		testutil.AssertEcho(t, c, c, []byte("hello through ssh"))
		require.NoError(t, c.Close())
	}
}

func TestSSHProxyDialerListen(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	srv := startSSHServer(t)
	d := newTestSSHDialer(t, srv)

	ln, err := d.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	require.True(t, ok)
	require.NotZero(t, tcpAddr.Port)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var remote net.Conn
	select {
	case remote, ok = <-accepted:
		require.True(t, ok, "accept failed")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for forwarded connection")
	}
	defer remote.Close()

	testutil.AssertEcho(t, client, remote, []byte("client to remote"))
	testutil.AssertEcho(t, remote, client, []byte("remote to client"))
}

func TestSSHProxyDialerBadPassword(t *testing.T) {
	t.Parallel()

	srv := startSSHServer(t)
	d, err := NewSSHProxyDialer(t.Context(), Config{DialTimeout: 2 * time.Second}, srv.Addr().String(), "user", "wrong")
	require.NoError(t, err)
	defer d.Close()

	_, err = d.DialContext(t.Context(), "tcp", "127.0.0.1:1")
	require.Error(t, err)
}
