package ssh

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func mustGenerateKey(t *testing.T) ssh.Signer {
	t.Helper()

	key, err := GenerateHostKey()
	if err != nil {
		t.Fatalf("GenerateHostKey: %v", err)
	}
	return key
}

// startTestServer runs an SSH server accepting user/pass until the test ends.
func startTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()

	cfg.HostKeys = []ssh.Signer{mustGenerateKey(t)}
	cfg.PasswordCallback = SimplePasswordAuth("user", "pass")

	srv, err := NewServer("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatal(err)
	}

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

func newTestClient(t *testing.T, srv *Server) *Client {
	t.Helper()

	client, err := NewClient(srv.Addr().String(), ClientConfig{
		Username:         "user",
		Password:         "pass",
		HostKeyCallback:  ssh.InsecureIgnoreHostKey(), //nolint:gosec // Test server has random host key.
		Timeout:          2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	}, &net.Dialer{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
