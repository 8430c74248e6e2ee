package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

var errForwardDenied = errors.New("tcpip-forward request denied")

// listenContext is client.Listen with cancellation. A listener that shows up
// after ctx is done is closed.
func listenContext(ctx context.Context, client *ssh.Client, network, address string) (net.Listener, error) {
	type result struct {
		ln  net.Listener
		err error
	}

	done := make(chan result, 1)
	go func() {
		ln, err := client.Listen(network, address)
		done <- result{ln: ln, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && strings.Contains(r.err.Error(), "denied by peer") {
			return nil, fmt.Errorf("%w: %w", errForwardDenied, r.err)
		}
		return r.ln, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.ln != nil {
				_ = r.ln.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Wire formats of RFC 4254 section 7.

type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

type forwardRequest struct {
	BindAddr string
	BindPort uint32
}

type forwardReply struct {
	Port uint32
}

type forwardedTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}
