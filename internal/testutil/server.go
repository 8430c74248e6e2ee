// Package testutil holds TCP fixtures shared by the tunnel's tests.
package testutil

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// StartTCPServer listens on an ephemeral loopback port and runs handler for
// every accepted connection until the test ends. The connection is closed
// when handler returns.
func StartTCPServer(ctx context.Context, t *testing.T, handler func(net.Conn)) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Go(func() {
				defer c.Close()
				handler(c)
			})
		}
	})

	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})

	return ln
}

// StartSingleAcceptServer accepts exactly one connection and hands it to
// handler. The returned wait closes the listener and blocks until handler
// has returned.
func StartSingleAcceptServer(ctx context.Context, t *testing.T, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Go(func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	})

	var once sync.Once
	wait := func() {
		once.Do(func() {
			_ = ln.Close()
			wg.Wait()
		})
	}
	t.Cleanup(wait)

	return ln, wait
}
