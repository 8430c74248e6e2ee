package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"

	"github.com/die-net/tunnel/internal/conn"
	"github.com/die-net/tunnel/internal/testutil"
)

func loopbackListener() conn.ListenerFunc {
	return func(ctx context.Context) (conn.Acceptor, error) {
		addr := conn.NewHostAddressBuilder(0).Hostname("127.0.0.1").Build()
		return conn.ListenTCP(ctx, addr, conn.ListenOptions{}, conn.TransferModeDefault)
	}
}

func dialConnector(addr string) conn.ConnectorFunc {
	return func(ctx context.Context) (conn.Connection, error) {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, conn.NewEstablishmentError(addr, err)
		}
		return conn.NewNetConnection(c, conn.TransferModeDefault), nil
	}
}

// startProxy runs p until the test ends.
func startProxy(t *testing.T, p *Proxy) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return p.State() == StateAccepting }, 2*time.Second, time.Millisecond)
}

func TestProxyPingPong(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	target := testutil.StartTCPServer(ctx, t, func(c net.Conn) {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "PING" {
			return
		}
		_, _ = c.Write([]byte("PONG"))
	})

	var opened, closed atomic.Int32
	p, err := New(ctx, Config{
		Acceptor:           loopbackListener(),
		Connector:          dialConnector(target.Addr().String()),
		DebugLabel:         "ping",
		Log:                testr.New(t),
		OnConnection:       func(_, _ conn.Connection) { opened.Add(1) },
		OnConnectionClosed: func(_, _ conn.Connection) { closed.Add(1) },
	})
	require.NoError(t, err)
	require.Equal(t, StateCreated, p.State())
	startProxy(t, p)

	c, err := net.Dial("tcp", p.Acceptor().BoundAddress().String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("PING"))
	require.NoError(t, err)
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "PONG", string(got))
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return closed.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), opened.Load())
}

func TestProxyEchoManyClients(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	target := testutil.StartEchoTCPServer(ctx, t)

	p, err := New(ctx, Config{
		Acceptor:              loopbackListener(),
		Connector:             dialConnector(target.Addr().String()),
		PreferredTransferMode: conn.TransferModeDirect,
		SocketOptions:         conn.SocketOptions{NoDelay: new(bool)},
		Log:                   testr.New(t),
	})
	require.NoError(t, err)
	startProxy(t, p)

	errs := make(chan error, 8)
	for i := range 8 {
		go func() {
			errs <- echoThrough(p.Acceptor().BoundAddress().String(), byte(i))
		}()
	}
	for range 8 {
		require.NoError(t, <-errs)
	}
}

func echoThrough(addr string, seed byte) error {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer c.Close()

	msg := make([]byte, 100_000)
	for i := range msg {
		msg[i] = seed + byte(i)
	}
	go func() {
		_, _ = c.Write(msg)
		_ = c.(*net.TCPConn).CloseWrite()
	}()

	got, err := io.ReadAll(c)
	if err != nil {
		return err
	}
	if !bytes.Equal(msg, got) {
		return fmt.Errorf("echoed %d bytes, want %d", len(got), len(msg))
	}
	return nil
}

func TestProxyHalfClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	// The target answers only after the client has finished sending.
	target := testutil.StartTCPServer(ctx, t, func(c net.Conn) {
		req, err := io.ReadAll(c)
		if err != nil {
			return
		}
		_, _ = c.Write([]byte("got " + string(req)))
	})

	p, err := New(ctx, Config{
		Acceptor:  loopbackListener(),
		Connector: dialConnector(target.Addr().String()),
		Log:       testr.New(t),
	})
	require.NoError(t, err)
	startProxy(t, p)

	c, err := net.Dial("tcp", p.Acceptor().BoundAddress().String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("request"))
	require.NoError(t, err)
	require.NoError(t, c.(*net.TCPConn).CloseWrite())

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "got request", string(got))
}

func TestProxyConnectFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	target := testutil.StartEchoTCPServer(ctx, t)
	dial := dialConnector(target.Addr().String())

	var attempts atomic.Int32
	failures := make(chan error, 1)
	p, err := New(ctx, Config{
		Acceptor: loopbackListener(),
		Connector: conn.ConnectorFunc(func(ctx context.Context) (conn.Connection, error) {
			if attempts.Add(1) == 1 {
				return nil, &conn.EstablishmentError{Kind: conn.ConnectionProblem, Err: errBoom}
			}
			return dial(ctx)
		}),
		OnConnectionError: func(inbound conn.Connection, err error) {
			_ = inbound.Close()
			failures <- err
		},
		Log: testr.New(t),
	})
	require.NoError(t, err)
	startProxy(t, p)

	first, err := net.Dial("tcp", p.Acceptor().BoundAddress().String())
	require.NoError(t, err)
	defer first.Close()

	select {
	case err := <-failures:
		var ee *conn.EstablishmentError
		require.ErrorAs(t, err, &ee)
		require.Equal(t, conn.ConnectionProblem, ee.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("connection error callback not called")
	}
	_, err = io.ReadAll(first)
	require.NoError(t, err, "the callback closed the inbound connection")

	second, err := net.Dial("tcp", p.Acceptor().BoundAddress().String())
	require.NoError(t, err)
	defer second.Close()
	testutil.AssertEcho(t, second, second, []byte("still accepting"))
}

func TestProxyCancelClosesEverything(t *testing.T) {
	t.Parallel()

	const pairs = 5

	var inbound, outbound []*fakeConn
	var queued []conn.Connection
	for range pairs {
		in := newFakeConn("in")
		in.block = true
		inbound = append(inbound, in)
		queued = append(queued, in)
	}
	acceptor := newFakeAcceptor(queued...)

	var mu sync.Mutex
	var closedPairs atomic.Int32
	p, err := New(context.Background(), Config{
		Acceptor: conn.ListenerFunc(func(context.Context) (conn.Acceptor, error) { return acceptor, nil }),
		Connector: conn.ConnectorFunc(func(context.Context) (conn.Connection, error) {
			out := newFakeConn("out")
			out.block = true
			mu.Lock()
			outbound = append(outbound, out)
			mu.Unlock()
			return out, nil
		}),
		OnConnectionClosed: func(_, _ conn.Connection) { closedPairs.Add(1) },
		CloseTimeout:       time.Second,
		Log:                testr.New(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outbound) == pairs
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	require.Equal(t, StateStopped, p.State())
	require.Equal(t, int32(1), acceptor.closes.Load())
	require.Equal(t, int32(pairs), closedPairs.Load())
	for _, c := range append(inbound, outbound...) {
		require.Equal(t, int32(1), c.closes.Load())
		require.Equal(t, 1, c.sinkCloseCount())
	}
}

func TestProxyCancelWithHangingClose(t *testing.T) {
	t.Parallel()

	const closeTimeout = 200 * time.Millisecond

	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	in := newFakeConn("in")
	in.block = true
	in.hang = hang
	acceptor := newFakeAcceptor(in)

	connected := make(chan struct{})
	var closedPairs atomic.Int32
	p, err := New(context.Background(), Config{
		Acceptor: conn.ListenerFunc(func(context.Context) (conn.Acceptor, error) { return acceptor, nil }),
		Connector: conn.ConnectorFunc(func(context.Context) (conn.Connection, error) {
			out := newFakeConn("out")
			out.block = true
			return out, nil
		}),
		OnConnection:       func(_, _ conn.Connection) { close(connected) },
		OnConnectionClosed: func(_, _ conn.Connection) { closedPairs.Add(1) },
		CloseTimeout:       closeTimeout,
		Log:                testr.New(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("pairing was never set up")
	}

	start := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(closeTimeout + time.Second):
		t.Fatal("Run waited on a close that never finished")
	}
	require.GreaterOrEqual(t, time.Since(start), closeTimeout-10*time.Millisecond)

	require.Equal(t, StateStopped, p.State())
	require.Equal(t, int32(1), acceptor.closes.Load())
	require.Equal(t, int32(1), in.closes.Load())
	require.Zero(t, closedPairs.Load())
}

func TestProxyHalfOpenPairingLastsUntilCancel(t *testing.T) {
	t.Parallel()

	in := newFakeConn("in", "last words")
	var out *fakeConn
	outReady := make(chan struct{})
	var closedPairs atomic.Int32
	p, err := New(context.Background(), Config{
		Acceptor: conn.ListenerFunc(func(context.Context) (conn.Acceptor, error) { return newFakeAcceptor(in), nil }),
		Connector: conn.ConnectorFunc(func(context.Context) (conn.Connection, error) {
			out = newFakeConn("out")
			out.block = true
			close(outReady)
			return out, nil
		}),
		OnConnectionClosed: func(_, _ conn.Connection) { closedPairs.Add(1) },
		Log:                testr.New(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	<-outReady

	// inbound->outbound finished and half-closed outbound; the reverse
	// direction is still open.
	require.Eventually(t, func() bool { return out.sinkCloseCount() == 1 }, 2*time.Second, time.Millisecond)
	require.Equal(t, "last words", out.data())
	require.Never(t, func() bool { return closedPairs.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Zero(t, out.closes.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	require.Equal(t, int32(1), closedPairs.Load())
	require.Equal(t, int32(1), out.closes.Load())
	require.Equal(t, int32(1), in.closes.Load())
}

// failingAcceptor fails every Accept with errBoom until closed.
type failingAcceptor struct {
	*fakeAcceptor
	attempts atomic.Int32
}

func (a *failingAcceptor) Accept(ctx context.Context) (conn.Connection, error) {
	a.attempts.Add(1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.closed:
		return nil, conn.ErrAcceptorClosed
	default:
		return nil, errBoom
	}
}

func TestProxyAcceptFailuresBackOff(t *testing.T) {
	t.Parallel()

	acceptor := &failingAcceptor{fakeAcceptor: newFakeAcceptor()}
	p, err := New(context.Background(), Config{
		Acceptor:  conn.ListenerFunc(func(context.Context) (conn.Acceptor, error) { return acceptor, nil }),
		Connector: conn.ConnectorFunc(func(context.Context) (conn.Connection, error) { return nil, errBoom }),
		Log:       testr.New(t),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(context.Background())
	}()

	time.Sleep(time.Second)
	// A fixed 50ms pause would retry about 20 times in a second; growing
	// delays stay well under that.
	attempts := acceptor.attempts.Load()
	require.GreaterOrEqual(t, attempts, int32(3))
	require.LessOrEqual(t, attempts, int32(12))
	require.Equal(t, StateAccepting, p.State())

	require.NoError(t, acceptor.Close())
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the acceptor closed")
	}
	require.Equal(t, StateStopped, p.State())
}

func TestProxyStopsWhenAcceptorClosed(t *testing.T) {
	t.Parallel()

	acceptor := newFakeAcceptor()
	p, err := New(context.Background(), Config{
		Acceptor:  conn.ListenerFunc(func(context.Context) (conn.Acceptor, error) { return acceptor, nil }),
		Connector: conn.ConnectorFunc(func(context.Context) (conn.Connection, error) { return nil, errBoom }),
		Log:       testr.New(t),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(context.Background())
	}()

	require.NoError(t, p.Acceptor().Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the acceptor closed")
	}
	// One close from the test, one from the proxy's finalizer.
	require.Equal(t, int32(2), acceptor.closes.Load())
}

func TestProxyLoopbackShortCircuit(t *testing.T) {
	t.Parallel()

	var listens atomic.Int32
	provenance := conn.Provenance{Provider: "direct://", Key: conn.IdentityKeyTCP, Host: "127.0.0.1"}
	acceptorSide := provenance
	connectorSide := provenance
	connectorSide.Port = 4242

	p, err := New(context.Background(), Config{
		Acceptor: traceableListener{
			ListenerFunc: func(context.Context) (conn.Acceptor, error) {
				listens.Add(1)
				return nil, errBoom
			},
			provenance: acceptorSide,
		},
		Connector: traceableConnector{
			ConnectorFunc: func(context.Context) (conn.Connection, error) { return nil, errBoom },
			provenance:    connectorSide,
		},
		Log: testr.New(t),
	})
	require.NoError(t, err)
	require.Zero(t, listens.Load(), "no socket is opened")
	require.Equal(t, "127.0.0.1:4242", p.Acceptor().BoundAddress().String())

	_, err = p.Acceptor().Accept(context.Background())
	require.ErrorIs(t, err, conn.ErrAcceptorClosed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	select {
	case <-done:
		t.Fatal("Run returned before cancellation")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestNewPropagatesListenError(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{
		Acceptor: conn.ListenerFunc(func(context.Context) (conn.Acceptor, error) {
			return nil, &net.OpError{Op: "listen", Net: "tcp", Err: errors.New("address already in use")}
		}),
		Connector: dialConnector("127.0.0.1:1"),
	})
	var ee *conn.EstablishmentError
	require.ErrorAs(t, err, &ee)

	_, err = New(context.Background(), Config{Connector: dialConnector("127.0.0.1:1")})
	require.Error(t, err)

	_, err = New(context.Background(), Config{Acceptor: loopbackListener()})
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "created", StateCreated.String())
	require.Equal(t, "accepting", StateAccepting.String())
	require.Equal(t, "stopped", StateStopped.String())
	require.Equal(t, "State(7)", State(7).String())
}
