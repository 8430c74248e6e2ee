package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/die-net/tunnel/internal/conn"
)

const (
	// DefaultCloseTimeout bounds each finalizer that closes connections or
	// the acceptor.
	DefaultCloseTimeout = 3 * time.Second

	// Accept failures other than a closed acceptor are retried with an
	// exponential delay between these bounds, reset by the next success.
	acceptRetryDelay    = 50 * time.Millisecond
	maxAcceptRetryDelay = 2 * time.Second
)

// Config describes one tunnel.
type Config struct {
	// Acceptor produces the acceptor inbound connections arrive on.
	Acceptor conn.Listener

	// Connector produces one outbound connection per inbound connection.
	Connector conn.Connector

	PreferredTransferMode conn.TransferMode

	// OnConnection is called once both sides of a pairing exist, before
	// any byte is relayed.
	OnConnection func(inbound, outbound conn.Connection)

	// OnConnectionClosed is called after both sides of a pairing have been
	// closed.
	OnConnectionClosed func(inbound, outbound conn.Connection)

	// OnConnectionError is called when no outbound connection could be made
	// for inbound. The relay does not close inbound; the callback owns it.
	OnConnectionError func(inbound conn.Connection, err error)

	// DebugLabel is attached to every log line of this tunnel.
	DebugLabel string

	// SocketOptions are applied to both sides of every pairing.
	SocketOptions conn.SocketOptions

	// CloseTimeout defaults to DefaultCloseTimeout.
	CloseTimeout time.Duration

	Log logr.Logger
}

// State is the lifecycle stage of a Proxy.
type State uint32

const (
	StateCreated State = iota
	StateAccepting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAccepting:
		return "accepting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Proxy is a running tunnel endpoint. Create it with New, then call Run
// once.
//
// The two directions of a pairing end independently. After one side sends
// EOF the pairing stays half-open, and is only closed once the other
// direction ends too or Run's context is cancelled. There is no idle
// timeout: a peer that never finishes its direction holds the pairing open
// until then. Callers needing one can set a TCP keepalive or user timeout
// through Config.SocketOptions.
type Proxy struct {
	cfg      Config
	log      logr.Logger
	acceptor conn.Acceptor
	loopback bool

	state       atomic.Uint32
	streamSeqNo atomic.Uint64
	closeOnce   sync.Once
	pairings    sync.WaitGroup
}

// New creates the proxy's acceptor. If the acceptor and the connector
// describe the same endpoint, no socket is opened: the returned Proxy has an
// already closed acceptor bound to the connector's address, and Run only
// waits for cancellation. Failures to create the acceptor are returned as
// *conn.EstablishmentError.
func New(ctx context.Context, cfg Config) (*Proxy, error) {
	if cfg.Acceptor == nil {
		return nil, errors.New("relay: no acceptor configured")
	}
	if cfg.Connector == nil {
		return nil, errors.New("relay: no connector configured")
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}

	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if cfg.DebugLabel != "" {
		log = log.WithValues("Tunnel", cfg.DebugLabel)
	}

	p := &Proxy{cfg: cfg, log: log}

	if addr, ok := detectLoopback(ctx, cfg.Acceptor, cfg.Connector); ok {
		log.V(1).Info("Acceptor and connector reach the same endpoint, not relaying", "Address", addr.String())
		p.acceptor = conn.NewClosedAcceptor(addr)
		p.loopback = true
		return p, nil
	}

	acceptor, err := cfg.Acceptor.Listen(ctx)
	if err != nil {
		return nil, conn.NewEstablishmentError("", err)
	}
	p.acceptor = acceptor
	log.V(1).Info("Listening", "Address", addressString(acceptor.BoundAddress()))
	return p, nil
}

// Acceptor returns the proxy's acceptor. Its BoundAddress is where clients
// should connect.
func (p *Proxy) Acceptor() conn.Acceptor {
	return p.acceptor
}

func (p *Proxy) State() State {
	return State(p.state.Load())
}

// Run accepts and relays connections until ctx is cancelled or the acceptor
// is closed. It returns after the acceptor has been closed and every pairing
// has finished. Run must be called at most once.
func (p *Proxy) Run(ctx context.Context) {
	p.state.Store(uint32(StateAccepting))
	defer p.state.Store(uint32(StateStopped))

	stop := context.AfterFunc(ctx, func() { p.closeAcceptor(ctx) })
	defer stop()

	if p.loopback {
		<-ctx.Done()
	} else {
		p.acceptLoop(ctx)
	}

	p.closeAcceptor(ctx)
	p.pairings.Wait()
	p.log.V(1).Info("Stopped")
}

func (p *Proxy) acceptLoop(ctx context.Context) {
	retry := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(acceptRetryDelay),
		backoff.WithMaxInterval(maxAcceptRetryDelay),
		backoff.WithMaxElapsedTime(0),
	)
	failures := 0

	for {
		inbound, err := p.acceptor.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, conn.ErrAcceptorClosed) {
				return
			}
			delay := retry.NextBackOff()
			if failures == 0 {
				p.log.Error(err, "Error accepting connection", "RetryIn", delay.String())
			} else {
				p.log.V(1).Info("Accept still failing", "Failures", failures+1, "RetryIn", delay.String(), "Error", err.Error())
			}
			failures++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		if failures > 0 {
			p.log.Info("Accepting again", "Failures", failures)
			failures = 0
			retry.Reset()
		}

		p.pairings.Go(func() {
			p.handle(ctx, inbound)
		})
	}
}

func (p *Proxy) handle(ctx context.Context, inbound conn.Connection) {
	log := p.log.WithValues("Stream", p.streamSeqNo.Add(1))

	outbound, err := p.cfg.Connector.Connect(ctx)
	if err != nil {
		log.V(1).Info("Could not connect upstream", "Inbound", conn.Describe(inbound), "Error", err.Error())
		if p.cfg.OnConnectionError != nil {
			p.cfg.OnConnectionError(inbound, err)
		}
		return
	}

	defer p.finalizePairing(ctx, log, inbound, outbound)

	if !p.cfg.SocketOptions.IsZero() {
		for _, c := range []conn.Connection{inbound, outbound} {
			if err := c.ConfigureSocket(p.cfg.SocketOptions); err != nil {
				log.V(1).Info("Could not configure socket", "Connection", conn.Describe(c), "Error", err.Error())
			}
		}
	}

	if p.cfg.OnConnection != nil {
		p.cfg.OnConnection(inbound, outbound)
	}

	log.V(1).Info("Relaying", "Inbound", conn.Describe(inbound), "Outbound", conn.Describe(outbound))

	sent, got := Pipe(ctx, log, inbound, outbound, p.cfg.PreferredTransferMode)

	log.V(1).Info("Relay finished", "BytesSent", sent.BytesTransferred, "BytesReceived", got.BytesTransferred)
}

func (p *Proxy) finalizePairing(ctx context.Context, log logr.Logger, inbound, outbound conn.Connection) {
	ok := runDetached(ctx, p.cfg.CloseTimeout, func(context.Context) {
		for _, c := range []conn.Connection{inbound, outbound} {
			if err := c.Close(); err != nil && !conn.IsExpectedCloseError(err) {
				log.V(1).Info("Error closing connection", "Connection", conn.Describe(c), "Error", err.Error())
			}
		}
		if p.cfg.OnConnectionClosed != nil {
			p.cfg.OnConnectionClosed(inbound, outbound)
		}
	})
	if !ok {
		log.Info("Timed out closing connections", "Timeout", p.cfg.CloseTimeout.String())
	}
}

func (p *Proxy) closeAcceptor(ctx context.Context) {
	p.closeOnce.Do(func() {
		ok := runDetached(ctx, p.cfg.CloseTimeout, func(context.Context) {
			if err := p.acceptor.Close(); err != nil && !conn.IsExpectedCloseError(err) {
				p.log.Error(err, "Error closing acceptor")
			}
		})
		if !ok {
			p.log.Info("Timed out closing acceptor", "Timeout", p.cfg.CloseTimeout.String())
		}
	})
}

func addressString(a conn.ResolvedSocketAddress) string {
	if a == nil {
		return ""
	}
	return a.String()
}
