package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/die-net/tunnel/internal/conn"
	"github.com/die-net/tunnel/internal/socks5"
)

// Options tune the connectors and listeners built by this package.
type Options struct {
	// TransferMode is the buffer preference of produced connections.
	TransferMode conn.TransferMode

	// Retries is the number of extra attempts Connect makes after a
	// conn.ConnectionProblem. Other failures are never retried.
	Retries int

	// RetryInterval is the first pause between attempts; later pauses grow
	// exponentially. Defaults to 100ms.
	RetryInterval time.Duration

	Log logr.Logger
}

const defaultRetryInterval = 100 * time.Millisecond

// Connector opens outbound connections to one address through a provider.
type Connector struct {
	dialer Dialer
	addr   conn.HostAddress
	opts   Options
	log    logr.Logger
}

var (
	_ conn.Connector = (*Connector)(nil)
	_ conn.Traceable = (*Connector)(nil)
)

func NewConnector(d Dialer, addr conn.HostAddress, opts Options) *Connector {
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	return &Connector{dialer: d, addr: addr, opts: opts, log: log}
}

func (c *Connector) Provenance() conn.Provenance {
	return conn.Provenance{
		Provider:   c.dialer.ID(),
		Key:        conn.IdentityKeyTCP,
		Host:       c.addr.Hostname(),
		Port:       c.addr.Port(),
		Preference: c.addr.Preference(),
	}
}

// Connect dials the address, retrying connection problems with exponential
// backoff. Each attempt is bounded by the address's connection timeout.
// Failures are returned as *conn.EstablishmentError.
func (c *Connector) Connect(ctx context.Context) (conn.Connection, error) {
	target := c.addr.String()

	attempt := func() (conn.Connection, error) {
		nc, err := c.dial(ctx)
		if err != nil {
			ee := conn.NewEstablishmentError(target, err)
			if ee.Address == "" {
				ee.Address = target
			}
			if ee.Kind != conn.ConnectionProblem || ctx.Err() != nil {
				return nil, backoff.Permanent(ee)
			}
			return nil, ee
		}
		return conn.NewNetConnection(nc, c.opts.TransferMode), nil
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.opts.RetryInterval),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(0),
	), uint64(max(c.opts.Retries, 0))) //nolint:gosec // Clamped above.

	var lastErr error
	result, err := backoff.RetryNotifyWithData(attempt, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		lastErr = err
		c.log.V(1).Info("Connection attempt failed, retrying", "Address", target, "Delay", d.String(), "Error", err.Error())
	})
	if err != nil {
		var ee *conn.EstablishmentError
		if !errors.As(err, &ee) && lastErr != nil {
			// Cancelled while waiting between attempts.
			err = &conn.EstablishmentError{
				Kind:    conn.ClassifyEstablishmentError(lastErr),
				Address: target,
				Err:     errors.Join(lastErr, err),
			}
		}
		return nil, conn.NewEstablishmentError(target, err)
	}
	return result, nil
}

func (c *Connector) dial(ctx context.Context) (net.Conn, error) {
	if timeout := c.addr.ConnectionTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	nc, err := c.dialer.DialContext(ctx, c.addr.Network(), c.addr.String())
	if err != nil {
		return nil, classifyProxyError(err)
	}
	return nc, nil
}

// classifyProxyError marks proxy answers that mean the target could not be
// reached as connection problems.
func classifyProxyError(err error) error {
	var (
		re *socks5.ReplyError
		ce *ConnectError
	)
	switch {
	case errors.As(err, &re) && re.Refused(),
		errors.As(err, &ce) && ce.Unreachable():
		return &conn.EstablishmentError{Kind: conn.ConnectionProblem, Err: err}
	case errors.As(err, &re), errors.As(err, &ce):
		return &conn.EstablishmentError{Kind: conn.UnknownFailure, Err: err}
	default:
		return err
	}
}

func (c *Connector) String() string {
	return fmt.Sprintf("%s via %s", c.addr, c.dialer.ID())
}
