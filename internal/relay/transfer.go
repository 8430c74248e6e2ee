package relay

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/tunnel/internal/bufpool"
	"github.com/die-net/tunnel/internal/conn"
)

// TransferStats summarizes one direction of a pairing.
type TransferStats struct {
	// BytesTransferred is the number of bytes delivered to the destination.
	BytesTransferred int64

	// Err is what stopped the transfer; nil for a clean EOF.
	Err error
}

// Transfer copies from's source into to's sink until EOF, a failure or
// cancellation, one pooled buffer at a time. label names the direction in
// log output. Failures are logged and
// reported in the stats, never returned: they end this direction only. On
// every exit path the buffer goes back to its pool and then to's sink is
// closed, which signals EOF downstream.
func Transfer(ctx context.Context, log logr.Logger, label string, from, to conn.Connection, mode conn.TransferMode) TransferStats {
	return transfer(ctx, log.WithValues("Direction", label), from, to, selectPool(mode, from, to))
}

// Pipe runs a Transfer in each direction between inbound and outbound and
// returns once both have ended. A direction that reaches EOF only half-closes
// its destination, so the other direction keeps flowing until its own EOF, a
// failure or cancellation of ctx. Pipe does not close either connection.
func Pipe(ctx context.Context, log logr.Logger, inbound, outbound conn.Connection, mode conn.TransferMode) (sent, received TransferStats) {
	var g errgroup.Group
	g.Go(func() error {
		sent = Transfer(ctx, log, "inbound->outbound", inbound, outbound, mode)
		return nil
	})
	g.Go(func() error {
		received = Transfer(ctx, log, "outbound->inbound", outbound, inbound, mode)
		return nil
	})
	_ = g.Wait()
	return sent, received
}

func transfer(ctx context.Context, log logr.Logger, from, to conn.Connection, pool bufpool.Pool) (stats TransferStats) {
	buf := pool.Borrow()
	sink := to.SendChannel()

	defer func() {
		pool.Return(buf)
		if err := sink.Close(stats.Err); err != nil && !conn.IsExpectedCloseError(err) {
			log.V(1).Info("Error closing destination", "Error", err.Error())
		}
	}()

	source := from.ReceiveChannel()
	for {
		res, err := source.Receive(ctx, buf)
		if err != nil {
			stats.Err = err
			logTransferError(log, err, stats.BytesTransferred)
			return stats
		}
		if res == conn.EOF {
			return stats
		}
		if buf.Len() == 0 {
			continue
		}

		if err := sink.Send(ctx, buf.Readable()); err != nil {
			stats.Err = err
			logTransferError(log, err, stats.BytesTransferred)
			return stats
		}
		stats.BytesTransferred += int64(buf.Len())
		buf.Clear()
	}
}

func selectPool(mode conn.TransferMode, from, to conn.Connection) bufpool.Pool {
	switch mode {
	case conn.TransferModeDirect:
		return bufpool.Direct()
	case conn.TransferModeHeap:
		return bufpool.Heap()
	}
	if prefersDirect(from) || prefersDirect(to) {
		return bufpool.Direct()
	}
	return bufpool.Heap()
}

func prefersDirect(c conn.Connection) bool {
	p, ok := c.(conn.TransferModePreferrer)
	return ok && p.PreferredTransferMode() == conn.TransferModeDirect
}

func logTransferError(log logr.Logger, err error, bytes int64) {
	var ce *conn.ChannelError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.V(1).Info("Transfer cancelled", "Bytes", bytes)
	case errors.As(err, &ce) && conn.IsExpectedCloseError(err):
		log.V(1).Info("Transfer stopped, connection closed by peer",
			"Side", ce.Kind.String(), "Channel", ce.Channel, "Bytes", bytes, "Error", ce.Err.Error())
	case errors.As(err, &ce):
		log.Error(ce.Err, "Transfer failed", "Side", ce.Kind.String(), "Channel", ce.Channel, "Bytes", bytes)
	default:
		log.Error(err, "Transfer failed", "Bytes", bytes)
	}
}
