// Package relay implements the tunnel relay: it accepts connections from one
// endpoint and copies their byte streams, in both directions, to connections
// obtained from a second endpoint.
//
// A Proxy owns the accept loop. Each inbound connection is paired with one
// outbound connection and relayed by two independent Transfer calls, one per
// direction, each borrowing a single buffer from a bufpool.Pool. Whatever
// ends a pairing (EOF, a channel error or cancellation), both connections are
// closed by a finalizer that ignores cancellation and is bounded by
// Config.CloseTimeout. The acceptor is closed the same way, exactly once,
// when the accept loop stops.
//
// When the acceptor and the connector describe the same endpoint, New skips
// relaying altogether and returns a Proxy whose acceptor is already closed
// and bound to the connector's address.
package relay
