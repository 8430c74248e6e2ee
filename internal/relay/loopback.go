package relay

import (
	"context"

	"github.com/die-net/tunnel/internal/conn"
)

// DetectLoopback reports whether an acceptor with provenance acceptor would
// just relay to the endpoint a connector with provenance connector already
// reaches. That is the case when both come from the same provider instance,
// share an identity key and a host name, and the acceptor port is either the
// wildcard or equal to the connector port. The returned address is the
// connector's endpoint resolved to a concrete address.
func DetectLoopback(ctx context.Context, acceptor, connector conn.Provenance) (conn.ResolvedSocketAddress, bool) {
	if acceptor.Provider == "" || acceptor.Provider != connector.Provider {
		return nil, false
	}
	if acceptor.Key != connector.Key {
		return nil, false
	}
	if acceptor.Host != connector.Host {
		return nil, false
	}
	if acceptor.Port != 0 && acceptor.Port != connector.Port {
		return nil, false
	}
	return conn.ResolveLoopback(ctx, connector.Host, connector.Port, connector.Preference), true
}

func detectLoopback(ctx context.Context, l conn.Listener, c conn.Connector) (conn.ResolvedSocketAddress, bool) {
	lt, ok := l.(conn.Traceable)
	if !ok {
		return nil, false
	}
	ct, ok := c.(conn.Traceable)
	if !ok {
		return nil, false
	}
	return DetectLoopback(ctx, lt.Provenance(), ct.Provenance())
}
