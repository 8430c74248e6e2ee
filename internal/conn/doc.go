// Package conn defines the connection abstractions the relay works with.
//
// A Connection pairs a ByteSink and a ByteSource. Acceptors produce inbound
// connections; Connectors create outbound ones on demand. Both kinds of
// factory report failures as *EstablishmentError, while failures during
// byte transfer surface as *ChannelError.
//
// The package also carries the address model (HostAddress and
// ResolvedSocketAddress) and implementations backed by net.Conn and
// net.Listener.
package conn
