// Package dialer provides the transport providers a tunnel runs over.
//
// A provider is named by a URL: direct:// for the local host, http:// or
// https:// for an HTTP CONNECT proxy, socks5:// for a SOCKS5 proxy and
// ssh://user@host for a remote host reached over SSH. Every provider can dial
// outbound TCP connections. The local host and SSH hosts can also listen, so
// a tunnel may accept connections on either side.
//
// NewConnector and NewListener turn a provider plus an address into the
// conn.Connector and conn.Listener the relay consumes. Both report a
// conn.Provenance built from the provider's ID, which lets the relay notice
// when a tunnel would only lead back to where it started.
package dialer
