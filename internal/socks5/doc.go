// Package socks5 implements the SOCKS5 CONNECT handshake (RFC 1928, with
// RFC 1929 username/password authentication) on top of the wire types in
// github.com/txthinking/socks5.
//
// The client half lets the dialer reach targets through a SOCKS5 upstream.
// The server half is a minimal CONNECT-only server, enough to stand in for
// an upstream in tests.
package socks5
