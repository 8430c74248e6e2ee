package conn

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"
)

const (
	// DefaultHostname is the host used when none is configured.
	DefaultHostname = "localhost"

	// DefaultConnectionTimeout bounds connection establishment.
	DefaultConnectionTimeout = 10 * time.Second
)

// ProtocolPreference selects the IP family used to resolve a hostname.
type ProtocolPreference int

const (
	PreferOSDefault ProtocolPreference = iota
	PreferIPv4
	PreferIPv6
)

func (p ProtocolPreference) String() string {
	switch p {
	case PreferIPv4:
		return "ipv4"
	case PreferIPv6:
		return "ipv6"
	default:
		return "os"
	}
}

// HostAddress is an immutable host, port and connection policy.
type HostAddress struct {
	hostname   string
	port       uint16
	preference ProtocolPreference
	timeout    time.Duration
}

func (a HostAddress) Hostname() string                 { return a.hostname }
func (a HostAddress) Port() uint16                     { return a.port }
func (a HostAddress) Preference() ProtocolPreference   { return a.preference }
func (a HostAddress) ConnectionTimeout() time.Duration { return a.timeout }
func (a HostAddress) String() string                   { return net.JoinHostPort(a.hostname, strconv.Itoa(int(a.port))) }

// Network returns the net package network name honoring the preference.
func (a HostAddress) Network() string {
	switch a.preference {
	case PreferIPv4:
		return "tcp4"
	case PreferIPv6:
		return "tcp6"
	default:
		return "tcp"
	}
}

// HostAddressBuilder assembles a HostAddress. The zero port means "any".
type HostAddressBuilder struct {
	addr HostAddress
}

// NewHostAddressBuilder starts a builder for port with every other field at
// its default.
func NewHostAddressBuilder(port uint16) *HostAddressBuilder {
	return &HostAddressBuilder{addr: HostAddress{
		hostname:   DefaultHostname,
		port:       port,
		preference: PreferOSDefault,
		timeout:    DefaultConnectionTimeout,
	}}
}

func (b *HostAddressBuilder) Hostname(name string) *HostAddressBuilder {
	b.addr.hostname = name
	return b
}

func (b *HostAddressBuilder) PreferIPv4() *HostAddressBuilder {
	b.addr.preference = PreferIPv4
	return b
}

func (b *HostAddressBuilder) PreferIPv6() *HostAddressBuilder {
	b.addr.preference = PreferIPv6
	return b
}

func (b *HostAddressBuilder) PreferOSDefault() *HostAddressBuilder {
	b.addr.preference = PreferOSDefault
	return b
}

// Preference sets the protocol preference directly.
func (b *HostAddressBuilder) Preference(p ProtocolPreference) *HostAddressBuilder {
	b.addr.preference = p
	return b
}

func (b *HostAddressBuilder) ConnectionTimeout(d time.Duration) *HostAddressBuilder {
	b.addr.timeout = d
	return b
}

// Build snapshots the builder. Later builder calls do not affect the result.
func (b *HostAddressBuilder) Build() HostAddress {
	return b.addr
}

// ParseHostAddress parses "host:port". An empty host means DefaultHostname.
func ParseHostAddress(s string) (HostAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return HostAddress{}, fmt.Errorf("parse host address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return HostAddress{}, fmt.Errorf("parse host address %q: invalid port: %w", s, err)
	}
	b := NewHostAddressBuilder(uint16(port))
	if host != "" {
		b.Hostname(host)
	}
	return b.Build(), nil
}

// ResolvedSocketAddress is a concrete bound or connected address: either a
// V4Address or a V6Address.
type ResolvedSocketAddress interface {
	AddrPort() netip.AddrPort
	String() string
	resolved()
}

// V4Address is an IPv4 address in host-order bits.
type V4Address struct {
	Bits uint32
	Port uint16
}

func (a V4Address) AddrPort() netip.AddrPort {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], a.Bits)
	return netip.AddrPortFrom(netip.AddrFrom4(b), a.Port)
}

func (a V4Address) String() string { return a.AddrPort().String() }
func (V4Address) resolved()        {}

// V6Address is an IPv6 address split into its upper and lower 64 bits.
type V6Address struct {
	High uint64
	Low  uint64
	Port uint16
}

func (a V6Address) AddrPort() netip.AddrPort {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], a.High)
	binary.BigEndian.PutUint64(b[8:], a.Low)
	return netip.AddrPortFrom(netip.AddrFrom16(b), a.Port)
}

func (a V6Address) String() string { return a.AddrPort().String() }
func (V6Address) resolved()        {}

// ResolvedFromAddrPort converts ap, unmapping IPv4-in-IPv6 addresses.
func ResolvedFromAddrPort(ap netip.AddrPort) ResolvedSocketAddress {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		b := addr.As4()
		return V4Address{Bits: binary.BigEndian.Uint32(b[:]), Port: ap.Port()}
	}
	b := addr.As16()
	return V6Address{
		High: binary.BigEndian.Uint64(b[:8]),
		Low:  binary.BigEndian.Uint64(b[8:]),
		Port: ap.Port(),
	}
}

// ResolvedFromNetAddr converts a bound net.Addr.
func ResolvedFromNetAddr(a net.Addr) (ResolvedSocketAddress, error) {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ResolvedFromAddrPort(ta.AddrPort()), nil
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return nil, fmt.Errorf("resolve %s address %q: %w", a.Network(), a.String(), err)
	}
	return ResolvedFromAddrPort(ap), nil
}

// ResolveLoopback resolves host to an address that is expected to be local.
// IP literals are used as they are and "localhost" maps to the loopback
// address of the preferred family without consulting the resolver. Other
// names are looked up; if that fails the IPv4 loopback address is used.
func ResolveLoopback(ctx context.Context, host string, port uint16, pref ProtocolPreference) ResolvedSocketAddress {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ResolvedFromAddrPort(netip.AddrPortFrom(ip, port))
	}
	if host == DefaultHostname {
		if pref == PreferIPv6 {
			return ResolvedFromAddrPort(netip.AddrPortFrom(netip.IPv6Loopback(), port))
		}
		return ResolvedFromAddrPort(netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port))
	}

	network := "ip"
	switch pref {
	case PreferIPv4:
		network = "ip4"
	case PreferIPv6:
		network = "ip6"
	}
	if addrs, err := net.DefaultResolver.LookupNetIP(ctx, network, host); err == nil && len(addrs) > 0 {
		return ResolvedFromAddrPort(netip.AddrPortFrom(addrs[0], port))
	}
	return ResolvedFromAddrPort(netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port))
}
