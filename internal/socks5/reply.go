package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// CmdConnect is the SOCKS5 CONNECT command value.
const CmdConnect = txsocks5.CmdConnect

// Reply codes of RFC 1928 section 6.
const (
	repServerFailure       byte = 0x01
	repNotAllowed          byte = 0x02
	repNetworkUnreachable  byte = 0x03
	repHostUnreachable     byte = 0x04
	repConnectionRefused   byte = 0x05
	repTTLExpired          byte = 0x06
	repCommandNotSupported byte = 0x07
	repAddressNotSupported byte = 0x08
)

// Auth configures optional username/password authentication.
type Auth struct {
	Username string
	Password string
}

// ReplyError is a non-success reply to a CONNECT request.
type ReplyError struct {
	Code byte
}

func (e *ReplyError) Error() string {
	return "socks5 connect: " + replyText(e.Code)
}

// Refused reports replies meaning the upstream could not reach the target,
// as opposed to refusing the client.
func (e *ReplyError) Refused() bool {
	switch e.Code {
	case repConnectionRefused, repHostUnreachable,
		repNetworkUnreachable, repTTLExpired:
		return true
	default:
		return false
	}
}

func replyText(code byte) string {
	switch code {
	case repServerFailure:
		return "general server failure"
	case repNotAllowed:
		return "connection not allowed by ruleset"
	case repNetworkUnreachable:
		return "network unreachable"
	case repHostUnreachable:
		return "host unreachable"
	case repConnectionRefused:
		return "connection refused"
	case repTTLExpired:
		return "TTL expired"
	case repCommandNotSupported:
		return "command not supported"
	case repAddressNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("reply code %#x", code)
	}
}

// writeReply answers a request with code and a zero bound address of the
// request's address family.
func writeReply(conn net.Conn, code, atyp byte) error {
	_, err := newZeroAddrReply(code, atyp).WriteTo(conn)
	return err
}

// writeSuccessReply answers a CONNECT with the outbound socket's address.
func writeSuccessReply(conn net.Conn, bound net.Addr) error {
	a, addr, port, err := txsocks5.ParseAddress(bound.String())
	if err != nil {
		return fmt.Errorf("parse bound address %q: %w", bound.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}
