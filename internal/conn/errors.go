package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// EstablishmentKind classifies failures to create an acceptor or an outbound
// connection.
type EstablishmentKind int

const (
	UnknownFailure EstablishmentKind = iota
	SocketAllocationError
	ResolveFailure
	ConnectionProblem
)

func (k EstablishmentKind) String() string {
	switch k {
	case SocketAllocationError:
		return "socket allocation error"
	case ResolveFailure:
		return "resolve failure"
	case ConnectionProblem:
		return "connection problem"
	default:
		return "unknown failure"
	}
}

// EstablishmentError is returned by Listener and Connector implementations.
// It never occurs during byte transfer.
type EstablishmentError struct {
	Kind    EstablishmentKind
	Address string
	Err     error
}

func (e *EstablishmentError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Address, e.Err)
}

func (e *EstablishmentError) Unwrap() error {
	return e.Err
}

// NewEstablishmentError wraps err, classifying it with
// ClassifyEstablishmentError. An err that already is an
// *EstablishmentError is returned as is.
func NewEstablishmentError(address string, err error) *EstablishmentError {
	var ee *EstablishmentError
	if errors.As(err, &ee) {
		return ee
	}
	return &EstablishmentError{Kind: ClassifyEstablishmentError(err), Address: address, Err: err}
}

// ClassifyEstablishmentError maps a dial or listen error to its kind.
func ClassifyEstablishmentError(err error) EstablishmentKind {
	var (
		ee      *EstablishmentError
		dnsErr  *net.DNSError
		addrErr *net.AddrError
		opErr   *net.OpError
	)
	switch {
	case err == nil:
		return UnknownFailure
	case errors.As(err, &ee):
		return ee.Kind
	case errors.As(err, &dnsErr), errors.As(err, &addrErr):
		return ResolveFailure
	case errors.Is(err, syscall.EADDRINUSE),
		errors.Is(err, syscall.EADDRNOTAVAIL),
		errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.ENOBUFS):
		return SocketAllocationError
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.As(err, &opErr):
		return ConnectionProblem
	default:
		return UnknownFailure
	}
}

// ChannelErrorKind tells which side of a transfer failed.
type ChannelErrorKind int

const (
	SendChannelError ChannelErrorKind = iota
	ReceiveChannelError
)

func (k ChannelErrorKind) String() string {
	if k == SendChannelError {
		return "send channel error"
	}
	return "receive channel error"
}

// ChannelError is a failed Send or Receive. Channel identifies the
// offending channel.
type ChannelError struct {
	Kind    ChannelErrorKind
	Channel string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Kind, e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// IsExpectedCloseError reports errors that merely mean the peer or the local
// side has already gone away.
func IsExpectedCloseError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
