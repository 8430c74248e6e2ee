package conn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/die-net/tunnel/internal/bufpool"
)

// ErrAcceptorClosed marks the end of an acceptor's inbound stream.
var ErrAcceptorClosed = errors.New("acceptor closed")

// ReadResult is the outcome of a successful Receive.
type ReadResult int

const (
	// NotEOF means zero or more bytes were committed to the buffer.
	NotEOF ReadResult = iota
	// EOF means the source is exhausted.
	EOF
)

func (r ReadResult) String() string {
	switch r {
	case NotEOF:
		return "NOT_EOF"
	case EOF:
		return "EOF"
	default:
		return fmt.Sprintf("ReadResult(%d)", int(r))
	}
}

// ReadResultOf maps a receive byte count to a ReadResult: -1 is EOF and any
// non-negative count is NotEOF. Counts below -1 violate the receive contract
// and panic.
func ReadResultOf(n int) ReadResult {
	switch {
	case n == -1:
		return EOF
	case n >= 0:
		return NotEOF
	default:
		panic(fmt.Sprintf("conn: invalid receive count %d", n))
	}
}

// ByteSink is the sending half of a Connection.
type ByteSink interface {
	// Send writes all of p, or fails with ctx's error or a *ChannelError.
	Send(ctx context.Context, p []byte) error

	// Close signals end of stream to the peer. cause is informational: nil
	// for a normal end, otherwise the error that stopped the writer.
	Close(cause error) error
}

// ByteSource is the receiving half of a Connection.
type ByteSource interface {
	// Receive commits newly received bytes to buf. It fails with ctx's
	// error or a *ChannelError.
	Receive(ctx context.Context, buf *bufpool.Buffer) (ReadResult, error)
}

// Connection is a bidirectional, closable pairing of a sink and a source.
// Close is idempotent.
type Connection interface {
	SendChannel() ByteSink
	ReceiveChannel() ByteSource
	ConfigureSocket(SocketOptions) error
	Close() error
}

// Acceptor produces inbound connections until it is closed. Close is
// idempotent; after it, Accept returns ErrAcceptorClosed.
type Acceptor interface {
	Accept(ctx context.Context) (Connection, error)
	BoundAddress() ResolvedSocketAddress
	Close() error
}

// Connector creates one outbound Connection per call.
type Connector interface {
	Connect(ctx context.Context) (Connection, error)
}

// Listener creates an Acceptor.
type Listener interface {
	Listen(ctx context.Context) (Acceptor, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Connection, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Connection, error) {
	return f(ctx)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context) (Acceptor, error)

func (f ListenerFunc) Listen(ctx context.Context) (Acceptor, error) {
	return f(ctx)
}

// TransferMode selects which buffer pool a transfer draws from.
type TransferMode int

const (
	// TransferModeDefault defers to the endpoints' preferences.
	TransferModeDefault TransferMode = iota
	// TransferModeDirect recycles buffers through bufpool.Direct.
	TransferModeDirect
	// TransferModeHeap allocates a fresh buffer per transfer.
	TransferModeHeap
)

func (m TransferMode) String() string {
	switch m {
	case TransferModeDefault:
		return "default"
	case TransferModeDirect:
		return "direct"
	case TransferModeHeap:
		return "heap"
	default:
		return fmt.Sprintf("TransferMode(%d)", int(m))
	}
}

// ParseTransferMode parses "default", "direct" or "heap".
func ParseTransferMode(s string) (TransferMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return TransferModeDefault, nil
	case "direct":
		return TransferModeDirect, nil
	case "heap":
		return TransferModeHeap, nil
	default:
		return TransferModeDefault, fmt.Errorf("unknown transfer mode %q", s)
	}
}

// TransferModePreferrer is implemented by connections that have a buffer
// preference of their own.
type TransferModePreferrer interface {
	PreferredTransferMode() TransferMode
}

// Describe returns a printable description of c for logs.
func Describe(c Connection) string {
	if s, ok := c.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", c)
}
