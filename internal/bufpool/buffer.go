package bufpool

import "fmt"

// Buffer is a fixed-capacity byte window. Bytes are received into Writable,
// committed with Advance, and read back through Readable until Clear resets
// the window for the next round.
//
// A Buffer is owned by exactly one borrower at a time.
type Buffer struct {
	data     []byte
	n        int
	direct   bool
	borrowed bool // guarded by the owning pool's mutex
}

// NewBuffer allocates a buffer with the given capacity. Direct buffers are the
// ones eligible for recycling by the process-wide Direct pool.
func NewBuffer(size int, direct bool) *Buffer {
	return &Buffer{data: make([]byte, size), direct: direct}
}

// Writable returns the unfilled remainder of the buffer.
func (b *Buffer) Writable() []byte {
	return b.data[b.n:]
}

// Advance commits n bytes previously written into Writable.
func (b *Buffer) Advance(n int) {
	if n < 0 || b.n+n > len(b.data) {
		panic(fmt.Sprintf("bufpool: advance by %d overflows buffer (len %d, cap %d)", n, b.n, len(b.data)))
	}
	b.n += n
}

// Readable returns the committed bytes.
func (b *Buffer) Readable() []byte {
	return b.data[:b.n]
}

// Len returns the number of committed bytes.
func (b *Buffer) Len() int {
	return b.n
}

// Cap returns the fixed capacity of the buffer.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Direct reports whether the buffer was allocated for the Direct pool.
func (b *Buffer) Direct() bool {
	return b.direct
}

// Clear discards the committed bytes.
func (b *Buffer) Clear() {
	b.n = 0
}
