package bufpool

import (
	"sync"
	"weak"
)

const (
	// DefaultBufferSize is the size of a single transfer buffer (32 kB), the
	// same chunk size io.Copy uses.
	DefaultBufferSize = 32 * 1024

	// DefaultPoolSize bounds the number of idle buffers kept by Direct.
	DefaultPoolSize = 128
)

// Pool lends out buffers and takes them back.
type Pool interface {
	// Borrow returns a buffer for exclusive use. It never blocks and never
	// fails: an empty pool allocates.
	Borrow() *Buffer

	// Return hands a borrowed buffer back. Buffers that fail validation, that
	// are not currently borrowed, or that do not fit are dropped.
	Return(*Buffer)
}

// BoundedPool is a LIFO store of at most limit idle buffers.
type BoundedPool struct {
	mu        sync.Mutex
	entries   []weak.Pointer[Buffer]
	limit     int
	newBuffer func() *Buffer
	valid     func(*Buffer) bool
}

var _ Pool = (*BoundedPool)(nil)

// New creates a pool that keeps at most limit idle buffers. newBuffer is called
// when the pool is empty; valid decides whether a returned buffer may be kept.
func New(limit int, newBuffer func() *Buffer, valid func(*Buffer) bool) *BoundedPool {
	if limit < 0 {
		limit = 0
	}
	return &BoundedPool{
		limit:     limit,
		newBuffer: newBuffer,
		valid:     valid,
	}
}

// NewFake returns a pool that never retains anything. Every Borrow allocates a
// fresh heap buffer and every Return drops it.
func NewFake(size int) *BoundedPool {
	return New(0,
		func() *Buffer { return NewBuffer(size, false) },
		func(*Buffer) bool { return false },
	)
}

// Borrow pops the most recently returned live buffer, or allocates one.
func (p *BoundedPool) Borrow() *Buffer {
	p.mu.Lock()
	for len(p.entries) > 0 {
		last := len(p.entries) - 1
		b := p.entries[last].Value()
		p.entries[last] = weak.Pointer[Buffer]{}
		p.entries = p.entries[:last]
		if b != nil {
			b.borrowed = true
			p.mu.Unlock()
			return b
		}
	}
	p.mu.Unlock()

	b := p.newBuffer()
	b.borrowed = true
	return b
}

// Return pushes b back onto the pool if it is still valid and there is room.
func (p *BoundedPool) Return(b *Buffer) {
	if b == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !b.borrowed {
		return
	}
	b.borrowed = false

	if !p.valid(b) {
		return
	}
	if len(p.entries) >= p.limit {
		p.pruneLocked()
		if len(p.entries) >= p.limit {
			return
		}
	}

	b.Clear()
	p.entries = append(p.entries, weak.Make(b))
}

// Len returns the number of idle buffers that have not been reclaimed.
func (p *BoundedPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.entries {
		if e.Value() != nil {
			n++
		}
	}
	return n
}

// Max returns the pool bound.
func (p *BoundedPool) Max() int {
	return p.limit
}

// pruneLocked drops entries whose buffers were reclaimed, keeping LIFO order.
func (p *BoundedPool) pruneLocked() {
	live := p.entries[:0]
	for _, e := range p.entries {
		if e.Value() != nil {
			live = append(live, e)
		}
	}
	clear(p.entries[len(live):])
	p.entries = live
}

var (
	direct = sync.OnceValue(func() *BoundedPool {
		return New(DefaultPoolSize,
			func() *Buffer { return NewBuffer(DefaultBufferSize, true) },
			func(b *Buffer) bool { return b.Direct() && b.Cap() == DefaultBufferSize },
		)
	})
	heap = sync.OnceValue(func() *BoundedPool {
		return NewFake(DefaultBufferSize)
	})
)

// Direct returns the process-wide recycling pool.
func Direct() *BoundedPool {
	return direct()
}

// Heap returns the process-wide non-recycling pool, used when buffer reuse is
// not wanted.
func Heap() *BoundedPool {
	return heap()
}
