package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// GenericPool is a generic wrapper around sync.Pool
type GenericPool[T any] struct {
	pool sync.Pool
}

// NewGenericPool creates a new GenericPool with a function to create new items.
func NewGenericPool[T any](newItem func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return newItem()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an item to the pool.
func (p *GenericPool[T]) Put(item T) {
	p.pool.Put(item)
}

// DefaultScratchBufferSize is the initial capacity of pooled buffers. It fits
// the serialized state of a typical entity without growing.
const DefaultScratchBufferSize = 4 * 1024

// maxPooledBufferSize keeps one oversized transaction from pinning its
// buffer in the pool forever.
const maxPooledBufferSize = 1 << 20

// BufferPool hands out scratch buffers for entity serialization and compression.
var BufferPool = NewBufferPool(DefaultScratchBufferSize)

type bufferPool struct {
	pool *GenericPool[*bytes.Buffer]

	hits    atomic.Uint64
	created atomic.Uint64
	dropped atomic.Uint64
}

// NewBufferPool creates a new buffer pool whose buffers start with the given capacity.
func NewBufferPool(initialCapacity int) *bufferPool {
	bp := &bufferPool{}
	bp.pool = NewGenericPool(func() *bytes.Buffer {
		bp.created.Add(1)
		return bytes.NewBuffer(make([]byte, 0, initialCapacity))
	})
	return bp
}

// Get retrieves an empty buffer from the pool.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.hits.Add(1)
	return bp.pool.Get()
}

// Put resets buf and returns it to the pool.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBufferSize {
		bp.dropped.Add(1)
		return
	}
	buf.Reset()
	bp.pool.Put(buf)
}

// GetMetrics returns the current metrics for the pool.
func (bp *bufferPool) GetMetrics() (gets, created, dropped uint64) {
	return bp.hits.Load(), bp.created.Load(), bp.dropped.Load()
}
