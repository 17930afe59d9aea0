// Package pool provides reusable read buffers for frame assembly.
//
// Every handler reads its connection in chunks; pooling the chunk buffers
// keeps the per-connection allocation flat under load regardless of how
// many connections the scheduler admits over time.
package pool

import (
	"sync"
)

const (
	// SmallBufferSize defines the size for small chunks (4KB)
	SmallBufferSize = 4 * 1024
	// MediumBufferSize defines the size for medium chunks (32KB)
	MediumBufferSize = 32 * 1024
	// LargeBufferSize defines the size for large chunks (256KB)
	LargeBufferSize = 256 * 1024
)

// BufferPool manages reusable buffers of different sizes to reduce allocations.
type BufferPool struct {
	small  *sync.Pool
	medium *sync.Pool
	large  *sync.Pool
}

func newTier(size int) *sync.Pool {
	return &sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}
}

// NewBufferPool creates a new buffer pool with the default tiers.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		small:  newTier(SmallBufferSize),
		medium: newTier(MediumBufferSize),
		large:  newTier(LargeBufferSize),
	}
}

// Get returns a buffer whose length is the tier size covering size.
// Requests above LargeBufferSize get a large buffer; callers read in chunks.
// The caller is responsible for calling Put to return the buffer.
func (bp *BufferPool) Get(size int) []byte {
	var tier *sync.Pool
	switch {
	case size <= SmallBufferSize:
		tier = bp.small
	case size <= MediumBufferSize:
		tier = bp.medium
	default:
		tier = bp.large
	}
	bufPtr := tier.Get().(*[]byte)
	return (*bufPtr)[:cap(*bufPtr)]
}

// Put returns a buffer to the tier matching its capacity.
// Buffers of any other capacity are dropped.
func (bp *BufferPool) Put(buf []byte) {
	buf = buf[:cap(buf)]
	switch cap(buf) {
	case SmallBufferSize:
		bp.small.Put(&buf)
	case MediumBufferSize:
		bp.medium.Put(&buf)
	case LargeBufferSize:
		bp.large.Put(&buf)
	}
}

var globalBufferPool = NewBufferPool()

// Get returns a buffer from the global pool for the specified size.
func Get(size int) []byte {
	return globalBufferPool.Get(size)
}

// Put returns a buffer to the global pool.
func Put(buf []byte) {
	globalBufferPool.Put(buf)
}
