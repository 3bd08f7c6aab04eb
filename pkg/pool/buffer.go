// Package pool caches copy buffers between backup tasks.
//
// Every detached backup task needs a buffer for the duration of one copy. The
// buffers are short-lived and all the same size, which is exactly what sync.Pool
// is good at: Get prefers a per-P cache, and anything left in the pool is
// released on the next garbage collection.
package pool

import (
	"fmt"
	"sync"
)

// FixedBufferPool hands out byte slices of one fixed size.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBuffer returns a pool of size-byte buffers. size must be positive.
func NewFixedBuffer(size int64) *FixedBufferPool {
	if size <= 0 {
		panic(fmt.Sprintf("buffer size %d must be positive", size))
	}
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

// Size returns the length of the buffers handed out by Get.
func (fp *FixedBufferPool) Size() int64 {
	return fp.size
}

func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

func (fp *FixedBufferPool) Put(b *[]byte) {
	// Only put it back if it's the right size.
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
