// Package pool provides reusable I/O buffers for file copies.
//
// sync.Pool caches allocated but unused objects for later reuse, relieving
// pressure on the garbage collector. Items are dropped on GC, which makes it a
// good fit for short-lived copy buffers.
package pool

import (
	"math/bits"
	"sync"
)

// MinBufferSize is the smallest buffer handed out. Tiny files still get a
// buffer of this size so the smallest bucket stays useful.
const MinBufferSize int64 = 4 * 1024

// CopyBuffers hands out byte slices sized to the file being copied, capped
// at the configured maximum. Buffers are bucketed by power of two so a
// buffer returned by one copy can serve any later copy of similar size.
type CopyBuffers struct {
	minExp  int
	maxExp  int
	buckets []sync.Pool
}

// NewCopyBuffers creates a pool whose largest buffer is maxSize rounded up
// to the next power of two (and never below MinBufferSize).
func NewCopyBuffers(maxSize int64) *CopyBuffers {
	minExp := bits.TrailingZeros64(uint64(MinBufferSize))
	maxExp := ceilExp(maxSize)
	if maxExp < minExp {
		maxExp = minExp
	}

	p := &CopyBuffers{
		minExp:  minExp,
		maxExp:  maxExp,
		buckets: make([]sync.Pool, maxExp+1),
	}
	for i := minExp; i <= maxExp; i++ {
		size := 1 << i
		p.buckets[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// MaxSize returns the capacity of the largest bucket.
func (p *CopyBuffers) MaxSize() int64 {
	return int64(1) << p.maxExp
}

// Get returns a buffer suitable for copying a file of fileSize bytes.
// The slice length always equals its capacity so it can be passed to
// io.CopyBuffer directly.
func (p *CopyBuffers) Get(fileSize int64) *[]byte {
	exp := ceilExp(fileSize)
	if exp < p.minExp {
		exp = p.minExp
	}
	if exp > p.maxExp {
		exp = p.maxExp
	}
	bufPtr := p.buckets[exp].Get().(*[]byte)
	*bufPtr = (*bufPtr)[:cap(*bufPtr)]
	return bufPtr
}

// Put returns a buffer to its bucket. Buffers that were not handed out by
// this pool (wrong size) are dropped.
func (p *CopyBuffers) Put(bufPtr *[]byte) {
	if bufPtr == nil {
		return
	}
	c := uint64(cap(*bufPtr))
	if c == 0 || c&(c-1) != 0 {
		return
	}
	exp := bits.TrailingZeros64(c)
	if exp < p.minExp || exp > p.maxExp {
		return
	}
	p.buckets[exp].Put(bufPtr)
}

// ceilExp returns the exponent of the smallest power of two >= n.
func ceilExp(n int64) int {
	if n <= 1 {
		return 0
	}
	return bits.Len64(uint64(n - 1))
}
