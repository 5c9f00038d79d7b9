// Package pool provides typed wrappers around sync.Pool that report
// allocations through the metrics package.
package pool

import (
	"sync"

	"github.com/linchenxuan/openplay/metrics"
)

// Pool is a typed sync.Pool that counts the objects it had to allocate.
type Pool[T any] struct {
	Name string
	pool sync.Pool
}

// NewPool creates an instrumented pool. newFunc is called when the pool is
// empty; every such call increments NamePoolCreateTotal for name.
func NewPool[T any](name string, newFunc func() T) *Pool[T] {
	p := &Pool[T]{Name: name}
	p.pool.New = func() any {
		metrics.IncrCounterWithDimGroup(metrics.NamePoolCreateTotal, metrics.GroupOpenPlay, 1, metrics.Dimension{
			metrics.DimPoolName: name,
		})
		return newFunc()
	}
	return p
}

// Get retrieves an item, allocating one if the pool is empty.
func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns x to the pool.
func (p *Pool[T]) Put(x T) {
	p.pool.Put(x)
}

// BufferPool hands out byte slices of at least a fixed capacity. Slices grown
// beyond max are dropped on Put instead of being kept alive by the pool.
type BufferPool struct {
	p    *Pool[*[]byte]
	size int
	max  int
}

// NewBufferPool creates a pool of buffers with capacity size. Buffers whose
// capacity exceeds max are not recycled; max <= 0 means 4*size.
func NewBufferPool(name string, size, max int) *BufferPool {
	if max <= 0 {
		max = 4 * size
	}
	return &BufferPool{
		p: NewPool(name, func() *[]byte {
			b := make([]byte, 0, size)
			return &b
		}),
		size: size,
		max:  max,
	}
}

// Get returns a zero length buffer with capacity of at least n.
func (b *BufferPool) Get(n int) []byte {
	buf := *b.p.Get()
	if cap(buf) < n {
		return make([]byte, 0, n)
	}
	return buf[:0]
}

// Put recycles buf.
func (b *BufferPool) Put(buf []byte) {
	if cap(buf) > b.max || cap(buf) < b.size {
		return
	}
	buf = buf[:0]
	b.p.Put(&buf)
}
