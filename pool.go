package theatre

import (
	"sync/atomic"
)

// DefaultChunkSize is the size of every chunk handed out by a BufferPool
// created with NewBufferPool(0, 0).
const DefaultChunkSize = 16 << 10

// DefaultPoolCapacity is the soft capacity of pools created with a
// non-positive capacity.
const DefaultPoolCapacity = 1024

// Pool is a bounded pool of reusable scratch objects.
//
// Acquire never blocks: an empty pool constructs a fresh value. Release
// stores the value back unless the pool already holds capacity values, in
// which case the value is simply dropped for the GC.
type Pool[T any] struct {
	free  *RingBuffer[T]
	newFn func() T
	reset func(T) (T, bool)

	allocated atomic.Int64
	reused    atomic.Int64
	dropped   atomic.Int64
}

// NewPool returns a pool holding at most capacity idle values. reset is
// optional; it prepares a released value for reuse and may reject it by
// returning false.
func NewPool[T any](capacity int, newFn func() T, reset func(T) (T, bool)) *Pool[T] {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	return &Pool[T]{
		free:  NewRingBuffer[T](capacity),
		newFn: newFn,
		reset: reset,
	}
}

func (p *Pool[T]) Acquire() T {
	if v, ok := p.free.Read(); ok {
		p.reused.Add(1)
		return v
	}
	p.allocated.Add(1)
	return p.newFn()
}

func (p *Pool[T]) Release(v T) {
	if p.reset != nil {
		var ok bool
		if v, ok = p.reset(v); !ok {
			p.dropped.Add(1)
			return
		}
	}
	if err := p.free.Write(v); err != nil {
		p.dropped.Add(1)
	}
}

// Idle returns the number of values currently held by the pool.
func (p *Pool[T]) Idle() int { return p.free.Len() }

func (p *Pool[T]) Allocated() int64 { return p.allocated.Load() }
func (p *Pool[T]) Reused() int64    { return p.reused.Load() }
func (p *Pool[T]) Dropped() int64   { return p.dropped.Load() }

// BufferPool hands out fixed-size byte chunks. Slices whose capacity does
// not match the chunk size are never pooled.
type BufferPool struct {
	*Pool[[]byte]
	size int
}

// NewBufferPool returns a pool of chunkSize-byte chunks with the given soft
// capacity. Non-positive arguments select the defaults.
func NewBufferPool(chunkSize, capacity int) *BufferPool {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	bp := &BufferPool{size: chunkSize}
	bp.Pool = NewPool(capacity,
		func() []byte { return make([]byte, chunkSize) },
		func(b []byte) ([]byte, bool) {
			if cap(b) != chunkSize {
				return nil, false
			}
			return b[:chunkSize], true
		})
	return bp
}

// ChunkSize returns the length of every chunk returned by Acquire.
func (bp *BufferPool) ChunkSize() int { return bp.size }
