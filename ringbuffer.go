package theatre

import (
	"errors"
	"sync"
)

var (
	ErrRingBufferFull = errors.New("ring buffer is full")
)

// RingBuffer is a bounded FIFO guarded by a mutex. It backs the free
// lists of Pool, where a full ring means the released value is dropped.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	buf      []T
	readIdx  int
	writeIdx int
	len      int
}

func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{
		buf: make([]T, size),
	}
}

func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.len
}

func (r *RingBuffer[T]) Cap() int {
	return len(r.buf)
}

func (r *RingBuffer[T]) Write(val T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.len == len(r.buf) {
		return ErrRingBufferFull
	}

	r.buf[r.writeIdx] = val
	r.writeIdx = (r.writeIdx + 1) % len(r.buf)
	r.len++

	return nil
}

func (r *RingBuffer[T]) Read() (T, bool) {
	var zero T

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.len == 0 {
		return zero, false
	}

	v := r.buf[r.readIdx]
	// release the reference so pooled values are not pinned by the array
	r.buf[r.readIdx] = zero
	r.readIdx = (r.readIdx + 1) % len(r.buf)
	r.len--

	return v, true
}
