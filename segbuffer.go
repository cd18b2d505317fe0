package theatre

import (
	"io"
)

// SegmentedBuffer is a grow-only byte buffer made of pooled fixed-size
// chunks, with a read cursor that may trail arbitrarily far behind the
// write position.
//
// Invariants:
//   - 0 <= readPos <= length
//   - logical byte i lives at chunks[(origin+i)/size][(origin+i)%size]
//   - origin < size whenever chunks is non-empty
//
// The same type backs the send path (accumulate frames, then WriteTo the
// socket) and the receive path (FillFrom the socket, decode incrementally,
// TrimLeft consumed frames). It is not safe for concurrent use; each
// Connection owns its buffers and touches them from one goroutine at a time.
type SegmentedBuffer struct {
	pool    *BufferPool
	chunks  [][]byte
	origin  int
	length  int
	readPos int
}

// NewSegmentedBuffer returns an empty buffer drawing chunks from pool.
// A nil pool gets a private pool with default sizing.
func NewSegmentedBuffer(pool *BufferPool) *SegmentedBuffer {
	if pool == nil {
		pool = NewBufferPool(0, 0)
	}
	return &SegmentedBuffer{pool: pool}
}

// Len returns the number of bytes written and not yet trimmed.
func (b *SegmentedBuffer) Len() int { return b.length }

// ReadPos returns the read cursor, relative to the trimmed origin.
func (b *SegmentedBuffer) ReadPos() int { return b.readPos }

// Unread returns the number of written bytes not yet read.
func (b *SegmentedBuffer) Unread() int { return b.length - b.readPos }

// Chunks returns the number of chunks currently held.
func (b *SegmentedBuffer) Chunks() int { return len(b.chunks) }

func (b *SegmentedBuffer) chunkSize() int { return b.pool.ChunkSize() }

// locate maps a logical position to a chunk index and offset.
func (b *SegmentedBuffer) locate(pos int) (int, int) {
	abs := b.origin + pos
	size := b.chunkSize()
	return abs / size, abs % size
}

// tail returns the writable remainder of the last chunk, acquiring a new
// chunk when the buffer is full.
func (b *SegmentedBuffer) tail() []byte {
	ci, off := b.locate(b.length)
	if ci == len(b.chunks) {
		b.chunks = append(b.chunks, b.pool.Acquire())
	}
	return b.chunks[ci][off:]
}

// Write appends p, acquiring chunks on demand. It never fails.
func (b *SegmentedBuffer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := copy(b.tail(), p)
		b.length += n
		written += n
		p = p[n:]
	}
	return written, nil
}

// WriteByte appends a single byte.
func (b *SegmentedBuffer) WriteByte(c byte) error {
	b.tail()[0] = c
	b.length++
	return nil
}

// copyAt copies bytes starting at logical position pos into p and returns
// the number of bytes copied.
func (b *SegmentedBuffer) copyAt(p []byte, pos int) int {
	n := 0
	size := b.chunkSize()
	for n < len(p) && pos < b.length {
		ci, off := b.locate(pos)
		end := size
		if rem := b.length - pos; off+rem < end {
			end = off + rem
		}
		c := copy(p[n:], b.chunks[ci][off:end])
		n += c
		pos += c
	}
	return n
}

// Read copies up to len(p) unread bytes into p and advances the read
// cursor. It returns fewer bytes only at the end of written data, and
// io.EOF when nothing is left to read.
func (b *SegmentedBuffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.readPos >= b.length {
		return 0, io.EOF
	}
	n := b.copyAt(p, b.readPos)
	b.readPos += n
	return n, nil
}

// Peek copies up to len(p) bytes starting off bytes past the read cursor
// without consuming them.
func (b *SegmentedBuffer) Peek(p []byte, off int) int {
	if off < 0 || b.readPos+off >= b.length {
		return 0
	}
	return b.copyAt(p, b.readPos+off)
}

// Skip advances the read cursor by up to n bytes and returns the number
// of bytes skipped.
func (b *SegmentedBuffer) Skip(n int) int {
	if n > b.Unread() {
		n = b.Unread()
	}
	if n < 0 {
		n = 0
	}
	b.readPos += n
	return n
}

// TrimLeft discards the first n bytes. Chunks that fall entirely before
// the new origin go back to the pool without copying; when a single chunk
// remains its live bytes are moved to offset 0. The read cursor moves back
// by n, clamped at zero.
func (b *SegmentedBuffer) TrimLeft(n int) {
	if n <= 0 {
		return
	}
	if n > b.length {
		n = b.length
	}

	b.origin += n
	b.length -= n
	b.readPos -= n
	if b.readPos < 0 {
		b.readPos = 0
	}

	size := b.chunkSize()
	drop := b.origin / size
	if b.length == 0 {
		drop = len(b.chunks)
	}
	if drop > len(b.chunks) {
		drop = len(b.chunks)
	}
	if drop > 0 {
		for _, c := range b.chunks[:drop] {
			b.pool.Release(c)
		}
		kept := copy(b.chunks, b.chunks[drop:])
		clear(b.chunks[kept:])
		b.chunks = b.chunks[:kept]
		b.origin -= drop * size
	}

	switch {
	case len(b.chunks) == 0:
		b.origin = 0
	case len(b.chunks) == 1 && b.origin > 0:
		copy(b.chunks[0], b.chunks[0][b.origin:b.origin+b.length])
		b.origin = 0
	}
}

// Compact trims everything behind the read cursor.
func (b *SegmentedBuffer) Compact() {
	b.TrimLeft(b.readPos)
}

// FillFrom performs a single Read from r directly into the free space of
// the tail chunk.
func (b *SegmentedBuffer) FillFrom(r io.Reader) (int, error) {
	n, err := r.Read(b.tail())
	if n > 0 {
		b.length += n
	}
	return n, err
}

// WriteTo writes all unread bytes to w chunk by chunk, advancing the read
// cursor past whatever was written.
func (b *SegmentedBuffer) WriteTo(w io.Writer) (int64, error) {
	var total int64
	size := b.chunkSize()
	for b.readPos < b.length {
		ci, off := b.locate(b.readPos)
		end := size
		if rem := b.length - b.readPos; off+rem < end {
			end = off + rem
		}
		n, err := w.Write(b.chunks[ci][off:end])
		b.readPos += n
		total += int64(n)
		if err != nil {
			return total, err
		}
		if n < end-off {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// Reset returns every chunk to the pool and empties the buffer. The buffer
// stays usable.
func (b *SegmentedBuffer) Reset() {
	for i, c := range b.chunks {
		b.pool.Release(c)
		b.chunks[i] = nil
	}
	b.chunks = b.chunks[:0]
	b.origin = 0
	b.length = 0
	b.readPos = 0
}

// Release is Reset under the name used at scope exit.
func (b *SegmentedBuffer) Release() {
	b.Reset()
}
