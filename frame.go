package theatre

import (
	"encoding/binary"
	"fmt"
)

// Frame layout (big endian):
//
//	[1-byte sign 0xA7]
//	[4-byte origin process id]
//	[4-byte batch id]
//	[8-byte codec key, NUL padded / truncated]
//	[4-byte payload length]
//	[payload: codec-serialized batch]
//
// A frame is self-delimiting, so a decoder can sit on a stream of partial
// reads: it reports ErrNeedMoreData until a whole frame is buffered and
// never consumes a partial one.
const (
	frameSign       byte = 0xA7
	frameHeaderSize      = 1 + 4 + 4 + CodecKeySize + 4

	// DefaultMaxFrameSize bounds a frame's payload.
	DefaultMaxFrameSize = 16 << 20 // 16 MB
)

// Batch is one or more messages sent under a single frame header.
type Batch struct {
	OriginProcessID uint32
	BatchID         uint32
	CodecKey        string
	Messages        []*WireMessage
}

// FrameCodec turns batches into frames and back.
type FrameCodec struct {
	codecs       *CodecRegistry
	maxFrameSize int
	scratch      *Pool[[]byte]
}

// NewFrameCodec returns a frame codec resolving payload codecs through
// codecs. maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewFrameCodec(codecs *CodecRegistry, maxFrameSize int) *FrameCodec {
	if codecs == nil {
		codecs = NewCodecRegistry()
	}
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &FrameCodec{
		codecs:       codecs,
		maxFrameSize: maxFrameSize,
		scratch: NewPool(64,
			func() []byte { return make([]byte, 0, 4096) },
			func(b []byte) ([]byte, bool) {
				// don't let one huge frame pin memory in the pool
				return b[:0], cap(b) <= 1<<20
			}),
	}
}

func (fc *FrameCodec) MaxFrameSize() int { return fc.maxFrameSize }

func (fc *FrameCodec) Codecs() *CodecRegistry { return fc.codecs }

// Encode appends the frame for b to dst. Nothing is written when the
// batch cannot be encoded or its payload exceeds the max frame size.
func (fc *FrameCodec) Encode(dst *SegmentedBuffer, b Batch) error {
	codec, err := fc.codecs.Lookup(b.CodecKey)
	if err != nil {
		return fmt.Errorf("frame encode: %w", err)
	}
	payload, err := codec.Encode(b.Messages)
	if err != nil {
		return fmt.Errorf("frame encode: %w", err)
	}
	if len(payload) > fc.maxFrameSize {
		return fmt.Errorf("%w (%d > %d bytes)", ErrFrameTooLarge, len(payload), fc.maxFrameSize)
	}

	var hdr [frameHeaderSize]byte
	hdr[0] = frameSign
	binary.BigEndian.PutUint32(hdr[1:5], b.OriginProcessID)
	binary.BigEndian.PutUint32(hdr[5:9], b.BatchID)
	copy(hdr[9:9+CodecKeySize], b.CodecKey)
	binary.BigEndian.PutUint32(hdr[9+CodecKeySize:], uint32(len(payload)))

	dst.Write(hdr[:])
	dst.Write(payload)
	return nil
}

// Decode reads the next frame at the read cursor of src.
//
// It returns ErrNeedMoreData, leaving src untouched, until a complete frame
// is buffered. Errors matching ErrProtocol are fatal for the stream. On
// success the read cursor advances by exactly the frame's size.
func (fc *FrameCodec) Decode(src *SegmentedBuffer) (Batch, error) {
	if src.Unread() < frameHeaderSize {
		return Batch{}, ErrNeedMoreData
	}

	var hdr [frameHeaderSize]byte
	src.Peek(hdr[:], 0)
	if hdr[0] != frameSign {
		return Batch{}, fmt.Errorf("%w: got 0x%02x", ErrBadSignByte, hdr[0])
	}

	n := int(binary.BigEndian.Uint32(hdr[9+CodecKeySize:]))
	if n < 0 || n > fc.maxFrameSize {
		return Batch{}, fmt.Errorf("%w: %w (%d bytes)", ErrProtocol, ErrFrameTooLarge, n)
	}
	if src.Unread() < frameHeaderSize+n {
		return Batch{}, ErrNeedMoreData
	}

	b := Batch{
		OriginProcessID: binary.BigEndian.Uint32(hdr[1:5]),
		BatchID:         binary.BigEndian.Uint32(hdr[5:9]),
		CodecKey:        normalizeCodecKey(string(hdr[9 : 9+CodecKeySize])),
	}
	codec, err := fc.codecs.Lookup(b.CodecKey)
	if err != nil {
		return Batch{}, err
	}

	payload := fc.scratch.Acquire()
	if cap(payload) < n {
		payload = make([]byte, n)
	}
	payload = payload[:n]
	src.Peek(payload, frameHeaderSize)

	b.Messages, err = codec.Decode(payload)
	fc.scratch.Release(payload)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	src.Skip(frameHeaderSize + n)
	return b, nil
}
