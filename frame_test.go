package theatre

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeFrames(t *testing.T, fc *FrameCodec, batches ...Batch) []byte {
	t.Helper()
	buf := NewSegmentedBuffer(NewBufferPool(64, 16))
	for _, b := range batches {
		require.NoError(t, fc.Encode(buf, b))
	}
	out := make([]byte, buf.Len())
	n, _ := buf.Read(out)
	return out[:n]
}

func TestFrameCodec_ByteAtATime(t *testing.T) {
	fc := NewFrameCodec(nil, 0)
	ids := NewIDGenerator(99)

	const k = 25
	var want []Batch
	for i := 0; i < k; i++ {
		key := "bin"
		if i%5 == 0 {
			key = "gob"
		}
		want = append(want, Batch{
			OriginProcessID: 99,
			BatchID:         uint32(i + 1),
			CodecKey:        key,
			Messages: []*WireMessage{
				{From: "c:1", To: Address(fmt.Sprintf("echo:%d", i)), ID: ids.Next(), Kind: KindFutureCall, Payload: fmt.Sprintf("ping %d", i)},
			},
		})
	}
	stream := encodeFrames(t, fc, want...)

	rx := NewSegmentedBuffer(NewBufferPool(7, 16))
	var got []Batch
	for _, c := range stream {
		rx.WriteByte(c)
		for {
			b, err := fc.Decode(rx)
			if err == ErrNeedMoreData {
				break
			}
			require.NoError(t, err)
			got = append(got, b)
			rx.TrimLeft(rx.ReadPos())
		}
	}

	require.Len(t, got, k)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("decoded frames mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, rx.Len())
}

func TestFrameCodec_NeedMoreDataLeavesBufferUntouched(t *testing.T) {
	fc := NewFrameCodec(nil, 0)
	stream := encodeFrames(t, fc, Batch{CodecKey: "bin", Messages: []*WireMessage{{To: "a:1", Payload: "x"}}})

	rx := NewSegmentedBuffer(nil)
	rx.Write(stream[:len(stream)-1])
	_, err := fc.Decode(rx)
	assert.ErrorIs(t, err, ErrNeedMoreData)
	assert.Equal(t, 0, rx.ReadPos())
	assert.Equal(t, len(stream)-1, rx.Len())

	rx.Write(stream[len(stream)-1:])
	b, err := fc.Decode(rx)
	require.NoError(t, err)
	assert.Equal(t, len(stream), rx.ReadPos())
	assert.Equal(t, "x", b.Messages[0].Payload)
}

func TestFrameCodec_BadSignByte(t *testing.T) {
	fc := NewFrameCodec(nil, 0)
	stream := encodeFrames(t, fc, Batch{CodecKey: "bin", Messages: []*WireMessage{{To: "a:1"}}})
	stream[0] = 0x00

	rx := NewSegmentedBuffer(nil)
	rx.Write(stream)
	_, err := fc.Decode(rx)
	assert.ErrorIs(t, err, ErrBadSignByte)
	assert.True(t, IsProtocolError(err))
}

func TestFrameCodec_OversizedPayload(t *testing.T) {
	fc := NewFrameCodec(nil, 64)
	buf := NewSegmentedBuffer(nil)
	err := fc.Encode(buf, Batch{CodecKey: "bin", Messages: []*WireMessage{{To: "a:1", Payload: make([]byte, 128)}}})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, 0, buf.Len(), "nothing written for a rejected batch")

	// a peer announcing a frame larger than we accept is a protocol error
	big := NewFrameCodec(nil, 0)
	stream := encodeFrames(t, big, Batch{CodecKey: "bin", Messages: []*WireMessage{{To: "a:1", Payload: make([]byte, 128)}}})
	rx := NewSegmentedBuffer(nil)
	rx.Write(stream[:frameHeaderSize])
	_, err = fc.Decode(rx)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.True(t, IsProtocolError(err))
}

func TestFrameCodec_UnknownCodec(t *testing.T) {
	fc := NewFrameCodec(nil, 0)
	err := fc.Encode(NewSegmentedBuffer(nil), Batch{CodecKey: "zzz"})
	assert.ErrorIs(t, err, ErrProtocol)

	stream := encodeFrames(t, fc, Batch{CodecKey: "bin", Messages: []*WireMessage{{To: "a:1"}}})
	copy(stream[9:17], "zzz\x00\x00\x00\x00\x00")
	rx := NewSegmentedBuffer(nil)
	rx.Write(stream)
	_, err = fc.Decode(rx)
	assert.True(t, IsProtocolError(err))
}

func TestFrameCodec_CorruptPayload(t *testing.T) {
	fc := NewFrameCodec(nil, 0)
	stream := encodeFrames(t, fc, Batch{CodecKey: "bin", Messages: []*WireMessage{{To: "a:1", Payload: "hello"}}})
	stream[frameHeaderSize+4] = 0xFF // message type tag

	rx := NewSegmentedBuffer(nil)
	rx.Write(stream)
	_, err := fc.Decode(rx)
	assert.True(t, IsProtocolError(err))
}
