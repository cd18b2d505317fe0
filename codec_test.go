package theatre

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codecTestPayload struct {
	Name  string
	Count int
}

func init() {
	RegisterPayloadType(codecTestPayload{})
}

func sampleMessages() []*WireMessage {
	ids := NewIDGenerator(0xCAFE)
	return []*WireMessage{
		{From: "client:1", To: "echo:1", Kind: KindDefault, Payload: "hello"},
		{From: "client:1", To: "echo:2", ID: ids.Next(), Kind: KindFutureCall, Timeout: 2 * time.Second, Payload: int64(42)},
		{From: "echo:2", To: "client:1", ID: ids.Next(), Kind: KindFutureResponse, State: StateCompleted, Payload: []byte{1, 2, 3}},
		{From: "echo:3", To: "client:1", ID: ids.Next(), Kind: KindFutureError, State: StateFaulted,
			Err: &RemoteError{Type: "*errors.errorString", Message: "boom"}},
		{From: "a:b:c", To: "x:y", Kind: KindDefault, Headers: map[string]string{"trace": "abc", "tenant": strings.Repeat("t", 300)},
			Payload: codecTestPayload{Name: "nested", Count: 3}},
		{To: "t:1", Payload: time.Unix(1700000000, 123456789)},
		{To: "t:2", Payload: 3.25},
		{To: "t:3", Payload: true},
		{To: "t:4", Payload: uint64(1 << 63)},
		{To: "t:5", Payload: 7},
		{To: "t:6"},
	}
}

func TestBinaryCodec_RoundTrip(t *testing.T) {
	batch := sampleMessages()
	data, err := BinaryCodec{}.Encode(batch)
	require.NoError(t, err)

	got, err := BinaryCodec{}.Decode(data)
	require.NoError(t, err)
	if diff := cmp.Diff(batch, got); diff != "" {
		t.Fatalf("decoded batch mismatch (-want +got):\n%s", diff)
	}
}

func TestGobCodec_RoundTrip(t *testing.T) {
	batch := sampleMessages()
	data, err := GobCodec{}.Encode(batch)
	require.NoError(t, err)

	got, err := GobCodec{}.Decode(data)
	require.NoError(t, err)
	require.Len(t, got, len(batch))
	for i := range batch {
		assert.Equal(t, batch[i].To, got[i].To)
		assert.Equal(t, batch[i].Kind, got[i].Kind)
		assert.Equal(t, batch[i].ID, got[i].ID)
	}
	assert.Equal(t, "hello", got[0].Payload)
	assert.Equal(t, codecTestPayload{Name: "nested", Count: 3}, got[4].Payload)
}

func TestBinaryCodec_TimeoutMillisecondPrecision(t *testing.T) {
	batch := []*WireMessage{{To: "a:1", Kind: KindFutureCall, Timeout: 1500*time.Millisecond + 999*time.Microsecond}}
	data, err := BinaryCodec{}.Encode(batch)
	require.NoError(t, err)
	got, err := BinaryCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, got[0].Timeout)
}

func TestBinaryCodec_RejectsInvalidMessage(t *testing.T) {
	_, err := BinaryCodec{}.Encode([]*WireMessage{{To: "a:1", Kind: KindFutureError}})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = BinaryCodec{}.Encode([]*WireMessage{{To: "a:1", Kind: MessageKind(9)}})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestBinaryCodec_DecodeTruncated(t *testing.T) {
	data, err := BinaryCodec{}.Encode(sampleMessages())
	require.NoError(t, err)
	for _, n := range []int{0, 3, 10, len(data) / 2, len(data) - 1} {
		_, err := BinaryCodec{}.Decode(data[:n])
		assert.Error(t, err, "prefix of %d bytes", n)
	}
}

func TestBinaryCodec_DecodeTrailingBytes(t *testing.T) {
	data, err := BinaryCodec{}.Encode(sampleMessages()[:1])
	require.NoError(t, err)
	_, err = BinaryCodec{}.Decode(append(data, 0))
	assert.Error(t, err)
}

func TestBinaryCodec_UnregisteredPayloadFails(t *testing.T) {
	type unregistered struct{ C chan int }
	_, err := BinaryCodec{}.Encode([]*WireMessage{{To: "a:1", Payload: unregistered{}}})
	assert.Error(t, err)
}

func TestCodecRegistry_LookupAndTruncation(t *testing.T) {
	r := NewCodecRegistry()
	assert.Equal(t, []string{"bin", "gob"}, r.Keys())

	c, err := r.Lookup("bin")
	require.NoError(t, err)
	assert.Equal(t, "bin", c.Key())

	// header form: NUL padded to the key width
	c, err = r.Lookup("gob\x00\x00\x00\x00\x00")
	require.NoError(t, err)
	assert.Equal(t, "gob", c.Key())

	_, err = r.Lookup("nope")
	assert.True(t, errors.Is(err, ErrProtocol))
}

type longKeyCodec struct{ BinaryCodec }

func (longKeyCodec) Key() string { return "binary-v2-extended" }

func TestCodecRegistry_LongKeyMatchesHeaderForm(t *testing.T) {
	r := NewCodecRegistry()
	r.Register(longKeyCodec{})

	c, err := r.Lookup("binary-v2-extended")
	require.NoError(t, err)
	c2, err := r.Lookup("binary-v")
	require.NoError(t, err)
	assert.Equal(t, c, c2)
}

func TestIDGenerator_Cascade(t *testing.T) {
	g := NewIDGenerator(7)
	g.seed([4]uint32{^uint32(0), ^uint32(0), 0, 0})

	id := g.Next()
	assert.Equal(t, [4]uint32{0, 0, 1, 0}, id.Parts)
	assert.Equal(t, uint32(7), id.ProcessID)

	next := g.Next()
	assert.NotEqual(t, id, next)
	assert.Equal(t, [4]uint32{1, 0, 1, 0}, next.Parts)
}

func TestIDGenerator_Unique(t *testing.T) {
	g := NewIDGenerator(1)
	seen := make(map[CorrelationID]bool)
	for i := 0; i < 10_000; i++ {
		id := g.Next()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestMessageState_String(t *testing.T) {
	assert.Equal(t, "empty", StateEmpty.String())
	assert.Equal(t, "canceled|faulted", (StateCanceled | StateFaulted).String())
	assert.True(t, (StateCompleted | StateFaulted).Has(StateFaulted))
}

func TestAddress_Parse(t *testing.T) {
	ref, err := ParseAddress("orders:eu:42")
	require.NoError(t, err)
	assert.Equal(t, NewRef("orders", "eu:42"), ref)
	assert.Equal(t, "orders", Address("orders:eu:42").Namespace())
	assert.Equal(t, Address("orders:eu:42"), ref.Address())

	_, err = ParseAddress("no-colon")
	assert.Error(t, err)
	_, err = ParseAddress(":id")
	assert.Error(t, err)
}
