package theatre

import (
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CodecKeySize is the fixed width of the codec key in the frame header.
const CodecKeySize = 8

// PayloadCodec serializes a batch of messages into a frame payload.
// Implementations must be safe for concurrent use.
type PayloadCodec interface {
	// Key identifies the codec on the wire. Keys longer than CodecKeySize
	// are truncated in the frame header, so they must be unique within
	// their first CodecKeySize bytes.
	Key() string
	Encode(batch []*WireMessage) ([]byte, error)
	Decode(data []byte) ([]*WireMessage, error)
}

// CodecRegistry maps codec keys to codecs. Each runtime owns one; there
// is no package-level registry.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]PayloadCodec
}

// NewCodecRegistry returns a registry holding the binary and gob codecs.
func NewCodecRegistry() *CodecRegistry {
	r := &CodecRegistry{codecs: make(map[string]PayloadCodec)}
	r.Register(BinaryCodec{})
	r.Register(GobCodec{})
	return r
}

// Register adds or replaces the codec under its (normalized) key.
func (r *CodecRegistry) Register(c PayloadCodec) {
	r.mu.Lock()
	r.codecs[normalizeCodecKey(c.Key())] = c
	r.mu.Unlock()
}

// Lookup finds the codec for a key as it appears in a frame header.
func (r *CodecRegistry) Lookup(key string) (PayloadCodec, error) {
	r.mu.RLock()
	c, ok := r.codecs[normalizeCodecKey(key)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown codec %q", ErrProtocol, key)
	}
	return c, nil
}

// Keys returns the registered codec keys, sorted.
func (r *CodecRegistry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.codecs))
	for k := range r.codecs {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// normalizeCodecKey applies the header's truncation so that lookups by the
// full key and by the on-wire key agree.
func normalizeCodecKey(key string) string {
	if len(key) > CodecKeySize {
		key = key[:CodecKeySize]
	}
	for len(key) > 0 && key[len(key)-1] == 0 {
		key = key[:len(key)-1]
	}
	return key
}

func init() {
	// Register basic types for the nested gob path used when a payload
	// holds types the binary codec has no inline tag for.
	gob.Register("")
	gob.Register(0)
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register([]byte(nil))
	gob.Register(time.Time{})
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

// RegisterPayloadType registers a user-defined type so it can travel as a
// payload through the nested gob path (binary codec) or the gob codec.
// Must be called on both ends before such payloads are sent.
func RegisterPayloadType(value interface{}) {
	gob.Register(value)
}
