package theatre

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// GobCodec encodes a whole batch with encoding/gob. It is slower and
// larger than BinaryCodec but accepts any registered payload type without
// the nested-object indirection.
type GobCodec struct{}

const gobCodecKey = "gob"

func (GobCodec) Key() string { return gobCodecKey }

func (GobCodec) Encode(batch []*WireMessage) ([]byte, error) {
	for i, msg := range batch {
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("gob encode message %d: %w", i, err)
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(batch); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte) ([]*WireMessage, error) {
	var batch []*WireMessage
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&batch); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	for i, msg := range batch {
		if msg == nil {
			return nil, fmt.Errorf("gob decode: nil message %d", i)
		}
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("gob decode message %d: %w", i, err)
		}
	}
	return batch, nil
}
