package theatre

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"time"
)

// BinaryCodec is the default payload codec.
//
// Batch layout: [4-byte count] then, per message:
//
//	[1-byte type tag]
//	[1-byte kind][1-byte state][1-byte flags][8-byte timeout ms]
//	[4-byte process id][4 × 4-byte counters]
//	[2-byte len][from][2-byte len][to]
//	flags&hasHeaders: [2-byte count] ([2-byte len][key][4-byte len][value]) × count
//	flags&hasError:   [4-byte len][2-byte len][type][4-byte len][message]
//	[1-byte value tag][value]
//
// Values use a closed set of inline tags; anything else is gob encoded and
// carried as a length-prefixed nested object.
type BinaryCodec struct{}

const binaryCodecKey = "bin"

func (BinaryCodec) Key() string { return binaryCodecKey }

// Message type tags.
const (
	msgTagWire byte = 1
)

// Message flag bits.
const (
	flagHeaders byte = 1 << 0
	flagError   byte = 1 << 1
)

// Value type tags for the payload union.
const (
	bodyNil     byte = 0
	bodyString  byte = 1
	bodyInt     byte = 2
	bodyInt64   byte = 3
	bodyFloat64 byte = 4
	bodyBool    byte = 5
	bodyBytes   byte = 6
	bodyGob     byte = 7
	bodyTime    byte = 8
	bodyUint64  byte = 9
)

var errShortData = errors.New("short data")

// --- encode ---

func (BinaryCodec) Encode(batch []*WireMessage) ([]byte, error) {
	var buf bytes.Buffer
	putU32(&buf, uint32(len(batch)))
	for i, msg := range batch {
		if err := encodeWireMessage(&buf, msg); err != nil {
			return nil, fmt.Errorf("bin encode message %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func encodeWireMessage(buf *bytes.Buffer, msg *WireMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	var flags byte
	if len(msg.Headers) > 0 {
		flags |= flagHeaders
	}
	if msg.Err != nil {
		flags |= flagError
	}

	buf.WriteByte(msgTagWire)
	buf.WriteByte(byte(msg.Kind))
	buf.WriteByte(byte(msg.State))
	buf.WriteByte(flags)
	putI64(buf, msg.Timeout.Milliseconds())
	putU32(buf, msg.ID.ProcessID)
	for _, p := range msg.ID.Parts {
		putU32(buf, p)
	}
	if err := putStr(buf, string(msg.From)); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if err := putStr(buf, string(msg.To)); err != nil {
		return fmt.Errorf("to: %w", err)
	}

	if flags&flagHeaders != 0 {
		if len(msg.Headers) > math.MaxUint16 {
			return fmt.Errorf("too many headers (%d)", len(msg.Headers))
		}
		putU16(buf, uint16(len(msg.Headers)))
		for k, v := range msg.Headers {
			if err := putStr(buf, k); err != nil {
				return fmt.Errorf("header key: %w", err)
			}
			putStr32(buf, v)
		}
	}

	if flags&flagError != 0 {
		lenPos := buf.Len()
		putU32(buf, 0)
		start := buf.Len()
		if err := putStr(buf, msg.Err.Type); err != nil {
			return fmt.Errorf("error type: %w", err)
		}
		putStr32(buf, msg.Err.Message)
		binary.BigEndian.PutUint32(buf.Bytes()[lenPos:], uint32(buf.Len()-start))
	}

	return putBody(buf, msg.Payload)
}

func putU16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func putU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func putI64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

func putStr(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string too long (%d bytes)", len(s))
	}
	putU16(buf, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func putStr32(buf *bytes.Buffer, s string) {
	putU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func putBody(buf *bytes.Buffer, body interface{}) error {
	switch v := body.(type) {
	case nil:
		buf.WriteByte(bodyNil)
	case string:
		buf.WriteByte(bodyString)
		putStr32(buf, v)
	case int:
		buf.WriteByte(bodyInt)
		putI64(buf, int64(v))
	case int64:
		buf.WriteByte(bodyInt64)
		putI64(buf, v)
	case uint64:
		buf.WriteByte(bodyUint64)
		putI64(buf, int64(v))
	case float64:
		buf.WriteByte(bodyFloat64)
		putI64(buf, int64(math.Float64bits(v)))
	case bool:
		buf.WriteByte(bodyBool)
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case []byte:
		buf.WriteByte(bodyBytes)
		putU32(buf, uint32(len(v)))
		buf.Write(v)
	case time.Time:
		buf.WriteByte(bodyTime)
		putI64(buf, v.UnixNano())
	default:
		// Nested object fallback for user-defined types.
		buf.WriteByte(bodyGob)
		lenPos := buf.Len()
		putU32(buf, 0)
		start := buf.Len()
		if err := gob.NewEncoder(buf).Encode(&body); err != nil {
			return fmt.Errorf("body gob encode: %w", err)
		}
		binary.BigEndian.PutUint32(buf.Bytes()[lenPos:], uint32(buf.Len()-start))
	}
	return nil
}

// --- decode ---

func (BinaryCodec) Decode(data []byte) ([]*WireMessage, error) {
	count, off, err := getU32(data, 0)
	if err != nil {
		return nil, fmt.Errorf("bin decode count: %w", err)
	}
	// every message needs at least its fixed-width prefix
	if int(count) > len(data)/minEncodedMessage {
		return nil, fmt.Errorf("bin decode: count %d exceeds data", count)
	}
	batch := make([]*WireMessage, 0, count)
	for i := 0; i < int(count); i++ {
		var msg *WireMessage
		if msg, off, err = decodeWireMessage(data, off); err != nil {
			return nil, fmt.Errorf("bin decode message %d: %w", i, err)
		}
		batch = append(batch, msg)
	}
	if off != len(data) {
		return nil, fmt.Errorf("bin decode: %d trailing bytes", len(data)-off)
	}
	return batch, nil
}

// minEncodedMessage is the smallest possible encoded message: tag, kind,
// state, flags, timeout, id, two empty addresses and a nil body.
const minEncodedMessage = 1 + 1 + 1 + 1 + 8 + 4 + 16 + 2 + 2 + 1

func decodeWireMessage(data []byte, off int) (*WireMessage, int, error) {
	if off+4 > len(data) {
		return nil, off, errShortData
	}
	if data[off] != msgTagWire {
		return nil, off, fmt.Errorf("unknown message tag %d", data[off])
	}
	msg := &WireMessage{
		Kind:  MessageKind(data[off+1]),
		State: MessageState(data[off+2]),
	}
	flags := data[off+3]
	off += 4

	var (
		ms  int64
		s   string
		err error
	)
	if ms, off, err = getI64(data, off); err != nil {
		return nil, off, err
	}
	msg.Timeout = time.Duration(ms) * time.Millisecond
	if msg.ID.ProcessID, off, err = getU32(data, off); err != nil {
		return nil, off, err
	}
	for i := range msg.ID.Parts {
		if msg.ID.Parts[i], off, err = getU32(data, off); err != nil {
			return nil, off, err
		}
	}
	if s, off, err = getStr(data, off); err != nil {
		return nil, off, err
	}
	msg.From = Address(s)
	if s, off, err = getStr(data, off); err != nil {
		return nil, off, err
	}
	msg.To = Address(s)

	if flags&flagHeaders != 0 {
		if off+2 > len(data) {
			return nil, off, errShortData
		}
		n := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		msg.Headers = make(map[string]string, n)
		for i := 0; i < n; i++ {
			var k, v string
			if k, off, err = getStr(data, off); err != nil {
				return nil, off, err
			}
			if v, off, err = getStr32(data, off); err != nil {
				return nil, off, err
			}
			msg.Headers[k] = v
		}
	}

	if flags&flagError != 0 {
		var n uint32
		if n, off, err = getU32(data, off); err != nil {
			return nil, off, err
		}
		end := off + int(n)
		if end > len(data) || end < off {
			return nil, off, errShortData
		}
		re := &RemoteError{}
		sub := data[:end]
		if re.Type, off, err = getStr(sub, off); err != nil {
			return nil, off, err
		}
		if re.Message, off, err = getStr32(sub, off); err != nil {
			return nil, off, err
		}
		if off != end {
			return nil, off, fmt.Errorf("error block length mismatch")
		}
		msg.Err = re
	}

	if msg.Payload, off, err = getBody(data, off); err != nil {
		return nil, off, err
	}
	if err := msg.Validate(); err != nil {
		return nil, off, err
	}
	return msg, off, nil
}

func getU32(data []byte, off int) (uint32, int, error) {
	if off+4 > len(data) {
		return 0, off, errShortData
	}
	return binary.BigEndian.Uint32(data[off:]), off + 4, nil
}

func getI64(data []byte, off int) (int64, int, error) {
	if off+8 > len(data) {
		return 0, off, errShortData
	}
	return int64(binary.BigEndian.Uint64(data[off:])), off + 8, nil
}

func getStr(data []byte, off int) (string, int, error) {
	if off+2 > len(data) {
		return "", off, fmt.Errorf("%w for string length", errShortData)
	}
	n := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if off+n > len(data) {
		return "", off, fmt.Errorf("%w for string", errShortData)
	}
	return string(data[off : off+n]), off + n, nil
}

func getStr32(data []byte, off int) (string, int, error) {
	n, off, err := getU32(data, off)
	if err != nil {
		return "", off, err
	}
	end := off + int(n)
	if end > len(data) || end < off {
		return "", off, fmt.Errorf("%w for string", errShortData)
	}
	return string(data[off:end]), end, nil
}

func getBody(data []byte, off int) (interface{}, int, error) {
	if off >= len(data) {
		return nil, off, fmt.Errorf("%w for body tag", errShortData)
	}
	tag := data[off]
	off++
	switch tag {
	case bodyNil:
		return nil, off, nil
	case bodyString:
		return getStr32(data, off)
	case bodyInt:
		v, newOff, err := getI64(data, off)
		return int(v), newOff, err
	case bodyInt64:
		return getI64(data, off)
	case bodyUint64:
		v, newOff, err := getI64(data, off)
		return uint64(v), newOff, err
	case bodyFloat64:
		v, newOff, err := getI64(data, off)
		return math.Float64frombits(uint64(v)), newOff, err
	case bodyBool:
		if off >= len(data) {
			return nil, off, fmt.Errorf("%w for bool", errShortData)
		}
		return data[off] != 0, off + 1, nil
	case bodyBytes:
		n, off, err := getU32(data, off)
		if err != nil {
			return nil, off, err
		}
		end := off + int(n)
		if end > len(data) || end < off {
			return nil, off, fmt.Errorf("%w for bytes body", errShortData)
		}
		b := make([]byte, n)
		copy(b, data[off:end])
		return b, end, nil
	case bodyTime:
		v, newOff, err := getI64(data, off)
		return time.Unix(0, v), newOff, err
	case bodyGob:
		n, off, err := getU32(data, off)
		if err != nil {
			return nil, off, err
		}
		end := off + int(n)
		if end > len(data) || end < off {
			return nil, off, fmt.Errorf("%w for gob body", errShortData)
		}
		var body interface{}
		if err := gob.NewDecoder(bytes.NewReader(data[off:end])).Decode(&body); err != nil {
			return nil, end, fmt.Errorf("body gob decode: %w", err)
		}
		return body, end, nil
	default:
		return nil, off, fmt.Errorf("unknown body tag %d", tag)
	}
}
