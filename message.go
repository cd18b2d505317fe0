package theatre

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageKind tells the receiver what a WireMessage expects.
type MessageKind uint8

const (
	// KindDefault is a fire-and-forget delivery.
	KindDefault MessageKind = iota
	// KindFutureCall expects exactly one KindFutureResponse or
	// KindFutureError carrying the same correlation id.
	KindFutureCall
	KindFutureResponse
	KindFutureError
)

func (k MessageKind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case KindFutureCall:
		return "future-call"
	case KindFutureResponse:
		return "future-response"
	case KindFutureError:
		return "future-error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MessageState is a bitmask describing how a future call ended.
type MessageState uint8

const (
	StateEmpty     MessageState = 0
	StateCanceled  MessageState = 1 << 0
	StateCompleted MessageState = 1 << 1
	StateFaulted   MessageState = 1 << 2
)

func (s MessageState) Has(flag MessageState) bool { return s&flag != 0 }

func (s MessageState) String() string {
	if s == StateEmpty {
		return "empty"
	}
	var parts []string
	if s.Has(StateCanceled) {
		parts = append(parts, "canceled")
	}
	if s.Has(StateCompleted) {
		parts = append(parts, "completed")
	}
	if s.Has(StateFaulted) {
		parts = append(parts, "faulted")
	}
	if rest := s &^ (StateCanceled | StateCompleted | StateFaulted); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// RemoteError is an application failure carried across the wire.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// NewRemoteError captures err for transmission. A *RemoteError is
// returned unchanged.
func NewRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteError{Type: fmt.Sprintf("%T", err), Message: err.Error()}
}

// WireMessage is the unit carried inside a frame.
//
// Kind decides which of Payload and Err is meaningful: KindFutureError
// always carries Err; the other kinds carry Payload.
type WireMessage struct {
	From    Address
	To      Address
	ID      CorrelationID
	Kind    MessageKind
	State   MessageState
	Timeout time.Duration
	Headers map[string]string
	Err     *RemoteError
	Payload any
}

var ErrInvalidMessage = errors.New("theatre: invalid message")

// Validate checks the kind/payload invariant.
func (m *WireMessage) Validate() error {
	if m.Kind > KindFutureError {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, m.Kind)
	}
	if m.Kind == KindFutureError && m.Err == nil {
		return fmt.Errorf("%w: future error without error", ErrInvalidMessage)
	}
	if m.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidMessage)
	}
	return nil
}

// IsResponse reports whether the message resolves a pending future call.
func (m *WireMessage) IsResponse() bool {
	return m.Kind == KindFutureResponse || m.Kind == KindFutureError
}

// responseTo builds the response to a future call.
func responseTo(call *WireMessage, payload any, state MessageState, err error) *WireMessage {
	res := &WireMessage{
		From:  call.To,
		To:    call.From,
		ID:    call.ID,
		Kind:  KindFutureResponse,
		State: state,
	}
	if err != nil {
		res.Kind = KindFutureError
		res.Err = NewRemoteError(err)
		if state == StateEmpty {
			res.State = StateFaulted
		}
		return res
	}
	res.Payload = payload
	return res
}
