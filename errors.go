package theatre

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrProtocol marks violations of the wire protocol. They are fatal to
	// the connection they occur on.
	ErrProtocol = errors.New("theatre: protocol error")

	// ErrTransport marks socket failures. They fail the in-flight batch
	// and count against the session's circuit breaker.
	ErrTransport = errors.New("theatre: transport error")

	ErrNeedMoreData      = errors.New("theatre: need more data")
	ErrBadSignByte       = fmt.Errorf("%w: bad sign byte", ErrProtocol)
	ErrFrameTooLarge     = errors.New("theatre: frame exceeds max frame size")
	ErrProtocolVersion   = fmt.Errorf("%w: incompatible protocol version", ErrProtocol)
	ErrConnectionClosed  = fmt.Errorf("%w: connection closed", ErrTransport)
	ErrProcessorClosed   = errors.New("theatre: processor closed")
	ErrRequestTimeout    = errors.New("theatre: request timeout")
	ErrRequestCanceled   = errors.New("theatre: request canceled")
	ErrBreakerOpen       = errors.New("theatre: circuit breaker open")
	ErrSessionClosed     = errors.New("theatre: session closed")
	ErrServerClosed      = errors.New("theatre: server closed")
	ErrUnknownNamespace  = errors.New("theatre: unknown namespace")
	ErrUnregisteredActor = errors.New("theatre: unregistered actor type")
	ErrHostDraining      = errors.New("theatre: host is draining")
)

// IsProtocolError reports whether err should close the connection it came
// from.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrBadSignByte)
}

// IsTransportError reports whether err is a socket-level failure.
func IsTransportError(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// transportError wraps a socket failure so errors.Is(err, ErrTransport)
// holds while the cause stays reachable.
func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// joinCause wraps base with the cause that triggered it, keeping both
// reachable through errors.Is.
func joinCause(base, cause error) error {
	if cause == nil || errors.Is(cause, base) {
		return base
	}
	return fmt.Errorf("%w: %w", base, cause)
}

// panicError converts a recovered panic value into an error.
func panicError(r any) error {
	if e, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", e)
	}
	return fmt.Errorf("panic: %v", r)
}
