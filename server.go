package theatre

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Dispatcher delivers messages to locally hosted actors. Host implements
// it; a Server routes inbound messages to the Dispatcher bound to the
// target address's namespace.
type Dispatcher interface {
	// Tell delivers a fire-and-forget message.
	Tell(ctx context.Context, from, to Address, payload any, headers map[string]string) error
	// Ask delivers a future call. The returned future resolves with the
	// actor's reply, its failure, or cancellation.
	Ask(ctx context.Context, from, to Address, payload any, headers map[string]string, timeout time.Duration) (*Future, error)
}

// Server accepts connections on one TCP endpoint and routes inbound
// messages to bound dispatchers. Future calls are answered on the
// connection they arrived on.
//
// Invariants:
//   - Every accepted connection is handshaken before it is registered.
//   - A connection is removed from the registry exactly once, from its
//     OnClose notification.
//   - A future call gets at most one response: the dispatcher's outcome,
//     or a FutureError when dispatch fails up front.
type Server struct {
	cfg      serverConfig
	listener net.Listener

	mu       sync.RWMutex
	bindings map[string]Dispatcher
	fallback Dispatcher

	conns sync.Map // map[string]*Connection
	count atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped atomic.Bool
}

// NewServer listens on addr. Accepting starts with Start.
func NewServer(addr string, opts ...ServerOption) (*Server, error) {
	cfg := defaultServerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	cfg.fill()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server listen: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	return &Server{
		cfg:      cfg,
		listener: ln,
		bindings: make(map[string]Dispatcher),
		ctx:      ctx,
		cancel:   cancel,
		group:    g,
	}, nil
}

// Addr returns the listener's network address (useful when binding to ":0").
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Metrics returns the counters shared by the server's connections.
func (s *Server) Metrics() *Metrics { return s.cfg.metrics }

// Bind routes addresses in namespace to d. Binding "" or "*" installs a
// fallback for unbound namespaces.
func (s *Server) Bind(namespace string, d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if namespace == "" || namespace == "*" {
		s.fallback = d
		return
	}
	s.bindings[namespace] = d
}

// Unbind removes a namespace binding.
func (s *Server) Unbind(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, namespace)
}

func (s *Server) lookup(namespace string) (Dispatcher, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.bindings[namespace]; ok {
		return d, true
	}
	return s.fallback, s.fallback != nil
}

// Start begins accepting inbound connections. Non-blocking.
func (s *Server) Start() {
	s.group.Go(s.acceptLoop)
}

// Connections returns the number of registered connections.
func (s *Server) Connections() int { return int(s.count.Load()) }

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopped.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			slog.Error("server accept error", "error", err)
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			continue
		}
		s.group.Go(func() error {
			s.handleInbound(conn)
			return nil
		})
	}
}

// handleInbound handshakes and registers a new connection. Handshake
// failures are logged and the socket dropped; they never stop the server.
func (s *Server) handleInbound(raw net.Conn) {
	peer, err := handshakeInbound(raw, s.cfg.local(), s.cfg.handshakeTimeout)
	if err != nil {
		slog.Warn("server handshake failed", "remote", raw.RemoteAddr().String(), "error", err)
		raw.Close()
		return
	}

	conn := newConnection(raw, peer, s.handle, s.cfg.connConfig())
	s.conns.Store(conn.ID(), conn)
	s.count.Add(1)
	conn.OnClose(func(c *Connection, cause error) {
		if _, loaded := s.conns.LoadAndDelete(c.ID()); loaded {
			s.count.Add(-1)
		}
		slog.Info("server peer disconnected", "peer", c.Peer().Name, "conn", c.ID(), "reason", cause)
	})
	if s.stopped.Load() {
		conn.Close()
		return
	}
	conn.Start()
	slog.Info("server peer connected", "peer", peer.Name, "remote", raw.RemoteAddr().String(), "conn", conn.ID())
}

// handle routes one inbound message. Errors returned for future calls are
// turned into FutureError responses by the connection.
func (s *Server) handle(c *Connection, msg *WireMessage) error {
	d, ok := s.lookup(msg.To.Namespace())
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNamespace, msg.To.Namespace())
	}

	switch msg.Kind {
	case KindDefault:
		return d.Tell(s.ctx, msg.From, msg.To, msg.Payload, msg.Headers)

	case KindFutureCall:
		timeout := msg.Timeout
		if timeout <= 0 {
			timeout = s.cfg.askTimeout
		}
		f, err := d.Ask(s.ctx, msg.From, msg.To, msg.Payload, msg.Headers, timeout)
		if err != nil {
			return err
		}
		f.OnComplete(func(r Result) {
			s.reply(c, msg, r)
		})
		return nil

	default:
		// responses never reach a server-side connection legitimately
		return fmt.Errorf("%w: unexpected %s message", ErrProtocol, msg.Kind)
	}
}

// reply sends the outcome of a future call back on its connection.
func (s *Server) reply(c *Connection, call *WireMessage, r Result) {
	var res *WireMessage
	switch {
	case r.Err != nil && (r.State.Has(StateCanceled) || errors.Is(r.Err, ErrRequestCanceled) || errors.Is(r.Err, ErrRequestTimeout)):
		res = responseTo(call, nil, StateCanceled, r.Err)
	case r.Err != nil:
		res = responseTo(call, nil, StateFaulted, r.Err)
	default:
		res = responseTo(call, r.Payload, StateCompleted, nil)
	}
	if err := c.Send([]*WireMessage{res}, nil); err != nil {
		slog.Debug("server dropped reply", "conn", c.ID(), "to", call.From, "error", err)
	}
}

// Stop closes the listener and every connection, then waits for the
// accept loop and in-flight handshakes to exit. Idempotent.
func (s *Server) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.listener.Close()
	s.conns.Range(func(_, v any) bool {
		v.(*Connection).Close()
		return true
	})
	err := s.group.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
