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

	"github.com/flowchartsman/retry"
	"golang.org/x/sync/singleflight"
)

// outbound is a request queued on a ClientSession.
type outbound struct {
	msg      *WireMessage
	future   *Future // nil for Tell
	deadline time.Time
}

// ClientSession is one logical outbound connection to an endpoint. The
// socket is (re)established on demand through a circuit breaker;
// requests queue on the session's own Processor and go out one frame per
// drain cycle.
type ClientSession struct {
	endpoint string
	cfg      sessionConfig

	breaker    *CircuitBreaker
	correlator *RequestCorrelator
	queue      *Processor[*outbound]
	connect    singleflight.Group

	mu   sync.Mutex
	conn *Connection

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewClientSession returns a session for endpoint ("host:port"). No
// socket is opened until the first request or an explicit Connect.
func NewClientSession(endpoint string, opts ...SessionOption) *ClientSession {
	cfg := defaultSessionConfig()
	for _, o := range opts {
		o(&cfg)
	}
	cfg.fill()
	if cfg.connectRetries < 1 {
		cfg.connectRetries = 1
	}
	if cfg.clock == nil {
		cfg.clock = SystemClock
	}
	if cfg.breaker.Clock == nil {
		cfg.breaker.Clock = cfg.clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ClientSession{
		endpoint:   endpoint,
		cfg:        cfg,
		correlator: NewRequestCorrelator(cfg.clock),
		ctx:        ctx,
		cancel:     cancel,
	}

	onChange := cfg.breaker.OnStateChange
	bc := cfg.breaker
	bc.OnStateChange = func(from, to BreakerState) {
		if to == BreakerOpen {
			cfg.metrics.BreakerTrips.Add(1)
		}
		slog.Info("session breaker state changed", "endpoint", endpoint, "from", from.String(), "to", to.String())
		if onChange != nil {
			onChange(from, to)
		}
	}
	s.breaker = NewCircuitBreaker(bc)

	s.queue = NewProcessor(s.transmit,
		WithBudget(cfg.bulkSize),
		WithExecutor(cfg.executor),
		WithErrorHandler(func(err error) {
			slog.Error("session transmit failed", "endpoint", endpoint, "error", err)
		}))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.correlator.Run(ctx, cfg.sweepInterval, func(n int) {
			cfg.metrics.RequestsTimedOut.Add(int64(n))
		})
	}()
	return s
}

func (s *ClientSession) Endpoint() string             { return s.endpoint }
func (s *ClientSession) Breaker() *CircuitBreaker     { return s.breaker }
func (s *ClientSession) Correlator() *RequestCorrelator { return s.correlator }

// Pending returns the number of future calls awaiting a response.
func (s *ClientSession) Pending() int { return s.correlator.Len() }

func (s *ClientSession) current() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.conn.State() == ConnConnected {
		return s.conn
	}
	return nil
}

// Connect returns the session's connected socket, establishing it if
// needed. Concurrent callers share one attempt. Each attempt (dial and
// handshake) goes through the breaker; failed attempts back off and
// retry up to the configured count.
func (s *ClientSession) Connect(ctx context.Context) (*Connection, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if c := s.current(); c != nil {
		return c, nil
	}

	v, err, _ := s.connect.Do("connect", func() (any, error) {
		if c := s.current(); c != nil {
			return c, nil
		}
		return s.connectWithRetry(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

func (s *ClientSession) connectWithRetry(ctx context.Context) (*Connection, error) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		conn    *Connection
		lastErr error
	)
	attempt := func(ctx context.Context) error {
		// an open breaker ends the whole loop, not just this attempt
		if err := s.breaker.Allow(); err != nil {
			lastErr = err
			stop()
			return err
		}

		c, err := s.dial(ctx)
		if err != nil {
			lastErr = err
			s.breaker.Failure()
			if IsProtocolError(err) {
				// a version mismatch will not fix itself
				stop()
			}
			return err
		}
		s.breaker.Success()
		conn = c
		return nil
	}

	retrier := retry.NewRetrier(s.cfg.connectRetries, s.cfg.backoffMin, s.cfg.backoffMax)
	err := retrier.RunContext(ctx, attempt)
	if conn != nil {
		return conn, nil
	}
	if lastErr != nil {
		err = lastErr
	}
	return nil, fmt.Errorf("connect %s: %w", s.endpoint, err)
}

// dial opens and handshakes one socket and installs it as the current
// connection.
func (s *ClientSession) dial(ctx context.Context) (*Connection, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.dialTimeout)
	defer cancel()

	raw, err := s.cfg.dial(dctx, "tcp", s.endpoint)
	if err != nil {
		return nil, transportError("dial", err)
	}
	peer, err := handshakeOutbound(raw, s.cfg.local(), s.cfg.handshakeTimeout)
	if err != nil {
		raw.Close()
		return nil, err
	}

	conn := newConnection(raw, peer, s.receive, s.cfg.connConfig())
	conn.OnClose(s.connectionClosed)

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		conn.Close()
		return nil, ErrSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()

	conn.Start()
	slog.Info("session connected", "endpoint", s.endpoint, "peer", peer.Name, "conn", conn.ID())
	return conn, nil
}

// connectionClosed fails the calls written to the lost socket; calls on
// a replacement connection are unaffected.
func (s *ClientSession) connectionClosed(c *Connection, cause error) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()

	err := joinCause(ErrConnectionClosed, cause)
	if n := s.correlator.FailConnection(c.ID(), err); n > 0 {
		s.cfg.metrics.RequestsFailed.Add(int64(n))
		slog.Warn("session connection lost", "endpoint", s.endpoint, "failed_requests", n, "error", cause)
	}
	if IsTransportError(cause) && !errors.Is(cause, ErrConnectionClosed) {
		s.breaker.Failure()
	}
}

// receive handles inbound messages on the session's socket.
func (s *ClientSession) receive(c *Connection, msg *WireMessage) error {
	if msg.IsResponse() {
		if !s.correlator.Resolve(msg) {
			slog.Debug("session dropped late response", "endpoint", s.endpoint, "id", msg.ID.String())
		}
		return nil
	}
	if s.cfg.inbound != nil {
		return s.cfg.inbound(c, msg)
	}
	return fmt.Errorf("%w: %s", ErrUnknownNamespace, msg.To.Namespace())
}

// Tell queues a fire-and-forget message. A nil error means the message was
// accepted; later delivery failures are not reported.
func (s *ClientSession) Tell(ctx context.Context, from, to Address, payload any, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	msg := &WireMessage{From: from, To: to, Kind: KindDefault, Headers: headers, Payload: payload}
	if err := s.queue.Enqueue(&outbound{msg: msg}); err != nil {
		return ErrSessionClosed
	}
	return nil
}

// Ask queues a future call and returns its completion handle. timeout <= 0
// selects the session default. Canceling ctx before the response arrives
// cancels the call.
func (s *ClientSession) Ask(ctx context.Context, from, to Address, payload any, headers map[string]string, timeout time.Duration) (*Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if timeout <= 0 {
		timeout = s.cfg.requestTimeout
	}
	deadline := s.cfg.clock.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	f := newFuture()
	msg := &WireMessage{
		From:    from,
		To:      to,
		ID:      s.cfg.ids.Next(),
		Kind:    KindFutureCall,
		Timeout: timeout,
		Headers: headers,
		Payload: payload,
	}
	// registered before it is queued so the sweep times it out even while
	// the session is still dialing; transmit binds it to a socket
	s.correlator.Register(&PendingRequest{
		Message:     msg,
		Destination: to,
		ID:          msg.ID,
		Future:      f,
		Deadline:    deadline,
	})
	if err := s.queue.Enqueue(&outbound{msg: msg, future: f, deadline: deadline}); err != nil {
		s.correlator.Fail(msg.ID, ErrSessionClosed)
		return nil, ErrSessionClosed
	}
	s.cfg.metrics.RequestsTotal.Add(1)

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { f.Cancel(ctx.Err()) })
		f.OnComplete(func(Result) { stop() })
	}
	return f, nil
}

// Call is Ask followed by Wait.
func (s *ClientSession) Call(ctx context.Context, from, to Address, payload any, timeout time.Duration) (any, error) {
	f, err := s.Ask(ctx, from, to, payload, nil, timeout)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// transmit is the session's drain cycle: connect, drop calls that already
// ended, bind the rest to the socket and send the batch as one frame.
func (s *ClientSession) transmit(batch []*outbound) error {
	conn, err := s.Connect(s.ctx)
	if err != nil {
		s.failBatch(batch, err)
		return nil
	}

	now := s.cfg.clock.Now()
	msgs := make([]*WireMessage, 0, len(batch))
	live := make([]*outbound, 0, len(batch))
	for _, o := range batch {
		if o.future != nil {
			if !o.deadline.IsZero() && !now.Before(o.deadline) {
				if s.correlator.Cancel(o.msg.ID, ErrRequestTimeout) {
					s.cfg.metrics.RequestsTimedOut.Add(1)
				}
				continue
			}
			// the peer honours what is left of the caller's deadline
			o.msg.Timeout = o.deadline.Sub(now)
			if !s.correlator.Bind(o.msg.ID, conn.ID()) {
				continue
			}
		}
		msgs = append(msgs, o.msg)
		live = append(live, o)
	}
	if len(msgs) == 0 {
		return nil
	}

	// socket failures reach the breaker once, through connectionClosed
	done := func(err error) {
		if err != nil {
			s.failBatch(live, err)
		}
	}
	if err := conn.Send(msgs, done); err != nil {
		done(err)
	}
	return nil
}

// failBatch faults every future call in batch.
func (s *ClientSession) failBatch(batch []*outbound, err error) {
	n := 0
	for _, o := range batch {
		if o.future == nil {
			continue
		}
		if !s.correlator.Fail(o.msg.ID, err) {
			o.future.resolve(Result{State: StateFaulted, Err: err})
		}
		n++
	}
	if n > 0 {
		s.cfg.metrics.RequestsFailed.Add(int64(n))
		slog.Debug("session batch failed", "endpoint", s.endpoint, "requests", n, "error", err)
	}
}

// Close fails every pending and queued call with ErrSessionClosed and
// closes the socket.
func (s *ClientSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	s.failBatch(s.queue.Close(), ErrSessionClosed)

	// fail registered calls before the socket goes, so they report the
	// session closing rather than a lost connection
	s.correlator.FailAll(ErrSessionClosed)

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	return nil
}

// LocalAddr returns the local address of the current socket, if any.
func (s *ClientSession) LocalAddr() net.Addr {
	if c := s.current(); c != nil {
		return c.LocalAddr()
	}
	return nil
}
