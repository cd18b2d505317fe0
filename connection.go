package theatre

// Connection owns one handshaken socket.
//
// Invariants:
//   - Outbound messages go through a Processor: at most one send cycle
//     touches the socket and the send buffer at a time, and no goroutine
//     is parked on the connection while it has nothing to send.
//   - Each send cycle merges up to bulkSize queued messages per frame,
//     writes every frame with one deadline-bounded WriteTo, then reports
//     the outcome to every item's done callback.
//   - A batch that cannot be encoded (too large, unencodable payload)
//     fails only its own items; the connection stays up.
//   - A write error closes the connection and fails the cycle's items.
//   - The read loop is the only reader of the receive buffer: FillFrom,
//     decode complete frames, dispatch, TrimLeft what was consumed. A
//     protocol error or EOF ends it.
//   - Close is CAS-guarded; OnClose listeners fire exactly once.
//   - Read deadlines are refreshed every ~readTimeout/3 using the coarse
//     clock (clock.go), detecting half-open TCP.

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int32

const (
	ConnClosed ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnClosing
)

func (s ConnectionState) String() string {
	switch s {
	case ConnClosed:
		return "closed"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// MessageHandler receives every inbound message. A non-nil error for a
// future call is answered with a KindFutureError response; for other
// kinds it is logged and the message dropped.
type MessageHandler func(c *Connection, msg *WireMessage) error

const (
	defaultBulkSize     = 128
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 30 * time.Second
	defaultKeepAlive    = 15 * time.Second
)

type connConfig struct {
	frames       *FrameCodec
	ids          *IDGenerator
	buffers      *BufferPool
	executor     Executor
	metrics      *Metrics
	codecKey     string
	bulkSize     int
	writeTimeout time.Duration
	readTimeout  time.Duration
}

func (c *connConfig) fill() {
	if c.frames == nil {
		c.frames = NewFrameCodec(nil, 0)
	}
	if c.ids == nil {
		c.ids = NewIDGenerator(DefaultProcessID())
	}
	if c.buffers == nil {
		c.buffers = NewBufferPool(0, 0)
	}
	if c.executor == nil {
		c.executor = GoExecutor{}
	}
	if c.metrics == nil {
		c.metrics = &Metrics{}
	}
	if c.codecKey == "" {
		c.codecKey = BinaryCodec{}.Key()
	}
	if c.bulkSize <= 0 {
		c.bulkSize = defaultBulkSize
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}
}

type sendItem struct {
	msgs []*WireMessage
	done func(error)
}

type Connection struct {
	id   string
	conn net.Conn
	peer PeerInfo
	cfg  connConfig

	state atomic.Int32

	handler MessageHandler

	recv *SegmentedBuffer
	send *SegmentedBuffer
	out  *Processor[*sendItem]

	mu       sync.Mutex
	onClose  []func(*Connection, error)
	closeErr error
	closed   chan struct{}
}

// newConnection wraps a handshaken socket. The connection starts in
// ConnConnecting; Start flips it to ConnConnected and begins reading.
func newConnection(conn net.Conn, peer PeerInfo, handler MessageHandler, cfg connConfig) *Connection {
	cfg.fill()
	c := &Connection{
		id:      uuid.NewString(),
		conn:    conn,
		peer:    peer,
		cfg:     cfg,
		handler: handler,
		recv:    NewSegmentedBuffer(cfg.buffers),
		send:    NewSegmentedBuffer(cfg.buffers),
		closed:  make(chan struct{}),
	}
	c.state.Store(int32(ConnConnecting))
	c.out = NewProcessor(c.flush,
		WithBudget(cfg.bulkSize),
		WithExecutor(cfg.executor),
		WithErrorHandler(func(err error) {
			slog.Error("connection send cycle failed", "conn", c.id, "error", err)
		}))

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(defaultKeepAlive)
		tcp.SetNoDelay(true)
	}
	return c
}

func (c *Connection) ID() string            { return c.id }
func (c *Connection) Peer() PeerInfo        { return c.peer }
func (c *Connection) RemoteAddr() net.Addr  { return c.conn.RemoteAddr() }
func (c *Connection) LocalAddr() net.Addr   { return c.conn.LocalAddr() }
func (c *Connection) State() ConnectionState { return ConnectionState(c.state.Load()) }

// Done is closed once the connection is fully closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Err returns the reason the connection closed, or nil while open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// OnClose registers fn to be called once when the connection closes. If it
// already closed fn runs immediately.
func (c *Connection) OnClose(fn func(*Connection, error)) {
	c.mu.Lock()
	select {
	case <-c.closed:
		err := c.closeErr
		c.mu.Unlock()
		fn(c, err)
		return
	default:
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Start begins reading. It must be called once, after the handshake.
func (c *Connection) Start() {
	if !c.state.CompareAndSwap(int32(ConnConnecting), int32(ConnConnected)) {
		return
	}
	c.cfg.metrics.ConnectionsOpened.Add(1)
	go c.readLoop()
}

// Send queues msgs for transmission as part of the next frame. done, if
// non-nil, receives nil once the bytes are handed to the socket, or the
// error that prevented it.
func (c *Connection) Send(msgs []*WireMessage, done func(error)) error {
	if c.State() != ConnConnected {
		return ErrConnectionClosed
	}
	if err := c.out.Enqueue(&sendItem{msgs: msgs, done: done}); err != nil {
		return ErrConnectionClosed
	}
	return nil
}

// flush is the send cycle. items holds up to bulkSize queued sends.
func (c *Connection) flush(items []*sendItem) error {
	written := make([]*sendItem, 0, len(items))

	for start := 0; start < len(items); {
		// merge items until the frame would exceed bulkSize messages
		end, n := start, 0
		for end < len(items) && (end == start || n+len(items[end].msgs) <= c.cfg.bulkSize) {
			n += len(items[end].msgs)
			end++
		}
		group := items[start:end]
		start = end

		if err := c.encode(group); err == nil {
			written = append(written, group...)
			continue
		}
		// retry each item alone so one bad payload does not sink the rest
		for _, it := range group {
			if err := c.encode([]*sendItem{it}); err != nil {
				slog.Warn("connection dropped unencodable batch",
					"conn", c.id, "messages", len(it.msgs), "error", err)
				complete(it, err)
				continue
			}
			written = append(written, it)
		}
	}

	if c.send.Unread() == 0 {
		for _, it := range written {
			complete(it, nil)
		}
		return nil
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout))
	nw, err := c.send.WriteTo(c.conn)
	c.send.Reset()
	c.cfg.metrics.BytesSent.Add(nw)
	if err != nil {
		err = transportError("write", err)
		for _, it := range written {
			complete(it, err)
		}
		c.closeWith(err)
		return nil
	}
	for _, it := range written {
		c.cfg.metrics.MessagesSent.Add(int64(len(it.msgs)))
		complete(it, nil)
	}
	return nil
}

// encode appends one frame carrying every message of group.
func (c *Connection) encode(group []*sendItem) error {
	var msgs []*WireMessage
	if len(group) == 1 {
		msgs = group[0].msgs
	} else {
		for _, it := range group {
			msgs = append(msgs, it.msgs...)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	err := c.cfg.frames.Encode(c.send, Batch{
		OriginProcessID: c.cfg.ids.ProcessID(),
		BatchID:         c.cfg.ids.NextBatch(),
		CodecKey:        c.cfg.codecKey,
		Messages:        msgs,
	})
	if err == nil {
		c.cfg.metrics.FramesSent.Add(1)
	}
	return err
}

func complete(it *sendItem, err error) {
	if it.done != nil {
		it.done(err)
	}
}

func (c *Connection) readLoop() {
	defer c.recv.Release()

	var lastDeadlineSet int64
	refresh := int64(c.cfg.readTimeout / time.Second / 3)

	for {
		if c.cfg.readTimeout > 0 {
			if now := coarseNow.Load(); now-lastDeadlineSet >= refresh {
				c.conn.SetReadDeadline(time.Now().Add(c.cfg.readTimeout))
				lastDeadlineSet = now
			}
		}

		n, err := c.recv.FillFrom(c.conn)
		if n > 0 {
			c.cfg.metrics.BytesReceived.Add(int64(n))
			if perr := c.drainFrames(); perr != nil {
				c.cfg.metrics.ProtocolErrors.Add(1)
				slog.Warn("connection protocol error", "conn", c.id, "peer", c.peer.Name, "error", perr)
				c.closeWith(perr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.closeWith(ErrConnectionClosed)
			} else {
				c.closeWith(transportError("read", err))
			}
			return
		}
	}
}

// drainFrames decodes and dispatches every complete frame in the receive
// buffer, then trims the consumed bytes.
func (c *Connection) drainFrames() error {
	for {
		batch, err := c.cfg.frames.Decode(c.recv)
		if errors.Is(err, ErrNeedMoreData) {
			break
		}
		if err != nil {
			return err
		}
		c.cfg.metrics.FramesReceived.Add(1)
		for _, msg := range batch.Messages {
			c.cfg.metrics.MessagesReceived.Add(1)
			c.dispatch(msg)
		}
	}
	c.recv.TrimLeft(c.recv.ReadPos())
	return nil
}

func (c *Connection) dispatch(msg *WireMessage) {
	if c.handler == nil {
		return
	}
	err := c.safeHandle(msg)
	if err == nil {
		return
	}
	if msg.Kind == KindFutureCall {
		res := responseTo(msg, nil, StateFaulted, err)
		if serr := c.Send([]*WireMessage{res}, nil); serr != nil {
			slog.Debug("connection could not answer failed call", "conn", c.id, "error", serr)
		}
		return
	}
	slog.Warn("connection handler failed", "conn", c.id, "to", msg.To, "kind", msg.Kind.String(), "error", err)
}

func (c *Connection) safeHandle(msg *WireMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return c.handler(c, msg)
}

// Close shuts the connection down. Queued sends fail with
// ErrConnectionClosed.
func (c *Connection) Close() error {
	c.closeWith(ErrConnectionClosed)
	return nil
}

func (c *Connection) closeWith(cause error) {
	for {
		s := c.state.Load()
		if s == int32(ConnClosing) || s == int32(ConnClosed) {
			return
		}
		if c.state.CompareAndSwap(s, int32(ConnClosing)) {
			break
		}
	}

	c.conn.Close()
	for _, it := range c.out.Close() {
		complete(it, ErrConnectionClosed)
	}

	c.mu.Lock()
	c.closeErr = cause
	listeners := c.onClose
	c.onClose = nil
	c.state.Store(int32(ConnClosed))
	close(c.closed)
	c.mu.Unlock()

	c.cfg.metrics.ConnectionsClosed.Add(1)
	slog.Debug("connection closed", "conn", c.id, "peer", c.peer.Name, "reason", cause)
	for _, fn := range listeners {
		fn(c, cause)
	}
}
