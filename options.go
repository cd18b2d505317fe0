package theatre

import (
	"context"
	"net"
	"runtime"
	"time"
)

type DeadLetterHandler func(to Address, payload any, err error)

// --- transport (shared by Server and ClientSession) ---

type TransportOption func(*transportConfig)

type transportConfig struct {
	name             string
	ids              *IDGenerator
	codecs           *CodecRegistry
	buffers          *BufferPool
	executor         Executor
	metrics          *Metrics
	codecKey         string
	maxFrameSize     int
	bulkSize         int
	writeTimeout     time.Duration
	readTimeout      time.Duration
	handshakeTimeout time.Duration
}

func defaultTransportConfig() transportConfig {
	return transportConfig{
		codecKey:         BinaryCodec{}.Key(),
		maxFrameSize:     DefaultMaxFrameSize,
		bulkSize:         defaultBulkSize,
		writeTimeout:     defaultWriteTimeout,
		readTimeout:      0,
		handshakeTimeout: defaultHandshakeTimeout,
	}
}

// fill supplies the shared collaborators a caller did not provide.
func (c *transportConfig) fill() {
	if c.ids == nil {
		c.ids = NewIDGenerator(DefaultProcessID())
	}
	if c.codecs == nil {
		c.codecs = NewCodecRegistry()
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
}

func (c *transportConfig) local() PeerInfo {
	return PeerInfo{Version: ProtocolVersion, ProcessID: c.ids.ProcessID(), Name: c.name}
}

func (c *transportConfig) connConfig() connConfig {
	return connConfig{
		frames:       NewFrameCodec(c.codecs, c.maxFrameSize),
		ids:          c.ids,
		buffers:      c.buffers,
		executor:     c.executor,
		metrics:      c.metrics,
		codecKey:     c.codecKey,
		bulkSize:     c.bulkSize,
		writeTimeout: c.writeTimeout,
		readTimeout:  c.readTimeout,
	}
}

// WithNodeName sets the name announced in the handshake.
func WithNodeName(name string) TransportOption {
	return func(c *transportConfig) {
		c.name = name
	}
}

// WithIDGenerator shares a process-scoped id generator. Default: a fresh
// generator per component with DefaultProcessID.
func WithIDGenerator(ids *IDGenerator) TransportOption {
	return func(c *transportConfig) {
		c.ids = ids
	}
}

func WithCodecs(r *CodecRegistry) TransportOption {
	return func(c *transportConfig) {
		c.codecs = r
	}
}

// WithCodecKey selects the payload codec used for outbound frames.
// Default: "bin".
func WithCodecKey(key string) TransportOption {
	return func(c *transportConfig) {
		c.codecKey = key
	}
}

func WithBufferPool(p *BufferPool) TransportOption {
	return func(c *transportConfig) {
		c.buffers = p
	}
}

// WithTransportExecutor runs send cycles on e. Default: GoExecutor.
func WithTransportExecutor(e Executor) TransportOption {
	return func(c *transportConfig) {
		c.executor = e
	}
}

func WithMetrics(m *Metrics) TransportOption {
	return func(c *transportConfig) {
		c.metrics = m
	}
}

// WithMaxFrameSize bounds frame payloads in both directions. Default: 16 MB.
func WithMaxFrameSize(n int) TransportOption {
	return func(c *transportConfig) {
		c.maxFrameSize = n
	}
}

// WithBulkSize caps the messages merged into one frame. Default: 128.
func WithBulkSize(n int) TransportOption {
	return func(c *transportConfig) {
		c.bulkSize = n
	}
}

func WithWriteTimeout(d time.Duration) TransportOption {
	return func(c *transportConfig) {
		c.writeTimeout = d
	}
}

// WithReadTimeout tears down connections that receive nothing for d.
// Default: 0 (no read deadline).
func WithReadTimeout(d time.Duration) TransportOption {
	return func(c *transportConfig) {
		c.readTimeout = d
	}
}

func WithHandshakeTimeout(d time.Duration) TransportOption {
	return func(c *transportConfig) {
		c.handshakeTimeout = d
	}
}

// --- server ---

type ServerOption func(*serverConfig)

type serverConfig struct {
	transportConfig
	askTimeout time.Duration
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		transportConfig: defaultTransportConfig(),
		askTimeout:      5 * time.Second,
	}
}

// WithServerTransport applies transport options to a Server.
func WithServerTransport(opts ...TransportOption) ServerOption {
	return func(c *serverConfig) {
		for _, o := range opts {
			o(&c.transportConfig)
		}
	}
}

// WithAskTimeout bounds dispatch of future calls that carry no timeout of
// their own. Default: 5s.
func WithAskTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.askTimeout = d
	}
}

// --- client session ---

// Dialer opens the raw socket for a ClientSession.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

type SessionOption func(*sessionConfig)

type sessionConfig struct {
	transportConfig

	dial           Dialer
	dialTimeout    time.Duration
	connectRetries int
	backoffMin     time.Duration
	backoffMax     time.Duration
	breaker        BreakerConfig

	requestTimeout time.Duration
	sweepInterval  time.Duration
	clock          Clock

	// inbound receives messages that are not responses (server push).
	inbound MessageHandler
}

func defaultSessionConfig() sessionConfig {
	d := &net.Dialer{}
	return sessionConfig{
		transportConfig: defaultTransportConfig(),
		dial:            d.DialContext,
		dialTimeout:     5 * time.Second,
		connectRetries:  3,
		backoffMin:      50 * time.Millisecond,
		backoffMax:      2 * time.Second,
		requestTimeout:  5 * time.Second,
		sweepInterval:   50 * time.Millisecond,
		clock:           SystemClock,
	}
}

// WithSessionTransport applies transport options to a ClientSession.
func WithSessionTransport(opts ...TransportOption) SessionOption {
	return func(c *sessionConfig) {
		for _, o := range opts {
			o(&c.transportConfig)
		}
	}
}

func WithDialer(d Dialer) SessionOption {
	return func(c *sessionConfig) {
		c.dial = d
	}
}

func WithDialTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.dialTimeout = d
	}
}

// WithConnectRetry sets how many dial+handshake attempts one Connect makes
// and the backoff bounds between them. Default: 3 attempts, 50ms..2s.
func WithConnectRetry(attempts int, min, max time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.connectRetries = attempts
		c.backoffMin = min
		c.backoffMax = max
	}
}

func WithBreaker(cfg BreakerConfig) SessionOption {
	return func(c *sessionConfig) {
		c.breaker = cfg
	}
}

// WithDefaultTimeout applies to Ask calls made with a zero timeout.
// Default: 5s.
func WithDefaultTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.requestTimeout = d
	}
}

// WithSweepInterval sets how often expired calls are swept. Default: 50ms.
func WithSweepInterval(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.sweepInterval = d
	}
}

func WithClock(clock Clock) SessionOption {
	return func(c *sessionConfig) {
		c.clock = clock
	}
}

// WithInboundHandler receives messages the peer pushes on the session's
// connection that are not responses to our calls.
func WithInboundHandler(h MessageHandler) SessionOption {
	return func(c *sessionConfig) {
		c.inbound = h
	}
}

// --- host ---

type HostOption func(*hostConfig)

type hostConfig struct {
	idleTimeout       time.Duration
	requestTimeout    time.Duration
	cleanupInterval   time.Duration
	drainTimeout      time.Duration
	deadLetterHandler DeadLetterHandler

	// mailbox tuning
	mailboxBudget int
	workers       int
	executor      Executor

	metrics *Metrics
}

func defaultHostConfig() hostConfig {
	return hostConfig{
		idleTimeout:     15 * time.Second,
		requestTimeout:  5 * time.Second,
		cleanupInterval: 1 * time.Second,
		drainTimeout:    5 * time.Second,
		mailboxBudget:   defaultProcessorBudget,
		workers:         runtime.GOMAXPROCS(0),
	}
}

func WithIdleTimeout(d time.Duration) HostOption {
	return func(c *hostConfig) {
		c.idleTimeout = d
	}
}

func WithRequestTimeout(d time.Duration) HostOption {
	return func(c *hostConfig) {
		c.requestTimeout = d
	}
}

func WithCleanupInterval(d time.Duration) HostOption {
	return func(c *hostConfig) {
		c.cleanupInterval = d
	}
}

func WithDrainTimeout(d time.Duration) HostOption {
	return func(c *hostConfig) {
		c.drainTimeout = d
	}
}

func WithDeadLetterHandler(h DeadLetterHandler) HostOption {
	return func(c *hostConfig) {
		c.deadLetterHandler = h
	}
}

// WithMailboxBudget caps the messages an actor handles per drain cycle
// before yielding its worker. Default: 64.
func WithMailboxBudget(n int) HostOption {
	return func(c *hostConfig) {
		c.mailboxBudget = n
	}
}

// WithWorkers sets the size of the worker pool draining actor mailboxes.
// Ignored when WithHostExecutor is given. Default: runtime.GOMAXPROCS(0).
func WithWorkers(n int) HostOption {
	return func(c *hostConfig) {
		c.workers = n
	}
}

func WithHostExecutor(e Executor) HostOption {
	return func(c *hostConfig) {
		c.executor = e
	}
}

func WithHostMetrics(m *Metrics) HostOption {
	return func(c *hostConfig) {
		c.metrics = m
	}
}
