package theatre

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
)

// BreakerState is the externally visible state of a CircuitBreaker.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("breaker(%d)", int32(s))
	}
}

const (
	defaultBreakerThreshold = 5
	defaultBreakerWindow    = 10 * time.Second
	defaultBreakerCooldown  = 2 * time.Second
)

// BreakerConfig tunes a CircuitBreaker. Zero fields take defaults.
type BreakerConfig struct {
	// Threshold failures within Window open the breaker.
	Threshold int
	Window    time.Duration
	// Cooldown is how long an open breaker rejects calls before letting a
	// single trial through.
	Cooldown time.Duration
	Clock    Clock
	// OnStateChange is called synchronously on every transition.
	OnStateChange func(from, to BreakerState)
}

// CircuitBreaker guards an operation that tends to fail in streaks (here:
// dialing and handshaking a peer). Failures are tracked on a sliding
// window; a full window opens the breaker, after which calls fail fast
// with ErrBreakerOpen until the cooldown elapses. Exactly one half-open
// trial is then admitted: success closes the breaker, failure re-opens it.
type CircuitBreaker struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration
	clock     Clock
	onChange  func(from, to BreakerState)

	state    atomic.Int32
	openedAt atomic.Int64 // unix nanos on the breaker clock

	// failures counts events per generation; a success bumps the
	// generation so earlier failures stop counting.
	mu         sync.Mutex
	failures   *catrate.Limiter
	generation uint64

	trips atomic.Int64
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultBreakerThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultBreakerWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultBreakerCooldown
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	return &CircuitBreaker{
		threshold: cfg.Threshold,
		window:    cfg.Window,
		cooldown:  cfg.Cooldown,
		clock:     cfg.Clock,
		onChange:  cfg.OnStateChange,
		failures:  catrate.NewLimiter(map[time.Duration]int{cfg.Window: cfg.Threshold}),
	}
}

// State reports the current state. An open breaker whose cooldown has
// elapsed still reports BreakerOpen until a call claims the trial.
func (b *CircuitBreaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// Trips returns how many times the breaker has opened.
func (b *CircuitBreaker) Trips() int64 { return b.trips.Load() }

// Allow reports whether a call may proceed now. A true result in the open
// state means the caller holds the single half-open trial and must report
// the outcome through Success or Failure.
func (b *CircuitBreaker) Allow() error {
	switch BreakerState(b.state.Load()) {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		return ErrBreakerOpen
	}
	opened := time.Unix(0, b.openedAt.Load())
	if b.clock.Now().Sub(opened) < b.cooldown {
		return ErrBreakerOpen
	}
	if !b.transition(BreakerOpen, BreakerHalfOpen) {
		return ErrBreakerOpen
	}
	return nil
}

// Success records a successful call and closes the breaker.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	b.generation++
	b.mu.Unlock()
	b.transition(BreakerHalfOpen, BreakerClosed)
}

// Failure records a failed call. A failed trial re-opens immediately; in
// the closed state the breaker opens once threshold failures fall inside
// the window.
func (b *CircuitBreaker) Failure() {
	if b.State() == BreakerHalfOpen {
		b.open(BreakerHalfOpen)
		return
	}

	b.mu.Lock()
	next, _ := b.failures.Allow(b.generation)
	tripped := !next.IsZero()
	if tripped {
		b.generation++
	}
	b.mu.Unlock()

	if tripped {
		b.open(BreakerClosed)
	}
}

// Execute runs fn through the breaker.
func (b *CircuitBreaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

func (b *CircuitBreaker) open(from BreakerState) {
	// an already open breaker keeps its original cooldown
	if b.State() != from {
		return
	}
	b.openedAt.Store(b.clock.Now().UnixNano())
	if b.transition(from, BreakerOpen) {
		b.trips.Add(1)
		slog.Warn("circuit breaker opened", "from", from.String(), "cooldown", b.cooldown)
	}
}

func (b *CircuitBreaker) transition(from, to BreakerState) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
	return true
}
