package theatre

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

const (
	defaultProcessorBudget   = 64
	defaultProcessorIdleWait = 2 * time.Millisecond
)

// ProcessorOption configures a Processor.
type ProcessorOption func(*processorConfig)

type processorConfig struct {
	budget   int
	idleWait time.Duration
	executor Executor
	onError  func(error)
}

// WithBudget caps the number of items handed to the handler per cycle.
func WithBudget(n int) ProcessorOption {
	return func(c *processorConfig) {
		if n > 0 {
			c.budget = n
		}
	}
}

// WithIdleWait sets how long a drained cycle waits for new work before
// giving its worker back. Zero exits immediately.
func WithIdleWait(d time.Duration) ProcessorOption {
	return func(c *processorConfig) {
		if d >= 0 {
			c.idleWait = d
		}
	}
}

// WithExecutor selects where drain cycles run. Default: GoExecutor.
func WithExecutor(e Executor) ProcessorOption {
	return func(c *processorConfig) {
		if e != nil {
			c.executor = e
		}
	}
}

// WithErrorHandler receives handler errors (including recovered panics).
// The default logs them.
func WithErrorHandler(fn func(error)) ProcessorOption {
	return func(c *processorConfig) {
		if fn != nil {
			c.onError = fn
		}
	}
}

// Processor is a single-flight enqueue-and-drain primitive. Any number of
// goroutines may Enqueue; at most one drain cycle runs at a time, handing
// items to the handler in enqueue order.
//
// Cycle state machine:
//   - drain: take up to budget items and run the handler.
//   - yield: items remain after a full budget; resubmit the cycle so other
//     owners sharing the executor get a turn.
//   - again: an Enqueue raced with the drain; loop immediately.
//   - sleep: wait up to idleWait for a signal, then try to exit.
//   - exit: clear active under the lock, unless the queue is non-empty, in
//     which case keep draining (no lost wakeup).
//
// A handler error aborts the current cycle and is passed to the error
// handler; queued items get a fresh cycle unless the processor is closed.
type Processor[T any] struct {
	handler  func([]T) error
	budget   int
	idleWait time.Duration
	exec     Executor
	onError  func(error)

	mu     sync.Mutex
	queue  *queue.Queue
	active bool
	closed bool

	reschedule atomic.Bool
	signal     chan struct{}

	// batch is only touched by the active cycle
	batch []T

	cycles    atomic.Int64
	processed atomic.Int64
}

// NewProcessor returns an idle processor. handler must not retain the
// slice it is given; it is reused across cycles.
func NewProcessor[T any](handler func([]T) error, opts ...ProcessorOption) *Processor[T] {
	cfg := processorConfig{
		budget:   defaultProcessorBudget,
		idleWait: defaultProcessorIdleWait,
		executor: GoExecutor{},
		onError: func(err error) {
			slog.Error("processor handler failed", "error", err)
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Processor[T]{
		handler:  handler,
		budget:   cfg.budget,
		idleWait: cfg.idleWait,
		exec:     cfg.executor,
		onError:  cfg.onError,
		queue:    queue.New(),
		signal:   make(chan struct{}, 1),
		batch:    make([]T, 0, cfg.budget),
	}
}

// Enqueue appends item and makes sure a drain cycle will see it.
func (p *Processor[T]) Enqueue(item T) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProcessorClosed
	}
	p.queue.Add(item)
	p.kickLocked()
	return nil
}

// EnqueueAll appends items atomically with respect to other producers.
func (p *Processor[T]) EnqueueAll(items []T) error {
	if len(items) == 0 {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProcessorClosed
	}
	for _, item := range items {
		p.queue.Add(item)
	}
	p.kickLocked()
	return nil
}

// kickLocked starts a cycle or signals the running one. It releases p.mu.
func (p *Processor[T]) kickLocked() {
	if !p.active {
		p.active = true
		p.mu.Unlock()
		p.exec.Submit(p.cycle)
		return
	}
	p.mu.Unlock()
	p.reschedule.Store(true)
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Processor[T]) cycle() {
	p.cycles.Add(1)
	for {
		p.reschedule.Store(false)

		items, more := p.take()
		if len(items) > 0 {
			err := p.run(items)
			p.processed.Add(int64(len(items)))
			clear(p.batch)
			if err != nil {
				p.onError(err)
				if !p.tryExit() {
					p.exec.Submit(p.cycle)
				}
				return
			}
		}

		if more {
			p.exec.Submit(p.cycle)
			return
		}
		if p.reschedule.Load() {
			continue
		}

		if p.idleWait > 0 {
			timer := time.NewTimer(p.idleWait)
			select {
			case <-p.signal:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		if p.tryExit() {
			return
		}
	}
}

// take moves up to budget items into the cycle's batch and reports
// whether more are queued.
func (p *Processor[T]) take() ([]T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.batch = p.batch[:0]
	for p.queue.Length() > 0 && len(p.batch) < p.budget {
		p.batch = append(p.batch, p.queue.Remove().(T))
	}
	return p.batch, p.queue.Length() > 0 && !p.closed
}

func (p *Processor[T]) run(items []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return p.handler(items)
}

// tryExit clears the active flag unless work is queued. It reports whether
// the cycle may return.
func (p *Processor[T]) tryExit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue.Length() > 0 && !p.closed {
		return false
	}
	p.active = false
	return true
}

// Close rejects further items and returns the ones never handed to the
// handler. A cycle already running finishes its current batch.
func (p *Processor[T]) Close() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var rest []T
	for p.queue.Length() > 0 {
		rest = append(rest, p.queue.Remove().(T))
	}
	return rest
}

// Len returns the number of queued items.
func (p *Processor[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Length()
}

// Active reports whether a drain cycle is scheduled or running.
func (p *Processor[T]) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Processor[T]) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Cycles returns the number of drain cycles started so far.
func (p *Processor[T]) Cycles() int64 { return p.cycles.Load() }

// Processed returns the number of items handed to the handler.
func (p *Processor[T]) Processed() int64 { return p.processed.Load() }
