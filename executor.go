package theatre

import (
	"sync"

	"github.com/eapache/queue"
)

// Executor runs drain cycles. Cycles are short-lived tasks: no goroutine
// is pinned to a connection or an actor.
type Executor interface {
	Submit(task func())
}

// GoExecutor runs every task on a fresh goroutine.
type GoExecutor struct{}

func (GoExecutor) Submit(task func()) { go task() }

// WorkerPool runs tasks on a fixed set of goroutines fed from an unbounded
// queue, so Submit never blocks the caller.
type WorkerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue
	closed bool
	wg     sync.WaitGroup
}

// NewWorkerPool starts n workers (at least one).
func NewWorkerPool(n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	wp := &WorkerPool{tasks: queue.New()}
	wp.cond = sync.NewCond(&wp.mu)
	for range n {
		wp.wg.Add(1)
		go wp.worker()
	}
	return wp
}

// Submit queues task. After Close, tasks run on their own goroutine so
// queued work is never lost.
func (wp *WorkerPool) Submit(task func()) {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		go task()
		return
	}
	wp.tasks.Add(task)
	wp.mu.Unlock()
	wp.cond.Signal()
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		wp.mu.Lock()
		for wp.tasks.Length() == 0 && !wp.closed {
			wp.cond.Wait()
		}
		if wp.tasks.Length() == 0 {
			wp.mu.Unlock()
			return
		}
		task := wp.tasks.Remove().(func())
		wp.mu.Unlock()
		task()
	}
}

// Pending returns the number of queued tasks.
func (wp *WorkerPool) Pending() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.tasks.Length()
}

// Close lets the workers drain the queue, then waits for them to exit.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	wp.closed = true
	wp.mu.Unlock()
	wp.cond.Broadcast()
	wp.wg.Wait()
}
