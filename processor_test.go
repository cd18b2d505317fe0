package theatre

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type producerItem struct {
	producer int
	seq      int
}

func TestProcessor_SingleActiveCycle(t *testing.T) {
	const (
		producers = 8
		perProd   = 10_000
	)

	var (
		inFlight  atomic.Int32
		maxActive atomic.Int32
		total     atomic.Int64
		lastSeq   [producers]int
		orderOK   atomic.Bool
	)
	orderOK.Store(true)
	for i := range lastSeq {
		lastSeq[i] = -1
	}
	done := make(chan struct{})

	pool := NewWorkerPool(4)
	defer pool.Close()

	p := NewProcessor(func(items []producerItem) error {
		n := inFlight.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		for _, it := range items {
			// lastSeq is only touched by the single active cycle
			if it.seq != lastSeq[it.producer]+1 {
				orderOK.Store(false)
			}
			lastSeq[it.producer] = it.seq
		}
		inFlight.Add(-1)
		if total.Add(int64(len(items))) == producers*perProd {
			close(done)
		}
		return nil
	}, WithExecutor(pool), WithBudget(32))

	var wg sync.WaitGroup
	for pr := 0; pr < producers; pr++ {
		wg.Add(1)
		go func(pr int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				assert.NoError(t, p.Enqueue(producerItem{producer: pr, seq: i}))
			}
		}(pr)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("processed %d of %d items", total.Load(), producers*perProd)
	}

	assert.Equal(t, int32(1), maxActive.Load())
	assert.True(t, orderOK.Load(), "per-producer order violated")
	assert.Equal(t, int64(producers*perProd), p.Processed())
	assert.Eventually(t, func() bool { return !p.Active() }, time.Second, 5*time.Millisecond)
}

func TestProcessor_BudgetYields(t *testing.T) {
	var sizes []int
	var mu sync.Mutex
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	p := NewProcessor(func(items []int) error {
		select {
		case started <- struct{}{}:
			<-release
		default:
		}
		mu.Lock()
		sizes = append(sizes, len(items))
		mu.Unlock()
		return nil
	}, WithBudget(4), WithIdleWait(0))

	require.NoError(t, p.Enqueue(0))
	<-started
	require.NoError(t, p.EnqueueAll([]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}))
	close(release)

	assert.Eventually(t, func() bool { return p.Processed() == 11 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, s := range sizes {
		assert.LessOrEqual(t, s, 4)
	}
	assert.GreaterOrEqual(t, p.Cycles(), int64(3))
}

func TestProcessor_ErrorDoesNotStall(t *testing.T) {
	var errs atomic.Int32
	var seen atomic.Int32
	p := NewProcessor(func(items []int) error {
		seen.Add(int32(len(items)))
		if items[0] == 1 {
			return errors.New("bad item")
		}
		return nil
	}, WithBudget(1), WithErrorHandler(func(error) { errs.Add(1) }))

	for i := 1; i <= 3; i++ {
		require.NoError(t, p.Enqueue(i))
	}
	assert.Eventually(t, func() bool { return seen.Load() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), errs.Load())
}

func TestProcessor_PanicRecovered(t *testing.T) {
	errCh := make(chan error, 1)
	p := NewProcessor(func(items []int) error {
		panic("kaboom")
	}, WithErrorHandler(func(err error) { errCh <- err }))

	require.NoError(t, p.Enqueue(1))
	select {
	case err := <-errCh:
		assert.Contains(t, err.Error(), "kaboom")
	case <-time.After(time.Second):
		t.Fatal("panic not reported")
	}
	assert.Eventually(t, func() bool { return !p.Active() }, time.Second, 5*time.Millisecond)
}

func TestProcessor_CloseReturnsUnprocessed(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	p := NewProcessor(func(items []int) error {
		close(entered)
		<-block
		return nil
	}, WithBudget(1))

	require.NoError(t, p.Enqueue(1))
	<-entered
	require.NoError(t, p.EnqueueAll([]int{2, 3}))

	rest := p.Close()
	assert.Equal(t, []int{2, 3}, rest)
	assert.ErrorIs(t, p.Enqueue(4), ErrProcessorClosed)
	assert.True(t, p.Closed())
	assert.Nil(t, p.Close())

	close(block)
	assert.Eventually(t, func() bool { return !p.Active() }, time.Second, 5*time.Millisecond)
}

func TestProcessor_IdleWaitKeepsCycle(t *testing.T) {
	var got atomic.Int32
	p := NewProcessor(func(items []int) error {
		got.Add(int32(len(items)))
		return nil
	}, WithIdleWait(200*time.Millisecond))

	require.NoError(t, p.Enqueue(1))
	assert.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.Enqueue(2))
	assert.Eventually(t, func() bool { return got.Load() == 2 }, time.Second, time.Millisecond)

	// both items were drained by the cycle that was parked in its idle wait
	assert.Equal(t, int64(1), p.Cycles())
}

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	wp := NewWorkerPool(3)
	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		wp.Submit(func() {
			defer wg.Done()
			n.Add(1)
		})
	}
	wg.Wait()
	wp.Close()
	assert.Equal(t, int32(100), n.Load())

	// after Close tasks still run
	done := make(chan struct{})
	wp.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task submitted after Close did not run")
	}
}
