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

func newTestBreaker(clock Clock) (*CircuitBreaker, *[]string) {
	var mu sync.Mutex
	var transitions []string
	b := NewCircuitBreaker(BreakerConfig{
		Threshold: 3,
		Window:    time.Minute,
		Cooldown:  2 * time.Second,
		Clock:     clock,
		OnStateChange: func(from, to BreakerState) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})
	return b, &transitions
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(NewManualClock(time.Unix(1000, 0)))

	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, int64(1), b.Trips())
}

func TestCircuitBreaker_FailsFastWithoutCallingFn(t *testing.T) {
	b, _ := newTestBreaker(NewManualClock(time.Unix(1000, 0)))
	boom := errors.New("refused")
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	}
	require.Equal(t, BreakerOpen, b.State())

	var calls atomic.Int32
	for i := 0; i < 10; i++ {
		err := b.Execute(func() error {
			calls.Add(1)
			return nil
		})
		assert.ErrorIs(t, err, ErrBreakerOpen)
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestCircuitBreaker_SingleHalfOpenTrial(t *testing.T) {
	clock := NewManualClock(time.Unix(1000, 0))
	b, transitions := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	require.Equal(t, BreakerOpen, b.State())

	clock.Advance(time.Second)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen, "still cooling down")

	clock.Advance(time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, *transitions)
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	clock := NewManualClock(time.Unix(1000, 0))
	b, _ := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clock.Advance(3 * time.Second)
	require.NoError(t, b.Allow())

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, int64(2), b.Trips())

	// cooldown restarts from the failed trial
	clock.Advance(time.Second)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	clock.Advance(2 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestCircuitBreaker_FailuresWhileOpenKeepCooldown(t *testing.T) {
	clock := NewManualClock(time.Unix(1000, 0))
	b, transitions := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	require.Equal(t, BreakerOpen, b.State())

	// a full window of late failures lands while the breaker is open
	clock.Advance(1500 * time.Millisecond)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	assert.Equal(t, int64(1), b.Trips())

	clock.Advance(600 * time.Millisecond)
	assert.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.Equal(t, []string{"closed->open", "open->half-open"}, *transitions)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(NewManualClock(time.Unix(1000, 0)))
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State())
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
}
