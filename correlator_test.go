package theatre

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerCall(c *RequestCorrelator, ids *IDGenerator, connID string, deadline time.Time) *PendingRequest {
	id := ids.Next()
	req := &PendingRequest{
		Message:     &WireMessage{ID: id, Kind: KindFutureCall, To: "echo:1"},
		Destination: "echo:1",
		ID:          id,
		ConnID:      connID,
		Future:      newFuture(),
		Deadline:    deadline,
	}
	c.Register(req)
	return req
}

func TestRequestCorrelator_Resolve(t *testing.T) {
	c := NewRequestCorrelator(nil)
	ids := NewIDGenerator(1)
	req := registerCall(c, ids, "conn-1", time.Time{})
	require.Equal(t, 1, c.Len())

	ok := c.Resolve(&WireMessage{ID: req.ID, Kind: KindFutureResponse, Payload: "pong"})
	assert.True(t, ok)
	assert.Equal(t, 0, c.Len())

	r := req.Future.Result()
	assert.Equal(t, "pong", r.Payload)
	assert.Equal(t, StateCompleted, r.State)
	assert.NoError(t, r.Err)

	// a duplicate or late response is ignored
	assert.False(t, c.Resolve(&WireMessage{ID: req.ID, Kind: KindFutureResponse, Payload: "again"}))
	assert.Equal(t, "pong", req.Future.Result().Payload)
}

func TestRequestCorrelator_ResolveRemoteError(t *testing.T) {
	c := NewRequestCorrelator(nil)
	ids := NewIDGenerator(1)

	faulted := registerCall(c, ids, "conn-1", time.Time{})
	c.Resolve(&WireMessage{ID: faulted.ID, Kind: KindFutureError, State: StateFaulted,
		Err: &RemoteError{Message: "boom"}})
	r := faulted.Future.Result()
	assert.Equal(t, StateFaulted, r.State)
	assert.EqualError(t, r.Err, "boom")

	canceled := registerCall(c, ids, "conn-1", time.Time{})
	c.Resolve(&WireMessage{ID: canceled.ID, Kind: KindFutureError, State: StateCanceled,
		Err: &RemoteError{Message: "gave up"}})
	r = canceled.Future.Result()
	assert.True(t, r.State.Has(StateCanceled))
	assert.ErrorIs(t, r.Err, ErrRequestCanceled)
}

func TestRequestCorrelator_SweepExpires(t *testing.T) {
	clock := NewManualClock(time.Unix(5000, 0))
	c := NewRequestCorrelator(clock)
	ids := NewIDGenerator(1)

	soon := registerCall(c, ids, "conn-1", clock.Now().Add(100*time.Millisecond))
	later := registerCall(c, ids, "conn-1", clock.Now().Add(time.Hour))
	never := registerCall(c, ids, "conn-1", time.Time{})

	clock.Advance(time.Second)
	assert.Equal(t, 1, c.Sweep(clock.Now()))

	r := soon.Future.Result()
	assert.Equal(t, StateCanceled, r.State)
	assert.ErrorIs(t, r.Err, ErrRequestTimeout)
	assert.False(t, later.Future.Resolved())
	assert.False(t, never.Future.Resolved())
	assert.Equal(t, 2, c.Len())
}

func TestRequestCorrelator_ResponseTimeoutRaceResolvesOnce(t *testing.T) {
	clock := NewManualClock(time.Unix(5000, 0))
	c := NewRequestCorrelator(clock)
	ids := NewIDGenerator(1)

	const n = 500
	reqs := make([]*PendingRequest, n)
	var completions atomic.Int32
	for i := range reqs {
		reqs[i] = registerCall(c, ids, "conn-1", clock.Now())
		reqs[i].Future.OnComplete(func(Result) { completions.Add(1) })
	}
	clock.Advance(time.Millisecond)

	var responded atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, req := range reqs {
			if c.Resolve(&WireMessage{ID: req.ID, Kind: KindFutureResponse, Payload: "pong"}) {
				responded.Add(1)
			}
		}
	}()
	var expired int
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			expired += c.Sweep(clock.Now())
		}
	}()
	wg.Wait()

	assert.Equal(t, int32(n), completions.Load())
	assert.Equal(t, n, int(responded.Load())+expired)
	assert.Equal(t, 0, c.Len())
	for _, req := range reqs {
		r := req.Future.Result()
		if r.Err != nil {
			assert.ErrorIs(t, r.Err, ErrRequestTimeout)
		} else {
			assert.Equal(t, "pong", r.Payload)
		}
	}
}

func TestRequestCorrelator_FailConnectionIsolation(t *testing.T) {
	c := NewRequestCorrelator(nil)
	ids := NewIDGenerator(1)

	a1 := registerCall(c, ids, "conn-a", time.Time{})
	a2 := registerCall(c, ids, "conn-a", time.Time{})
	b1 := registerCall(c, ids, "conn-b", time.Time{})

	assert.Equal(t, 2, c.FailConnection("conn-a", ErrConnectionClosed))
	for _, req := range []*PendingRequest{a1, a2} {
		r := req.Future.Result()
		assert.Equal(t, StateFaulted, r.State)
		assert.ErrorIs(t, r.Err, ErrConnectionClosed)
	}
	assert.False(t, b1.Future.Resolved())
	assert.Equal(t, 1, c.Len())

	assert.True(t, c.Resolve(&WireMessage{ID: b1.ID, Kind: KindFutureResponse, Payload: 1}))
}

func TestRequestCorrelator_Bind(t *testing.T) {
	c := NewRequestCorrelator(nil)
	ids := NewIDGenerator(1)
	req := registerCall(c, ids, "", time.Time{})

	// unbound calls survive the loss of any connection
	assert.Equal(t, 0, c.FailConnection("conn-z", ErrConnectionClosed))

	assert.True(t, c.Bind(req.ID, "conn-z"))
	assert.Equal(t, 0, c.FailConnection("conn-other", ErrConnectionClosed))
	assert.Equal(t, 1, c.FailConnection("conn-z", ErrConnectionClosed))
	assert.False(t, c.Bind(req.ID, "conn-y"))
}

func TestRequestCorrelator_FailAll(t *testing.T) {
	c := NewRequestCorrelator(nil)
	ids := NewIDGenerator(1)
	for i := 0; i < 10; i++ {
		registerCall(c, ids, "conn", time.Time{})
	}
	assert.Equal(t, 10, c.FailAll(ErrSessionClosed))
	assert.Equal(t, 0, c.Len())
}

func TestFuture_CancelDetaches(t *testing.T) {
	c := NewRequestCorrelator(nil)
	ids := NewIDGenerator(1)
	req := registerCall(c, ids, "conn", time.Time{})

	req.Future.Cancel(errors.New("user gave up"))
	assert.Equal(t, 0, c.Len())
	r := req.Future.Result()
	assert.Equal(t, StateCanceled, r.State)
	assert.ErrorIs(t, r.Err, ErrRequestCanceled)
	assert.Contains(t, r.Err.Error(), "user gave up")
}

func TestFuture_WaitContextCanceled(t *testing.T) {
	c := NewRequestCorrelator(nil)
	ids := NewIDGenerator(1)
	req := registerCall(c, ids, "conn", time.Time{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := req.Future.Wait(ctx)
	assert.ErrorIs(t, err, ErrRequestCanceled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Len())
}

func TestFuture_OnCompleteAfterResolve(t *testing.T) {
	f := CompletedFuture(Result{Payload: 1, State: StateCompleted})
	called := false
	f.OnComplete(func(r Result) {
		called = true
		assert.Equal(t, 1, r.Payload)
	})
	assert.True(t, called)
	assert.False(t, f.Complete(Result{Payload: 2}))
}
