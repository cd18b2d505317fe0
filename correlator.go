package theatre

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PendingRequest is a future call waiting for its response.
type PendingRequest struct {
	Message     *WireMessage
	Destination Address
	ID          CorrelationID
	// ConnID is the connection the call was written to. Zero until the
	// call is transmitted.
	ConnID   string
	Future   *Future
	Deadline time.Time
}

const correlatorShards = 64

type correlatorShard struct {
	mu sync.Mutex
	m  map[CorrelationID]*PendingRequest
}

// RequestCorrelator matches responses to pending future calls. Every
// entry leaves the table through exactly one of Resolve, Cancel, Sweep,
// FailConnection or FailAll; whichever removes it resolves its future.
type RequestCorrelator struct {
	shards [correlatorShards]correlatorShard
	clock  Clock
}

func NewRequestCorrelator(clock Clock) *RequestCorrelator {
	if clock == nil {
		clock = SystemClock
	}
	c := &RequestCorrelator{clock: clock}
	for i := range c.shards {
		c.shards[i].m = make(map[CorrelationID]*PendingRequest)
	}
	return c
}

func (c *RequestCorrelator) shard(id CorrelationID) *correlatorShard {
	return &c.shards[id.shard(correlatorShards)]
}

// Register adds req. Canceling req.Future afterwards removes the entry.
func (c *RequestCorrelator) Register(req *PendingRequest) {
	s := c.shard(req.ID)
	s.mu.Lock()
	s.m[req.ID] = req
	s.mu.Unlock()

	id := req.ID
	detach := func(err error) { c.Cancel(id, err) }
	req.Future.detach.Store(&detach)
}

// take removes and returns the entry for id.
func (c *RequestCorrelator) take(id CorrelationID) *PendingRequest {
	s := c.shard(id)
	s.mu.Lock()
	req, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	return req
}

// Resolve completes the pending call answered by msg. It reports false
// for unknown ids (late responses after a timeout, duplicates).
func (c *RequestCorrelator) Resolve(msg *WireMessage) bool {
	req := c.take(msg.ID)
	if req == nil {
		return false
	}
	r := Result{Payload: msg.Payload, State: msg.State}
	if msg.Kind == KindFutureError {
		r.Payload = nil
		// a nil *RemoteError must not become a non-nil error
		var cause error = &RemoteError{Message: "remote fault"}
		if msg.Err != nil {
			cause = msg.Err
		}
		r.Err = cause
		if msg.State.Has(StateCanceled) {
			r.Err = joinCause(ErrRequestCanceled, cause)
		}
	} else if r.State == StateEmpty {
		r.State = StateCompleted
	}
	return req.Future.resolve(r)
}

// Cancel removes id and resolves its future as canceled with err.
func (c *RequestCorrelator) Cancel(id CorrelationID, err error) bool {
	req := c.take(id)
	if req == nil {
		return false
	}
	return req.Future.resolve(Result{State: StateCanceled, Err: err})
}

// Fail removes id and resolves its future as faulted with err.
func (c *RequestCorrelator) Fail(id CorrelationID, err error) bool {
	req := c.take(id)
	if req == nil {
		return false
	}
	return req.Future.resolve(Result{State: StateFaulted, Err: err})
}

// Bind records the connection a registered call is written to. It
// reports false when the call already left the table (swept, canceled or
// failed), in which case it must not be sent.
func (c *RequestCorrelator) Bind(id CorrelationID, connID string) bool {
	s := c.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.m[id]
	if ok {
		req.ConnID = connID
	}
	return ok
}

// FailConnection faults every call written to connID. Calls on other
// connections are untouched.
func (c *RequestCorrelator) FailConnection(connID string, err error) int {
	return c.drain(func(req *PendingRequest) bool {
		return req.ConnID == connID
	}, Result{State: StateFaulted, Err: err})
}

// FailAll faults every pending call.
func (c *RequestCorrelator) FailAll(err error) int {
	return c.drain(func(*PendingRequest) bool { return true },
		Result{State: StateFaulted, Err: err})
}

// Sweep cancels every call whose deadline is before now with
// ErrRequestTimeout and returns how many expired.
func (c *RequestCorrelator) Sweep(now time.Time) int {
	return c.drain(func(req *PendingRequest) bool {
		return !req.Deadline.IsZero() && req.Deadline.Before(now)
	}, Result{State: StateCanceled, Err: ErrRequestTimeout})
}

func (c *RequestCorrelator) drain(match func(*PendingRequest) bool, r Result) int {
	var victims []*PendingRequest
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for id, req := range s.m {
			if match(req) {
				delete(s.m, id)
				victims = append(victims, req)
			}
		}
		s.mu.Unlock()
	}
	// resolve outside the shard locks; completion callbacks may re-enter
	for _, req := range victims {
		req.Future.resolve(r)
	}
	return len(victims)
}

// Len returns the number of pending calls.
func (c *RequestCorrelator) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// Run sweeps expired calls every interval until ctx is done. onExpired,
// if non-nil, receives the count of each non-empty sweep.
func (c *RequestCorrelator) Run(ctx context.Context, interval time.Duration, onExpired func(int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(c.clock.Now()); n > 0 {
				slog.Debug("requests timed out", "count", n)
				if onExpired != nil {
					onExpired(n)
				}
			}
		}
	}
}
