package theatre

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

var ErrStopActor = fmt.Errorf("stop actor")

type Receiver interface {
	Receive(ctx *Context) error
}

// Initialize is delivered to a freshly activated actor before its first
// message.
type Initialize struct{}

// Shutdown is the last message an actor receives before deactivation.
type Shutdown struct{}

type ActorStatus int64

const (
	ActorStatusActive ActorStatus = iota
	ActorStatusInactive
)

// envelope is one mailbox entry.
type envelope struct {
	from    Address
	body    any
	headers map[string]string
	future  *Future // non-nil for Ask
}

// Actor owns a receiver and its mailbox. The mailbox is a Processor, so at
// most one goroutine runs the receiver at a time and no goroutine is
// parked on an idle actor.
type Actor struct {
	host     *Host
	ref      Ref
	receiver Receiver
	mailbox  *Processor[envelope]

	lastMessage atomic.Int64 // coarse unix seconds
	status      atomic.Int64

	// touched only by the drain cycle
	initialized bool
	rctx        Context

	actorCtx    context.Context
	actorCancel context.CancelFunc
	stopped     chan struct{}
}

func NewActor(host *Host, ref Ref, receiver Receiver, parentCtx context.Context) *Actor {
	actorCtx, actorCancel := context.WithCancel(parentCtx)
	a := &Actor{
		host:        host,
		ref:         ref,
		receiver:    receiver,
		actorCtx:    actorCtx,
		actorCancel: actorCancel,
		stopped:     make(chan struct{}),
	}
	a.lastMessage.Store(coarseNow.Load())
	a.rctx = Context{ActorRef: ref, Ctx: actorCtx, host: host}
	a.mailbox = NewProcessor(a.handle,
		WithBudget(host.config.mailboxBudget),
		WithExecutor(host.executor),
		WithIdleWait(0),
		WithErrorHandler(func(err error) {
			slog.Error("actor mailbox failed", "type", ref.Type, "id", ref.ID, "error", err)
		}))
	return a
}

func (a *Actor) Ref() Ref { return a.ref }

func (a *Actor) GetStatus() ActorStatus {
	return ActorStatus(a.status.Load())
}

// Send queues env. It fails with ErrProcessorClosed once the actor has
// begun shutting down; the host then activates a fresh instance.
func (a *Actor) Send(env envelope) error {
	return a.mailbox.Enqueue(env)
}

// Pending returns the number of queued messages.
func (a *Actor) Pending() int { return a.mailbox.Len() }

func (a *Actor) GetLastMessageTime() time.Time {
	return time.Unix(a.lastMessage.Load(), 0)
}

// handle is the mailbox drain cycle.
func (a *Actor) handle(batch []envelope) error {
	if !a.initialized {
		a.initialized = true
		a.status.Store(int64(ActorStatusActive))
		a.deliver(envelope{body: Initialize{}})
		slog.Debug("actor started", "type", a.ref.Type, "id", a.ref.ID)
	}

	for i, env := range batch {
		if env.future != nil && env.future.Resolved() {
			// timed out or canceled while queued
			continue
		}
		a.lastMessage.Store(coarseNow.Load())

		_, last := env.body.(Shutdown)
		err := a.deliver(env)
		if errors.Is(err, ErrStopActor) {
			last = true
		}
		if last {
			rest := append([]envelope(nil), batch[i+1:]...)
			a.finish(rest, errors.Is(err, ErrStopActor))
			return nil
		}
	}
	return nil
}

// deliver runs the receiver for one envelope and settles its future when
// the receiver fails.
func (a *Actor) deliver(env envelope) error {
	ctx := &a.rctx
	ctx.From = env.from
	ctx.Message = env.body
	ctx.Headers = env.headers
	ctx.future = env.future

	err := a.receive(ctx)

	ctx.Message = nil
	ctx.Headers = nil
	ctx.future = nil

	if err != nil && !errors.Is(err, ErrStopActor) {
		slog.Error("actor receive error", "type", a.ref.Type, "id", a.ref.ID, "error", err)
		if env.future != nil {
			env.future.resolve(Result{State: StateFaulted, Err: err})
		}
	}
	return err
}

func (a *Actor) receive(ctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return a.receiver.Receive(ctx)
}

// finish deactivates the actor from inside its drain cycle. Messages that
// were queued behind the shutdown are handed back to the host.
func (a *Actor) finish(rest []envelope, selfStopped bool) {
	if selfStopped {
		a.deliver(envelope{body: Shutdown{}})
	}
	a.status.Store(int64(ActorStatusInactive))
	a.actorCancel()

	rest = append(rest, a.mailbox.Close()...)
	if selfStopped {
		a.host.actors.RemoveIf(a.ref, a)
	}
	close(a.stopped)
	slog.Debug("actor stopped", "type", a.ref.Type, "id", a.ref.ID, "requeued", len(rest))

	if len(rest) > 0 {
		a.host.redeliver(a.ref, rest)
	}
}

// Shutdown asks the actor to stop after the messages already queued and
// waits until it has, or until timeout elapses.
func (a *Actor) Shutdown(timeout time.Duration) {
	if err := a.mailbox.Enqueue(envelope{body: Shutdown{}}); err != nil {
		return
	}
	select {
	case <-a.stopped:
	case <-time.After(timeout):
		slog.Warn("actor shutdown timed out", "type", a.ref.Type, "id", a.ref.ID)
	}
}

// Stopped is closed once the actor is deactivated.
func (a *Actor) Stopped() <-chan struct{} { return a.stopped }
