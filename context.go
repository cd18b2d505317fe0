package theatre

import (
	"context"
	"errors"
)

var ErrNoReplyExpected = errors.New("theatre: message does not expect a reply")

type Context struct {
	// The ref of the current actor
	ActorRef Ref

	// The sender's address; empty for anonymous sends
	From Address

	// The message being processed
	Message interface{}

	Headers map[string]string

	// Cancelled when the actor is deactivated
	Ctx context.Context

	host   *Host
	future *Future
}

// Send delivers a fire-and-forget message from this actor.
func (c *Context) Send(ref Ref, body interface{}) error {
	return c.host.Tell(c.Ctx, c.ActorRef.Address(), ref.Address(), body, nil)
}

// Request asks ref and waits for the reply.
func (c *Context) Request(ref Ref, body interface{}) (any, error) {
	f, err := c.host.Ask(c.Ctx, c.ActorRef.Address(), ref.Address(), body, nil, 0)
	if err != nil {
		return nil, err
	}
	return f.Wait(c.Ctx)
}

// ExpectsReply reports whether the current message is a future call.
func (c *Context) ExpectsReply() bool { return c.future != nil }

// Reply completes the current future call with body. Only the first reply
// counts.
func (c *Context) Reply(body interface{}) error {
	if c.future == nil {
		return ErrNoReplyExpected
	}
	c.future.resolve(Result{Payload: body, State: StateCompleted})
	return nil
}
