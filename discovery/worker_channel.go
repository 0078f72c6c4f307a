package discovery

import (
	"container/list"
	"context"
	"sync"
)

// WorkerTransport is the wire underneath a WorkerChannel: whatever
// actually ships a message to the derivation worker. Delivery of
// replies happens out-of-band via WorkerChannel.ReceiveReply /
// ReceiveError, called by whatever reads the transport's incoming
// stream (a listen loop feeding replies in strict FIFO order rather
// than by request id).
type WorkerTransport interface {
	Send(ctx context.Context, message any) error
}

// WorkerReply is the resolved (or rejected) value of a posted request.
type WorkerReply struct {
	Payload any
	Err     error
}

// WorkerChannel is a single-consumer, strict-FIFO RPC channel over a
// long-lived worker (spec §4.2): the n-th posted request resolves with
// the n-th delivered reply, in order. It requires exclusive access —
// correctness depends on post-order equalling reply-order, so callers
// must not post concurrently from more than one goroutine without
// external serialisation.
type WorkerChannel struct {
	mu        sync.Mutex
	transport WorkerTransport
	pending   *list.List // of chan WorkerReply
	closed    bool
}

// NewWorkerChannel opens a channel over transport.
func NewWorkerChannel(transport WorkerTransport) *WorkerChannel {
	return &WorkerChannel{
		transport: transport,
		pending:   list.New(),
	}
}

// Post enqueues a pending reply future and transmits message. The
// returned channel receives exactly one WorkerReply and is then
// closed.
func (c *WorkerChannel) Post(ctx context.Context, message any) (<-chan WorkerReply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	ch := make(chan WorkerReply, 1)
	elem := c.pending.PushBack(ch)
	c.mu.Unlock()

	if err := c.transport.Send(ctx, message); err != nil {
		// Transport failed to even ship this request, so no reply will
		// ever come for it: drop this post's own pending entry and
		// return the error. Futures posted earlier stay queued in
		// order.
		c.mu.Lock()
		c.pending.Remove(elem)
		c.mu.Unlock()
		return nil, err
	}

	return ch, nil
}

// ReceiveReply resolves the oldest pending future with payload. It is
// called by whatever reads the transport's incoming stream. Returns
// ErrProtocol if no future is pending (a reply arrived unsolicited).
func (c *WorkerChannel) ReceiveReply(payload any) error {
	ch, ok := c.popOldest()
	if !ok {
		return ErrProtocol
	}
	ch <- WorkerReply{Payload: payload}
	close(ch)
	return nil
}

// ReceiveError rejects the oldest pending future with err; any
// remaining pending futures are left pending, since the worker may
// still reply to them in order (spec §4.2, §9 Open Question 2).
func (c *WorkerChannel) ReceiveError(err error) error {
	ch, ok := c.popOldest()
	if !ok {
		return ErrProtocol
	}
	ch <- WorkerReply{Err: err}
	close(ch)
	return nil
}

func (c *WorkerChannel) popOldest() (chan WorkerReply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	front := c.pending.Front()
	if front == nil {
		return nil, false
	}
	c.pending.Remove(front)
	return front.Value.(chan WorkerReply), true
}

// Pending reports the number of requests still awaiting a reply.
func (c *WorkerChannel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

// Close detaches the channel from further posting. It does not cancel
// or reject outstanding requests — in-flight futures may still be
// resolved by later ReceiveReply/ReceiveError calls, or discarded by
// the caller (spec §5).
func (c *WorkerChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
