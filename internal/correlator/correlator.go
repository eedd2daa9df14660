// Package correlator matches peer responses to the callers waiting for them.
//
// Every outbound request gets an ID from one process-wide sequence and an
// entry in the pending table. The entry is removed by exactly one of: a
// matching response, its deadline, a connection-loss sweep, or Cancel.
package correlator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/tabbridge/internal/monitor"
	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
	"github.com/turtacn/tabbridge/pkg/logger"
	"github.com/turtacn/tabbridge/pkg/protocol"
)

// Kind tags a pending entry with the sub-protocol that created it. A
// response only resolves an entry of the same kind.
type Kind int

const (
	HTTPCall Kind = iota + 1
	ConfigCall
)

func (k Kind) String() string {
	switch k {
	case HTTPCall:
		return "http"
	case ConfigCall:
		return "config"
	}
	return fmt.Sprintf("kind_%d", int(k))
}

// KindOf maps a response envelope to the kind of call it answers.
func KindOf(t protocol.Kind) Kind {
	if t == protocol.KindConfigResponse {
		return ConfigCall
	}
	return HTTPCall
}

// Result is delivered exactly once on a pending entry's channel.
type Result struct {
	Envelope *protocol.Envelope
	Err      error
}

// Sender writes one envelope to the peer.
type Sender interface {
	Send(ctx context.Context, env *protocol.Envelope) error
}

type entry struct {
	kind  Kind
	sink  chan Result
	timer *time.Timer
}

type Correlator struct {
	seq atomic.Int64

	mu      sync.Mutex
	pending map[int64]*entry

	log logger.Logger
}

func New(log logger.Logger) *Correlator {
	if log == nil {
		log = logger.Log
	}
	return &Correlator{
		pending: make(map[int64]*entry),
		log:     log.With("component", "correlator"),
	}
}

// NextID returns the next request ID. IDs start at 1 and never repeat for
// the life of the process.
func (c *Correlator) NextID() int64 {
	return c.seq.Add(1)
}

// Register adds a pending entry for id. With timeout > 0 the entry fails with
// a Timeout error if nothing resolves it first.
func (c *Correlator) Register(id int64, kind Kind, timeout time.Duration) (<-chan Result, error) {
	e := &entry{kind: kind, sink: make(chan Result, 1)}

	c.mu.Lock()
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, pkgerrors.New(pkgerrors.ErrCodeUnknown, "correlator.Register",
			fmt.Sprintf("request id %d is already pending", id), nil)
	}
	c.pending[id] = e
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() { c.expire(id, e, timeout) })
	}
	c.mu.Unlock()

	monitor.PendingRequests.Inc()
	return e.sink, nil
}

// Resolve hands env to the entry registered under id. It returns false, and
// drops env, when no entry of that kind is pending.
func (c *Correlator) Resolve(id int64, kind Kind, env *protocol.Envelope) bool {
	c.mu.Lock()
	e, ok := c.pending[id]
	if !ok || e.kind != kind {
		c.mu.Unlock()
		monitor.UnmatchedResponsesTotal.Inc()
		if ok {
			c.log.Warn("Response kind does not match pending request", "request_id", id, "pending", e.kind, "got", kind)
		} else {
			c.log.Warn("Received response for unknown request ID", "request_id", id, "kind", kind)
		}
		return false
	}
	delete(c.pending, id)
	c.stop(e)
	c.mu.Unlock()

	c.deliver(e, Result{Envelope: env})
	return true
}

// Cancel drops the entry for id without delivering anything. Used when the
// request never reached the peer.
func (c *Correlator) Cancel(id int64) bool {
	c.mu.Lock()
	e, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.stop(e)
	}
	c.mu.Unlock()

	if ok {
		monitor.PendingRequests.Dec()
	}
	return ok
}

// FailAll delivers err to every pending entry and empties the table.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	failed := c.pending
	c.pending = make(map[int64]*entry)
	for _, e := range failed {
		c.stop(e)
	}
	c.mu.Unlock()

	for _, e := range failed {
		c.deliver(e, Result{Err: err})
	}
	if len(failed) > 0 {
		c.log.Warn("Failed all pending requests", "count", len(failed), "err", err)
	}
	return len(failed)
}

// Pending reports how many entries are waiting.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call registers a new ID, sends the envelope built for it, and waits for the
// outcome. If the send fails the entry is cancelled and the send error is
// returned. If ctx ends first the entry stays pending and is cleaned up by
// whatever resolves it later.
func (c *Correlator) Call(ctx context.Context, s Sender, kind Kind, timeout time.Duration, build func(id int64) *protocol.Envelope) (*protocol.Envelope, error) {
	id := c.NextID()
	ch, err := c.Register(id, kind, timeout)
	if err != nil {
		return nil, err
	}
	if err := s.Send(ctx, build(id)); err != nil {
		c.Cancel(id)
		return nil, err
	}
	select {
	case r := <-ch:
		return r.Envelope, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Correlator) expire(id int64, e *entry, after time.Duration) {
	c.mu.Lock()
	if cur, ok := c.pending[id]; !ok || cur != e {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.mu.Unlock()

	c.log.Warn("Request timed out", "request_id", id, "kind", e.kind, "after", after)
	c.deliver(e, Result{Err: pkgerrors.New(pkgerrors.ErrCodeTimeout, "correlator",
		fmt.Sprintf("no response from peer within %s", after), nil)})
}

func (c *Correlator) stop(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
}

// deliver never blocks: the sink has room for exactly one result and only
// the goroutine that removed the entry from the table writes to it.
func (c *Correlator) deliver(e *entry, r Result) {
	e.sink <- r
	monitor.PendingRequests.Dec()
}

// Personal.AI order the ending
