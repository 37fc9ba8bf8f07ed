// Package completion delivers the single answer to each accepted call.
package completion

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/callbridge/internal/interop"
	"github.com/rs/zerolog/log"
)

// Sink receives completion events in delivery order.
type Sink func(interop.CompletionEvent)

// Channel fans completion events out to a sink. A Channel with no sink, or a
// closed Channel, drops events.
type Channel struct {
	mu        sync.Mutex
	sink      Sink
	closed    bool
	delivered atomic.Int64
	dropped   atomic.Int64
}

// New creates a channel delivering to sink. sink may be nil and set later.
func New(sink Sink) *Channel {
	return &Channel{sink: sink}
}

// SetSink replaces the delivery target.
func (c *Channel) SetSink(sink Sink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// Close stops delivery. Pending calls completed afterwards are dropped.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Delivered returns the number of events handed to a sink.
func (c *Channel) Delivered() int64 {
	return c.delivered.Load()
}

// Dropped returns the number of events discarded by a closed or sinkless
// channel.
func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}

// Begin opens the one-shot slot for a call. Each call gets its own ticket, so
// two calls sharing the same call id text are completed independently.
func (c *Channel) Begin(callID string) *Pending {
	return &Pending{ch: c, callID: callID}
}

func (c *Channel) deliver(ev interop.CompletionEvent) bool {
	c.mu.Lock()
	sink := c.sink
	closed := c.closed
	c.mu.Unlock()

	if closed || sink == nil {
		c.dropped.Add(1)
		log.Debug().Str("call_id", ev.CallID).Bool("closed", closed).Msg("completion.Channel drop")
		return false
	}
	sink(ev)
	c.delivered.Add(1)
	return true
}

// Pending is the completion ticket for one call.
type Pending struct {
	ch     *Channel
	callID string
	done   atomic.Bool
}

// CallID returns the echoed call id.
func (p *Pending) CallID() string {
	return p.callID
}

// Done reports whether the ticket has been completed.
func (p *Pending) Done() bool {
	return p.done.Load()
}

// Complete delivers the completion. It reports whether a sink received the
// event. Completing the same ticket twice panics with ErrDuplicateCompletion.
func (p *Pending) Complete(success bool, payloadJSON string) bool {
	if !p.done.CompareAndSwap(false, true) {
		panic(fmt.Errorf("%w: call %q", interop.ErrDuplicateCompletion, p.callID))
	}
	return p.ch.deliver(interop.CompletionEvent{
		CallID:      p.callID,
		Success:     success,
		PayloadJSON: payloadJSON,
	})
}

// Succeed completes with an already encoded JSON result.
func (p *Pending) Succeed(resultJSON string) bool {
	return p.Complete(true, resultJSON)
}

// Fail completes with a diagnostic string encoded as a JSON string.
func (p *Pending) Fail(diagnostic string) bool {
	raw, err := json.Marshal(diagnostic)
	if err != nil {
		raw = []byte(`"completion: unencodable diagnostic"`)
	}
	return p.Complete(false, string(raw))
}
