package transport

import (
	"fmt"

	"github.com/sterndu/datatransfer/pkg/frame"
	"github.com/sterndu/datatransfer/pkg/log"
)

// Owner identifies who registered a handler. Ownership is by identity:
// two owners with the same name are still different owners.
type Owner struct {
	name string
}

// NewOwner creates an owner token.
func NewOwner(name string) *Owner {
	return &Owner{name: name}
}

// String returns the owner's name.
func (o *Owner) String() string {
	if o == nil {
		return "<nil>"
	}
	return o.name
}

type registration struct {
	owner *Owner
	fn    Handler
}

// RegisterHandler binds fn to frame type t on behalf of owner. A nil fn
// removes the binding. It returns false if another owner holds t. Control
// types belong to the transport and cannot be registered.
//
// Frames of type t that arrived before registration are delivered to fn in
// arrival order before RegisterHandler returns, on the calling goroutine.
// Frames of type t that arrive meanwhile are delivered after them.
func (c *Conn) RegisterHandler(t frame.Type, owner *Owner, fn Handler) bool {
	if owner == nil {
		return false
	}
	if t.IsControl() && owner != c.internal {
		c.metrics.HandlerConflict()
		c.logger.Debug("handler registration refused", "type", t, "owner", owner, "reason", "control type")
		return false
	}

	c.recvMu.Lock()
	if cur, ok := c.handlers[t]; ok && cur.owner != owner {
		c.recvMu.Unlock()
		c.metrics.HandlerConflict()
		c.logger.Debug("handler registration refused", "type", t, "owner", owner, "holder", cur.owner)
		return false
	}
	if fn == nil {
		delete(c.handlers, t)
		c.recvMu.Unlock()
		return true
	}
	c.handlers[t] = registration{owner: owner, fn: fn}
	if _, draining := c.backlog[t]; draining {
		c.recvMu.Unlock()
		return true
	}
	pending := c.extractLocked(t)
	if len(pending) == 0 {
		c.recvMu.Unlock()
		return true
	}
	c.backlog[t] = nil
	c.recvMu.Unlock()

	c.drain(t, pending)
	return true
}

// drain delivers pending frames of type t, then whatever dispatch parked
// in the backlog meanwhile, until the backlog is empty. Each frame goes to
// the handler registered at the time it is delivered. If the type is
// deregistered midway the rest returns to the receive queue.
func (c *Conn) drain(t frame.Type, pending []frame.Frame) {
	for {
		c.recvMu.Lock()
		if len(pending) == 0 {
			pending = c.backlog[t]
			if len(pending) == 0 {
				delete(c.backlog, t)
				c.recvMu.Unlock()
				return
			}
			c.backlog[t] = nil
		}
		reg, ok := c.handlers[t]
		if !ok {
			c.queue = append(c.queue, pending...)
			c.queue = append(c.queue, c.backlog[t]...)
			delete(c.backlog, t)
			c.recvMu.Unlock()
			return
		}
		c.recvMu.Unlock()

		c.deliver(reg.fn, pending[0])
		pending = pending[1:]
	}
}

// HandlerOwner returns the owner of frame type t, or nil.
func (c *Conn) HandlerOwner(t frame.Type) *Owner {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.handlers[t].owner
}

// extractLocked removes and returns queued frames of type t in arrival
// order. The caller holds recvMu.
func (c *Conn) extractLocked(t frame.Type) []frame.Frame {
	var out []frame.Frame
	kept := c.queue[:0]
	for _, f := range c.queue {
		if f.Type == t {
			out = append(out, f)
		} else {
			kept = append(kept, f)
		}
	}
	clear(c.queue[len(kept):])
	c.queue = kept
	return out
}

// dispatch hands f to its handler or appends it to the receive queue.
// While queued frames of f's type are being handed to a new handler, f
// waits behind them. Control frames nothing handles are dropped.
func (c *Conn) dispatch(f frame.Frame) {
	c.recvMu.Lock()
	if backlog, draining := c.backlog[f.Type]; draining {
		c.backlog[f.Type] = append(backlog, f)
		c.recvMu.Unlock()
		return
	}
	reg, ok := c.handlers[f.Type]
	if !ok && f.Type.IsControl() {
		c.recvMu.Unlock()
		c.metrics.ControlDropped(int8(f.Type))
		c.logger.Debug("control frame dropped", "type", f.Type, "size", len(f.Payload))
		return
	}
	if !ok {
		c.queue = append(c.queue, f)
		c.recvMu.Unlock()
		c.logger.Debug("frame queued", "type", f.Type, "size", len(f.Payload))
		return
	}
	c.recvMu.Unlock()
	c.deliver(reg.fn, f)
}

func (c *Conn) deliver(fn Handler, f frame.Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "type", f.Type, "panic", fmt.Sprint(r))
			c.logEvent(log.Event{
				Direction: log.DirectionIn,
				Layer:     log.LayerApplication,
				Category:  log.CategoryError,
				Error: &log.ErrorEventData{
					Layer:   log.LayerApplication,
					Message: fmt.Sprint(r),
					Context: "handler " + f.Type.String(),
				},
			})
		}
	}()
	fn(f.Type, f.Payload)
}

// NextMessage removes and returns the oldest queued frame.
func (c *Conn) NextMessage() (frame.Frame, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if len(c.queue) == 0 {
		return frame.Frame{}, ErrNoMessage
	}
	f := c.queue[0]
	c.queue[0] = frame.Frame{}
	c.queue = c.queue[1:]
	return f, nil
}

// HasMessage reports whether frames are waiting in the receive queue.
func (c *Conn) HasMessage() bool {
	return c.MessageCount() > 0
}

// MessageCount returns the number of queued frames.
func (c *Conn) MessageCount() int {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return len(c.queue)
}
