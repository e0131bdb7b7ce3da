// File: protocol/reader.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reader loop: readiness wait, message decode and dispatch.

package protocol

import (
	"context"
	"time"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/reactor"
)

// readLoop drives the connection while it is OPEN and always ends in the
// close sequence.
func (c *WSConnection) readLoop() {
	defer c.closeSequence()
	for c.Connected() {
		if !c.readOnce() {
			return
		}
	}
}

// readOnce performs one bounded wait and at most one message dispatch under
// the read lock. It returns false when the loop must stop.
func (c *WSConnection) readOnce() bool {
	unlock, err := c.readMu.Lock(c.rctx)
	if err != nil {
		return false
	}
	defer unlock()

	if !c.Connected() {
		return false
	}

	ready, err := c.waiter.Wait(c.opts.PollInterval)
	switch ready {
	case reactor.NotReady:
		return true
	case reactor.Hangup:
		c.debugf("socket hangup: %v", err)
		c.broken.Store(true)
		c.advance(api.StateClosing)
		return false
	}

	msg, err := c.nextMessage(c.rctx)
	if err != nil {
		if api.CodeOf(err) == api.ErrCodeSocket {
			c.debugf("read failed: %v", err)
			c.broken.Store(true)
			c.advance(api.StateClosing)
			return false
		}
		c.drop(err)
		return c.Connected()
	}

	c.dispatch(c.rctx, msg)
	return c.Connected()
}

// nextMessage decodes one message under the frame read deadline. The read
// lock must be held by the owner of ctx; control frames found between
// fragments are answered on its behalf.
func (c *WSConnection) nextMessage(ctx context.Context) (*Message, error) {
	c.lockCtx = ctx
	c.conn.SetReadDeadline(time.Now().Add(c.opts.FrameReadTimeout))
	defer c.conn.SetReadDeadline(time.Time{})
	msg, err := c.reader.Next()
	c.framesReceived.Add(int64(c.reader.Frames))
	if err != nil {
		return nil, err
	}
	c.bytesReceived.Add(int64(msg.Len))
	return msg, nil
}

// frameIn reports each decoded frame to the observer.
func (c *WSConnection) frameIn(f *WSFrame) {
	if c.opts.Observer != nil {
		c.opts.Observer.FrameIn(f.Opcode, int(f.PayloadLen))
	}
}

// dispatch applies the control policy, hands data to the handler and
// archives the message.
func (c *WSConnection) dispatch(ctx context.Context, m *Message) {
	switch m.Opcode {
	case OpcodeClose:
		c.answerClose(ctx, m)
	case OpcodePing:
		c.answerPing(ctx, m)
	default:
		if c.opts.Handler != nil {
			c.opts.Handler.OnMessage(ctx, c, m)
		}
	}
	c.incoming.Append(m)
}

// handleInterleaved receives control frames found between fragments.
func (c *WSConnection) handleInterleaved(m *Message) {
	c.dispatch(c.lockCtx, m)
}

func (c *WSConnection) answerClose(ctx context.Context, m *Message) {
	if c.Connected() && !c.closeSent.Load() {
		var echo []byte
		if len(m.Data) >= 2 {
			echo = m.Data[:2]
		}
		if err := c.writeControl(ctx, OpcodeClose, echo); err != nil {
			c.errorf("close reply failed: %v", err)
		}
	}
	c.advance(api.StateClosing)
}

func (c *WSConnection) answerPing(ctx context.Context, m *Message) {
	if !c.Connected() {
		return
	}
	if err := c.writeControl(ctx, OpcodePong, m.Data); err != nil {
		c.errorf("pong failed: %v", err)
	}
}

func (c *WSConnection) drop(err error) {
	c.dropped.Add(1)
	if c.opts.Observer != nil {
		c.opts.Observer.Dropped(err)
	}
	c.debugf("message discarded: %v", err)
}
