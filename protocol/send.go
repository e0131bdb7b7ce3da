// File: protocol/send.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Send path: opcode validation, write serialization and the close handshake
// initiated by the local side.

package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/internal/reentrant"
	"github.com/momentics/wscore/pool"
	"github.com/momentics/wscore/reactor"
)

var (
	ErrNotConnected  = api.Param("connection is not open")
	ErrInvalidOpcode = api.Param("opcode cannot be sent")
)

// SendMessage writes payload as a single final frame. Calls from any
// goroutine are serialized; ctx bounds the wait for the write lock and
// carries lock ownership for calls made from a handler or manager.
//
// Sending close also waits for the peer's close reply, bounded by the close
// retry budget, and leaves the connection CLOSING whatever the outcome.
func (c *WSConnection) SendMessage(ctx context.Context, opcode byte, payload []byte) error {
	return c.send(ctx, opcode, payload, 0)
}

// SendFragmentedMessage writes payload as a sequence of frames carrying at
// most maxFragment bytes each. Control opcodes are never fragmented.
func (c *WSConnection) SendFragmentedMessage(ctx context.Context, opcode byte, payload []byte, maxFragment int) error {
	if maxFragment <= 0 {
		return api.Param("fragment size must be positive").WithContext("size", maxFragment)
	}
	return c.send(ctx, opcode, payload, maxFragment)
}

// SendText sends a text message.
func (c *WSConnection) SendText(ctx context.Context, text string) error {
	return c.SendMessage(ctx, OpcodeText, []byte(text))
}

// SendBinary sends a binary message.
func (c *WSConnection) SendBinary(ctx context.Context, data []byte) error {
	return c.SendMessage(ctx, OpcodeBinary, data)
}

// Ping sends a ping carrying payload.
func (c *WSConnection) Ping(ctx context.Context, payload []byte) error {
	return c.SendMessage(ctx, OpcodePing, payload)
}

// Close starts the close handshake with a normal closure status. Closing a
// connection that already left OPEN is a no-op.
func (c *WSConnection) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, CloseNormalClosure, "")
}

// CloseWithCode starts the close handshake with code and reason.
func (c *WSConnection) CloseWithCode(ctx context.Context, code uint16, reason string) error {
	if !c.Connected() {
		return nil
	}
	payload := append(closePayload(code), reason...)
	if len(payload) > MaxControlPayloadLen {
		payload = payload[:MaxControlPayloadLen]
	}
	err := c.SendMessage(ctx, OpcodeClose, payload)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *WSConnection) send(ctx context.Context, opcode byte, payload []byte, maxFragment int) error {
	if !validSendOpcode(opcode) {
		return fmt.Errorf("%w: 0x%x", ErrInvalidOpcode, opcode)
	}
	if IsControl(opcode) && len(payload) > MaxControlPayloadLen {
		return api.Param("control payload exceeds 125 bytes").WithContext("length", len(payload))
	}
	if !c.Connected() {
		return ErrNotConnected
	}
	if _, ok := reentrant.OwnerFrom(ctx); !ok {
		ctx = reentrant.WithOwner(ctx)
	}

	unlock, err := c.writeMu.Lock(ctx)
	if err != nil {
		return api.Wrap(api.ErrCodeParam, "write lock not acquired", err)
	}
	defer unlock()

	if !c.Connected() {
		return ErrNotConnected
	}
	if opcode == OpcodeClose {
		return c.sendClose(ctx, payload)
	}
	return c.writeFrames(opcode, payload, maxFragment)
}

// sendClose writes the close frame and collects the peer's reply. The write
// lock is held. The read lock is taken with a bounded wait; if another task
// keeps it, the reply is left to the reader loop.
func (c *WSConnection) sendClose(ctx context.Context, payload []byte) error {
	lctx, cancel := context.WithTimeout(ctx, c.opts.CloseWait)
	unlockRead, lerr := c.readMu.Lock(lctx)
	cancel()

	err := c.writeFrames(OpcodeClose, payload, 0)
	if err == nil {
		c.closeSent.Store(true)
	}
	if lerr == nil {
		if err == nil {
			c.awaitPeerClose(ctx)
		}
		unlockRead()
	} else {
		c.debugf("close reply left to reader: %v", lerr)
	}
	c.advance(api.StateClosing)
	return err
}

// awaitPeerClose reads until the peer's close frame arrives, the socket
// fails, or the retry budget is spent. Messages read meanwhile are archived and
// pings are still answered.
func (c *WSConnection) awaitPeerClose(ctx context.Context) {
	for i := 0; i < c.opts.CloseRetries; i++ {
		ready, err := c.waiter.Wait(c.opts.PollInterval)
		switch ready {
		case reactor.NotReady:
			continue
		case reactor.Hangup:
			c.debugf("hangup while waiting for close reply: %v", err)
			c.broken.Store(true)
			return
		}
		m, err := c.nextMessage(ctx)
		if err != nil {
			if api.CodeOf(err) == api.ErrCodeSocket {
				c.broken.Store(true)
				return
			}
			c.drop(err)
			if errors.Is(err, ErrCloseInMessage) {
				return
			}
			continue
		}
		if m.Opcode == OpcodePing {
			c.answerPing(ctx, m)
		}
		c.incoming.Append(m)
		if m.Opcode == OpcodeClose {
			return
		}
	}
	c.debugf("no close reply after %d attempts", c.opts.CloseRetries)
}

// writeControl sends a single control frame, taking the write lock for ctx's
// owner.
func (c *WSConnection) writeControl(ctx context.Context, opcode byte, payload []byte) error {
	unlock, err := c.writeMu.Lock(ctx)
	if err != nil {
		return api.Wrap(api.ErrCodeParam, "write lock not acquired", err)
	}
	defer unlock()
	if err := c.writeFrames(opcode, payload, 0); err != nil {
		return err
	}
	if opcode == OpcodeClose {
		c.closeSent.Store(true)
	}
	return nil
}

// writeFrames encodes payload into one buffer, fragmented when maxFragment
// is positive, and writes it whole. The write lock must be held. Client role
// frames are masked with a fresh key each.
func (c *WSConnection) writeFrames(opcode byte, payload []byte, maxFragment int) error {
	masked := c.opts.Role == api.RoleClient

	var frames []WSFrame
	if maxFragment > 0 && !IsControl(opcode) {
		var err error
		if frames, err = Fragment(opcode, payload, maxFragment); err != nil {
			return err
		}
	} else {
		frames = []WSFrame{{IsFinal: true, Opcode: opcode, PayloadLen: int64(len(payload)), Payload: payload}}
	}

	size := 0
	for i := range frames {
		size += FrameSize(len(frames[i].Payload), masked)
	}
	buf := pool.Frames.Get(size)
	defer func() { pool.Frames.Put(buf) }()
	for i := range frames {
		if masked {
			key, err := NewMaskKey()
			if err != nil {
				return err
			}
			frames[i].Masked, frames[i].MaskKey = true, key
		}
		buf = frames[i].AppendTo(buf)
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	err := writeFull(c.conn, buf)
	c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		c.broken.Store(true)
		c.advance(api.StateClosing)
		return api.Socket("write frame", err)
	}

	c.framesSent.Add(int64(len(frames)))
	c.bytesSent.Add(int64(len(payload)))
	if c.opts.Observer != nil {
		for i := range frames {
			c.opts.Observer.FrameOut(frames[i].Opcode, len(frames[i].Payload))
		}
	}
	c.outgoing.Append(NewMessage(opcode, append([]byte(nil), payload...), masked))
	return nil
}

// writeFull retries short writes until buf is written or an error occurs.
func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		buf = buf[n:]
	}
	return nil
}
