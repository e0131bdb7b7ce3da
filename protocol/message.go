// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Logical messages and reassembly of fragmented frame sequences.

package protocol

import (
	"io"
	"time"

	"github.com/momentics/wscore/api"
)

// Message is one logical unit delivered to or from the application. The opcode
// is the opcode of its first frame.
type Message struct {
	Opcode    byte
	Data      []byte
	Len       int
	Masked    bool
	Timestamp time.Time
}

// NewMessage stamps a message with the current time.
func NewMessage(opcode byte, data []byte, masked bool) *Message {
	return &Message{
		Opcode:    opcode,
		Data:      data,
		Len:       len(data),
		Masked:    masked,
		Timestamp: time.Now(),
	}
}

// Text returns the payload as a string.
func (m *Message) Text() string { return string(m.Data) }

// ErrCloseInMessage reports a close frame received between the fragments of a
// data message. The close is handed to OnControl first; the partial message
// is discarded.
var ErrCloseInMessage = api.Protocol("close frame inside a fragmented message", nil)

// MessageReader reassembles frames from a stream into messages.
type MessageReader struct {
	R io.Reader
	// RequireMask rejects unmasked frames (server role).
	RequireMask bool
	// Limit bounds the reassembled payload size; zero disables the check.
	Limit int64
	// OnControl receives control frames that arrive between the fragments of
	// a data message. Without it such frames are dropped.
	OnControl func(*Message)
	// OnFrame sees every frame read, fragments and control frames included.
	// Oversized frames arrive with the header only.
	OnFrame func(*WSFrame)
	// Frames counts the frames consumed by the last Next call.
	Frames int
}

// Next returns the next complete message. Frames of a rejected message are
// consumed up to its final frame before the error is returned, so the stream
// stays aligned for the following message.
func (mr *MessageReader) Next() (*Message, error) {
	var (
		msg      *Message
		data     []byte
		rejected error
	)
	mr.Frames = 0
	for {
		f, err := ReadFrame(mr.R, mr.Limit)
		if f != nil {
			mr.Frames++
			if mr.OnFrame != nil {
				mr.OnFrame(f)
			}
		}
		if err != nil {
			if f == nil || api.CodeOf(err) != api.ErrCodeMemory {
				return nil, err
			}
			// oversized frame already drained; finish the sequence
			if f.IsFinal && !IsControl(f.Opcode) {
				return nil, err
			}
			if IsControl(f.Opcode) {
				if msg == nil && rejected == nil {
					return nil, err
				}
				continue
			}
			rejected = err
			if msg == nil {
				msg = &Message{Opcode: f.Opcode}
			}
			continue
		}

		if IsControl(f.Opcode) {
			if mr.RequireMask && !f.Masked {
				if msg == nil && rejected == nil {
					return nil, errUnmasked(f.Opcode)
				}
				continue
			}
			ctrl := NewMessage(f.Opcode, f.Payload, f.Masked)
			if msg == nil && rejected == nil {
				return ctrl, nil
			}
			if mr.OnControl != nil {
				mr.OnControl(ctrl)
			}
			if f.Opcode == OpcodeClose {
				return nil, ErrCloseInMessage
			}
			continue
		}

		switch {
		case f.Opcode == OpcodeContinuation && msg == nil:
			return nil, api.Protocol("continuation frame without a message in progress", nil)
		case f.Opcode != OpcodeContinuation && msg != nil:
			return nil, api.Protocol("new data frame inside a fragmented message", nil).
				WithContext("opcode", OpcodeName(f.Opcode))
		}

		if msg == nil {
			msg = &Message{Opcode: f.Opcode, Masked: f.Masked}
		}
		if mr.RequireMask && !f.Masked && rejected == nil {
			rejected = errUnmasked(msg.Opcode)
		}
		if rejected == nil {
			if mr.Limit > 0 && int64(len(data))+f.PayloadLen > mr.Limit {
				rejected = api.Memory("message exceeds limit").WithContext("limit", mr.Limit)
				data = nil
			} else {
				data = append(data, f.Payload...)
			}
		}

		if f.IsFinal {
			if rejected != nil {
				return nil, rejected
			}
			msg.Data = data
			msg.Len = len(data)
			msg.Timestamp = time.Now()
			return msg, nil
		}
	}
}

func errUnmasked(opcode byte) error {
	return api.Protocol("unmasked frame from client", nil).WithContext("opcode", OpcodeName(opcode))
}

// ReadMessage reads one message from r. See MessageReader.
func ReadMessage(r io.Reader, requireMask bool, limit int64) (*Message, error) {
	mr := MessageReader{R: r, RequireMask: requireMask, Limit: limit}
	return mr.Next()
}
