// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Goroutine-safe FIFO of messages backed by a ring-buffer queue.

package protocol

import (
	"sync"

	"github.com/eapache/queue"
)

// MessageList keeps messages in append order.
type MessageList struct {
	mu sync.Mutex
	q  *queue.Queue
}

// NewMessageList returns an empty list.
func NewMessageList() *MessageList {
	return &MessageList{q: queue.New()}
}

// Append adds m at the tail.
func (l *MessageList) Append(m *Message) {
	if m == nil {
		return
	}
	l.mu.Lock()
	l.q.Add(m)
	l.mu.Unlock()
}

// PopFirst removes and returns the oldest message, or nil when empty.
func (l *MessageList) PopFirst() *Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.q.Length() == 0 {
		return nil
	}
	return l.q.Remove().(*Message)
}

// Len returns the number of queued messages.
func (l *MessageList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.Length()
}

// Messages returns a snapshot in append order.
func (l *MessageList) Messages() []*Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Message, l.q.Length())
	for i := range out {
		out[i] = l.q.Get(i).(*Message)
	}
	return out
}

// Clear drops every queued message.
func (l *MessageList) Clear() {
	l.mu.Lock()
	l.q = queue.New()
	l.mu.Unlock()
}
