// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness waiter for a connection's read side.

package reactor

import (
	"bufio"
	"errors"
	"net"
	"os"
	"time"
)

// Readiness is the outcome of one bounded wait.
type Readiness int

const (
	// NotReady means the timeout elapsed without input.
	NotReady Readiness = iota
	// Readable means at least one byte can be read without blocking.
	Readable
	// Hangup means the socket reported an error or the peer went away.
	Hangup
)

func (r Readiness) String() string {
	switch r {
	case Readable:
		return "readable"
	case Hangup:
		return "hangup"
	default:
		return "not-ready"
	}
}

// Waiter blocks until a connection becomes readable or hangs up. Wait must be
// called by one goroutine at a time, the one that owns br.
type Waiter interface {
	Wait(timeout time.Duration) (Readiness, error)
	Close() error
}

// NewWaiter returns the native waiter for conn when the platform supports
// one, or a deadline based waiter otherwise. br is the buffered reader that
// fronts conn; buffered bytes count as readable.
func NewWaiter(conn net.Conn, br *bufio.Reader) Waiter {
	if w, err := newNativeWaiter(conn, br); err == nil {
		return w
	}
	return &deadlineWaiter{conn: conn, br: br}
}

// deadlineWaiter peeks one byte under a read deadline. It works for any
// net.Conn, including TLS sessions and in-memory pipes.
type deadlineWaiter struct {
	conn net.Conn
	br   *bufio.Reader
}

func (w *deadlineWaiter) Wait(timeout time.Duration) (Readiness, error) {
	if w.br.Buffered() > 0 {
		return Readable, nil
	}
	if err := w.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Hangup, err
	}
	_, err := w.br.Peek(1)
	w.conn.SetReadDeadline(time.Time{})
	switch {
	case err == nil:
		return Readable, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return NotReady, nil
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return NotReady, nil
		}
		return Hangup, err
	}
}

func (w *deadlineWaiter) Close() error { return nil }
