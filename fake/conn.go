// Package fake
// Author: momentics <momentics@gmail.com>
//
// Test doubles for sockets: a recording wrapper around a real net.Conn, a
// loopback pair helper and error injection.

package fake

import (
	"bytes"
	"net"
	"sync"
	"testing"
)

// Conn wraps a net.Conn and records every byte written through it.
type Conn struct {
	net.Conn

	mu         sync.Mutex
	written    bytes.Buffer
	writes     int
	writeErr   error
	closeCalls int
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c}
}

// Write records p, then forwards it unless an error was injected.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return 0, err
	}
	c.written.Write(p)
	c.writes++
	c.mu.Unlock()
	return c.Conn.Write(p)
}

// Close closes the wrapped connection and counts the calls.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	return c.Conn.Close()
}

// SetWriteError makes subsequent writes fail with err.
func (c *Conn) SetWriteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Written returns a copy of every byte written so far.
func (c *Conn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written.Bytes()...)
}

// Writes returns the number of Write calls that reached the socket.
func (c *Conn) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// TCPPair returns both ends of a loopback TCP connection. Both are closed
// when the test ends.
func TCPPair(t testing.TB) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type result struct {
		c   net.Conn
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		accepted <- result{c, err}
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	r := <-accepted
	if r.err != nil {
		t.Fatalf("accept: %v", r.err)
	}
	t.Cleanup(func() {
		client.Close()
		r.c.Close()
	})
	return client, r.c
}
