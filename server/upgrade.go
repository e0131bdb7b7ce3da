// File: server/upgrade.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Two upgrade paths: hijacking a net/http request, or reading the request
// straight off an accepted socket.

package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/protocol"
)

// Handler returns an http.Handler upgrading every request to ep.
func (s *Instance) Handler(ep Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.Upgrade(w, r, ep); err != nil {
			s.debugf("upgrade %s: %v", r.RemoteAddr, err)
		}
	})
}

// Upgrade negotiates r, hijacks the socket and starts a connection. On a
// negotiation failure a 400 is written and the socket stays with net/http.
func (s *Instance) Upgrade(w http.ResponseWriter, r *http.Request, ep Endpoint) (*protocol.WSConnection, error) {
	if ep.Handler == nil {
		http.Error(w, ErrNoHandler.Error(), http.StatusInternalServerError)
		return nil, ErrNoHandler
	}
	if s.closing.Load() {
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return nil, ErrShuttingDown
	}
	if r.Method != http.MethodGet {
		http.Error(w, "websocket upgrade requires GET", http.StatusMethodNotAllowed)
		return nil, api.Protocol("upgrade with method "+r.Method, nil)
	}
	neg, err := protocol.Negotiate(r.Header, s.protocols(ep), s.extensions(ep))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection cannot be hijacked", http.StatusInternalServerError)
		return nil, api.Socket("response writer does not support hijacking", nil)
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		return nil, api.Socket("hijack", err)
	}
	var leftover []byte
	if n := brw.Reader.Buffered(); n > 0 {
		peek, _ := brw.Reader.Peek(n)
		leftover = bytes.Clone(peek)
	}
	return s.complete(conn, r, r.TLS != nil, neg, leftover, ep)
}

// ServeConn reads an upgrade request from an accepted socket and completes
// the handshake. Rejected requests get an HTTP error reply and the socket is
// closed.
func (s *Instance) ServeConn(conn net.Conn, ep Endpoint) (*protocol.WSConnection, error) {
	if ep.Handler == nil {
		conn.Close()
		return nil, ErrNoHandler
	}
	if s.cfg.FrameReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.FrameReadTimeout))
	}
	limit := s.cfg.MaxHeaderSize
	if limit <= 0 {
		limit = protocol.MaxHandshakeHeadersSize
	}
	lr := &io.LimitedReader{R: conn, N: int64(limit)}
	br := bufio.NewReader(lr)
	req, err := http.ReadRequest(br)
	if err != nil {
		if lr.N == 0 {
			err = protocol.ErrHeadersTooLarge
		} else {
			err = api.Protocol("read upgrade request", err)
		}
		return nil, s.reject(conn, err)
	}
	if req.Method != http.MethodGet {
		return nil, s.reject(conn, api.Protocol("upgrade with method "+req.Method, nil))
	}
	conn.SetReadDeadline(time.Time{})
	req.RemoteAddr = conn.RemoteAddr().String()

	neg, err := protocol.Negotiate(req.Header, s.protocols(ep), s.extensions(ep))
	if err != nil {
		return nil, s.reject(conn, err)
	}
	var leftover []byte
	if n := br.Buffered(); n > 0 {
		peek, _ := br.Peek(n)
		leftover = bytes.Clone(peek)
	}
	_, secure := conn.(*tls.Conn)
	return s.complete(conn, req, secure, neg, leftover, ep)
}

// Serve accepts sockets from ln until ctx is done, then shuts the instance
// down within ShutdownTimeout.
func (s *Instance) Serve(ctx context.Context, ln net.Listener, ep Endpoint) error {
	if ep.Handler == nil {
		return ErrNoHandler
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.log.Printf("[wscore/server] listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Printf("[wscore/server] accept: %v", err)
			continue
		}
		go func() {
			if _, err := s.ServeConn(conn, ep); err != nil {
				s.debugf("handshake %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(sctx)
}

// ListenAndServe binds Config.ListenAddr and runs Serve.
func (s *Instance) ListenAndServe(ctx context.Context, ep Endpoint) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return api.Socket("listen", err).WithContext("addr", s.cfg.ListenAddr)
	}
	return s.Serve(ctx, ln, ep)
}

func (s *Instance) complete(conn net.Conn, r *http.Request, secure bool, neg *protocol.Negotiation, leftover []byte, ep Endpoint) (*protocol.WSConnection, error) {
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := protocol.WriteHandshakeResponse(conn, neg.Header); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	opts := s.options(ep)
	opts.Secure = secure
	opts.Protocol = neg.Protocol
	opts.Extension = neg.Extension
	opts.Request = r
	opts.Buffered = leftover
	return s.attach(conn, opts)
}

func (s *Instance) reject(conn net.Conn, err error) error {
	status := http.StatusBadRequest
	if errors.Is(err, protocol.ErrHeadersTooLarge) {
		status = http.StatusRequestHeaderFieldsTooLarge
	}
	if werr := protocol.WriteHandshakeError(conn, status, err); werr != nil {
		s.debugf("reject %s: %v", conn.RemoteAddr(), werr)
	}
	conn.Close()
	return err
}

func (s *Instance) protocols(ep Endpoint) string {
	if ep.Protocols != "" {
		return ep.Protocols
	}
	return s.cfg.Protocols
}

func (s *Instance) extensions(ep Endpoint) string {
	if ep.Extensions != "" {
		return ep.Extensions
	}
	return s.cfg.Extensions
}
