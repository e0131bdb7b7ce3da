// File: client/dialer.go
// Package client
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/protocol"
)

// ErrNoHandler is returned when Dial is called without a handler.
var ErrNoHandler = api.Param("client connection needs a handler")

// NetDialFunc opens the transport socket.
type NetDialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option customizes a Dialer.
type Option func(*Dialer)

// WithLogger routes client and connection logs to l.
func WithLogger(l *log.Logger) Option {
	return func(d *Dialer) { d.log = l }
}

// WithObserver attaches a traffic observer to dialed connections.
func WithObserver(o protocol.Observer) Option {
	return func(d *Dialer) { d.observer = o }
}

// WithTLSConfig sets the TLS configuration for wss and https URLs.
func WithTLSConfig(c *tls.Config) Option {
	return func(d *Dialer) { d.tlsConfig = c }
}

// WithNetDial replaces the TCP dialer.
func WithNetDial(fn NetDialFunc) Option {
	return func(d *Dialer) { d.netDial = fn }
}

// WithHeader adds headers to every upgrade request.
func WithHeader(h http.Header) Option {
	return func(d *Dialer) { d.header = h.Clone() }
}

// WithManager runs fn beside the reader of every dialed connection. It
// takes precedence over the configured heartbeat.
func WithManager(fn protocol.ManagerFunc) Option {
	return func(d *Dialer) { d.manager = fn }
}

// Dialer opens client-role connections.
type Dialer struct {
	cfg       *Config
	log       *log.Logger
	observer  protocol.Observer
	tlsConfig *tls.Config
	netDial   NetDialFunc
	header    http.Header
	manager   protocol.ManagerFunc
}

// NewDialer builds a Dialer. A nil cfg takes DefaultConfig.
func NewDialer(cfg *Config, opts ...Option) *Dialer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	d := &Dialer{cfg: &c, log: log.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial connects with default settings.
func Dial(ctx context.Context, rawURL string, h protocol.Handler, opts ...Option) (*protocol.WSConnection, error) {
	return NewDialer(nil, opts...).Dial(ctx, rawURL, h)
}

// Dial resolves rawURL, performs the opening handshake and returns a started
// connection. The socket is closed on any failure.
func (d *Dialer) Dial(ctx context.Context, rawURL string, h protocol.Handler) (*protocol.WSConnection, error) {
	if h == nil {
		return nil, ErrNoHandler
	}
	target, err := NewRequest(rawURL, d.cfg.Protocols, d.cfg.Extensions)
	if err != nil {
		return nil, err
	}
	if d.cfg.Origin != "" {
		target.Request.Origin = d.cfg.Origin
	}
	for k, vs := range d.header {
		for _, v := range vs {
			target.Request.Header.Add(k, v)
		}
	}

	conn, err := d.dial(ctx, target)
	if err != nil {
		return nil, err
	}
	res, rest, err := d.handshake(ctx, conn, target)
	if err != nil {
		conn.Close()
		return nil, err
	}

	opts := protocol.Options{
		Role:      api.RoleClient,
		Secure:    target.Secure,
		Protocol:  res.Protocol,
		Extension: res.Extension,
		Request: &http.Request{
			Method: http.MethodGet,
			URL:    target.URL,
			Host:   target.Request.Host,
			Header: target.Request.Header,
		},
		Handler:  h,
		Manager:  d.manager,
		Logger:   d.log,
		Observer: d.observer,
		Buffered: rest,
	}
	if opts.Manager == nil && d.cfg.HeartbeatInterval > 0 {
		opts.Manager = Heartbeat(d.cfg.HeartbeatInterval)
	}
	d.cfg.Apply(&opts)

	c, err := protocol.NewConnection(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.Start(); err != nil {
		conn.Close()
		return nil, err
	}
	if d.cfg.Debug {
		d.log.Printf("[wscore/client] connected %s to %s protocol=%q", c.ID(), target.Addr, res.Protocol)
	}
	return c, nil
}

func (d *Dialer) dial(ctx context.Context, target *Target) (net.Conn, error) {
	dial := d.netDial
	if dial == nil {
		nd := &net.Dialer{Timeout: d.cfg.DialTimeout}
		dial = nd.DialContext
	}
	conn, err := dial(ctx, "tcp", target.Addr)
	if err != nil {
		return nil, api.Socket("dial", err).WithContext("addr", target.Addr)
	}
	if !target.Secure {
		return conn, nil
	}

	cfg := d.tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = target.ServerName
	}
	if d.cfg.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}
	tconn := tls.Client(conn, cfg)
	hctx := ctx
	if d.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
		defer cancel()
	}
	if err := tconn.HandshakeContext(hctx); err != nil {
		conn.Close()
		return nil, api.Socket("tls handshake", err).WithContext("addr", target.Addr)
	}
	return tconn, nil
}

func (d *Dialer) handshake(ctx context.Context, conn net.Conn, target *Target) (*protocol.HandshakeResult, []byte, error) {
	if d.cfg.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(d.cfg.HandshakeTimeout))
	}
	// a cancelled ctx unblocks the exchange through an expired deadline
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	key, err := protocol.NewSecKey()
	if err != nil {
		return nil, nil, err
	}
	if err := protocol.WriteClientHandshake(conn, target.Request, key); err != nil {
		return nil, nil, err
	}
	res, rest, err := protocol.ReadClientHandshake(conn, key, d.cfg.MaxHeaderSize)
	if err != nil {
		return nil, nil, err
	}
	if !stop() {
		return nil, nil, api.Socket("handshake cancelled", ctx.Err())
	}
	conn.SetDeadline(time.Time{})
	return res, rest, nil
}

// Heartbeat returns a manager that pings every interval until the connection
// starts closing or a ping fails.
func Heartbeat(interval time.Duration) protocol.ManagerFunc {
	return func(ctx context.Context, c *protocol.WSConnection) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := c.Ping(ctx, nil); err != nil {
					return
				}
			}
		}
	}
}
