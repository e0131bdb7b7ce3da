// File: server/server.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Instance owns the registry of active connections and the shared metrics.

package server

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/control"
	"github.com/momentics/wscore/internal/session"
	"github.com/momentics/wscore/protocol"
)

var (
	ErrNoHandler    = api.Param("endpoint has no handler")
	ErrShuttingDown = api.Socket("server is shutting down", nil)
)

// KeyActiveConnections is the Stats key for the registry size.
const KeyActiveConnections = "active_connections"

// Endpoint binds application logic to upgraded connections.
type Endpoint struct {
	// Protocols and Extensions override the Config lists when set.
	Protocols  string
	Extensions string
	Handler    protocol.Handler
	Manager    protocol.ManagerFunc
}

// Instance upgrades connections and tracks them until teardown.
type Instance struct {
	cfg     *Config
	log     *log.Logger
	conns   *session.Registry[*protocol.WSConnection]
	metrics *control.MetricsRegistry
	closing atomic.Bool
}

// New builds an Instance. A nil cfg takes DefaultConfig.
func New(cfg *Config, opts ...Option) *Instance {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	s := &Instance{
		cfg:   &c,
		log:   log.Default(),
		conns: session.NewRegistry[*protocol.WSConnection](16),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = control.NewMetricsRegistry()
	}
	s.metrics.RegisterProbe(KeyActiveConnections, func() any { return s.conns.Len() })
	return s
}

// Config returns the effective configuration.
func (s *Instance) Config() Config { return *s.cfg }

// Lookup returns an active connection by ID.
func (s *Instance) Lookup(id string) (*protocol.WSConnection, bool) { return s.conns.Get(id) }

// Connections returns a snapshot of the active connections.
func (s *Instance) Connections() []*protocol.WSConnection { return s.conns.Snapshot() }

// Len returns the number of active connections.
func (s *Instance) Len() int { return s.conns.Len() }

// Stats returns traffic counters plus the active connection count.
func (s *Instance) Stats() map[string]any { return s.metrics.GetSnapshot() }

// Attach adopts an already-upgraded socket in the server role.
func (s *Instance) Attach(conn net.Conn, ep Endpoint) (*protocol.WSConnection, error) {
	return s.attach(conn, s.options(ep))
}

// Broadcast sends one message to every OPEN connection.
func (s *Instance) Broadcast(ctx context.Context, opcode byte, payload []byte) error {
	var errs []error
	s.conns.Range(func(c *protocol.WSConnection) bool {
		if !c.Connected() {
			return true
		}
		if err := s.cfg.Send(ctx, c, opcode, payload); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// Shutdown stops admitting connections, closes the active ones and waits
// until all of them finished teardown or ctx is done.
func (s *Instance) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	var wg sync.WaitGroup
	for _, c := range s.conns.Snapshot() {
		wg.Add(1)
		go func(c *protocol.WSConnection) {
			defer wg.Done()
			if err := c.Close(ctx); err != nil {
				s.debugf("close %s: %v", c.ID(), err)
			}
		}(c)
	}
	wg.Wait()
	return s.conns.Wait(ctx)
}

func (s *Instance) options(ep Endpoint) protocol.Options {
	opts := protocol.Options{
		Role:     api.RoleServer,
		Handler:  ep.Handler,
		Manager:  ep.Manager,
		Logger:   s.log,
		Observer: s.metrics,
		OnTeardown: func(c *protocol.WSConnection) {
			s.conns.Remove(c.ID())
			s.metrics.ConnectionClosed()
		},
	}
	s.cfg.Apply(&opts)
	return opts
}

func (s *Instance) attach(conn net.Conn, opts protocol.Options) (*protocol.WSConnection, error) {
	if opts.Handler == nil {
		conn.Close()
		return nil, ErrNoHandler
	}
	if s.closing.Load() {
		conn.Close()
		return nil, ErrShuttingDown
	}
	c, err := protocol.NewConnection(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conns.Add(c)
	s.metrics.ConnectionOpened()
	if err := c.Start(); err != nil {
		s.conns.Remove(c.ID())
		s.metrics.ConnectionClosed()
		conn.Close()
		return nil, err
	}
	// lost a race with Shutdown's snapshot
	if s.closing.Load() {
		go c.Close(context.Background())
	}
	s.debugf("accepted %s from %s", c.ID(), c.RemoteAddr())
	return c, nil
}

func (s *Instance) debugf(format string, args ...any) {
	if s.cfg.Debug {
		s.log.Printf("[wscore/server] "+format, args...)
	}
}
