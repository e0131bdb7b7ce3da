// File: protocol/connection.go
// Package protocol implements the core WebSocket connection handling.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WSConnection encapsulates a full-duplex WebSocket session on an upgraded
// socket: one reader goroutine, an optional manager goroutine and any number
// of senders, coordinated by a forward-only state machine and one reentrant
// lock per direction.

package protocol

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/internal/reentrant"
	"github.com/momentics/wscore/reactor"
)

// Handler receives connection events.
type Handler interface {
	// OnMessage runs on the reader goroutine for every data or pong message,
	// before the message is archived. ctx carries the reader's lock
	// ownership, so sending from here (close included) does not deadlock.
	OnMessage(ctx context.Context, c *WSConnection, m *Message)
	// OnClose runs exactly once when the connection starts tearing down.
	OnClose(c *WSConnection)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Message func(ctx context.Context, c *WSConnection, m *Message)
	Close   func(c *WSConnection)
}

func (h HandlerFuncs) OnMessage(ctx context.Context, c *WSConnection, m *Message) {
	if h.Message != nil {
		h.Message(ctx, c, m)
	}
}

func (h HandlerFuncs) OnClose(c *WSConnection) {
	if h.Close != nil {
		h.Close(c)
	}
}

// ManagerFunc is long-lived application logic running beside the reader.
// ctx is cancelled once the connection starts closing. Returning moves the
// connection to CLOSING.
type ManagerFunc func(ctx context.Context, c *WSConnection)

// Observer receives traffic notifications, one call per frame in each
// direction. Implementations must be safe for concurrent use.
type Observer interface {
	FrameIn(opcode byte, n int)
	FrameOut(opcode byte, n int)
	Dropped(err error)
}

// Options configure a connection. Zero durations and counts take the
// package defaults.
type Options struct {
	Role      api.Role
	Secure    bool
	Protocol  string
	Extension string
	Request   *http.Request

	Handler Handler
	Manager ManagerFunc

	PollInterval     time.Duration
	CloseWait        time.Duration
	CloseRetries     int
	FrameReadTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64

	Logger   *log.Logger
	Debug    bool
	Observer Observer

	// Buffered holds stream bytes already consumed while reading the
	// handshake; they are replayed before the socket.
	Buffered []byte
	// OnTeardown runs last in the close sequence.
	OnTeardown func(c *WSConnection)
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.CloseWait <= 0 {
		o.CloseWait = DefaultCloseWait
	}
	if o.CloseRetries <= 0 {
		o.CloseRetries = DefaultCloseRetries
	}
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// WSConnection encapsulates a full-duplex WebSocket session.
type WSConnection struct {
	id     string
	conn   net.Conn
	br     *bufio.Reader
	reader *MessageReader
	waiter reactor.Waiter
	opts   Options
	log    *log.Logger

	started       atomic.Bool
	state         atomic.Int32
	managerClosed atomic.Bool
	closeSent     atomic.Bool
	broken        atomic.Bool

	readMu  reentrant.Mutex
	writeMu reentrant.Mutex

	incoming *MessageList
	outgoing *MessageList

	rctx        context.Context
	lockCtx     context.Context // owner of the read lock while decoding
	ctx         context.Context
	cancel      context.CancelFunc
	managerDone chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	bytesReceived  atomic.Int64
	bytesSent      atomic.Int64
	framesReceived atomic.Int64
	framesSent     atomic.Int64
	dropped        atomic.Int64
}

// NewConnection wraps an upgraded socket. The connection stays in INIT until
// Start.
func NewConnection(conn net.Conn, opts Options) (*WSConnection, error) {
	if conn == nil {
		return nil, api.Param("nil socket")
	}
	opts.setDefaults()

	br := bufio.NewReader(conn)
	if n := len(opts.Buffered); n > 0 {
		// load the leftovers into the buffer so readiness checks see them
		br = bufio.NewReaderSize(io.MultiReader(bytes.NewReader(opts.Buffered), conn), max(n, 4096))
		if _, err := br.Peek(n); err != nil {
			return nil, api.Memory("buffer handshake leftovers")
		}
	}
	c := &WSConnection{
		id:          uuid.NewString(),
		conn:        conn,
		br:          br,
		opts:        opts,
		log:         opts.Logger,
		incoming:    NewMessageList(),
		outgoing:    NewMessageList(),
		managerDone: make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.reader = &MessageReader{
		R:           c.br,
		RequireMask: opts.Role == api.RoleServer,
		Limit:       opts.MaxMessageSize,
		OnFrame:     c.frameIn,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// ID returns the connection's unique identifier.
func (c *WSConnection) ID() string { return c.id }

// Role reports which side of the handshake this endpoint played.
func (c *WSConnection) Role() api.Role { return c.opts.Role }

// Secure reports whether the socket is encrypted.
func (c *WSConnection) Secure() bool { return c.opts.Secure }

// Protocol returns the negotiated subprotocol, if any.
func (c *WSConnection) Protocol() string { return c.opts.Protocol }

// Extension returns the negotiated extension, if any.
func (c *WSConnection) Extension() string { return c.opts.Extension }

// Request returns the upgrade request metadata, if known.
func (c *WSConnection) Request() *http.Request { return c.opts.Request }

// RemoteAddr returns the peer address.
func (c *WSConnection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Incoming returns the archive of received messages.
func (c *WSConnection) Incoming() *MessageList { return c.incoming }

// Outgoing returns the archive of sent messages.
func (c *WSConnection) Outgoing() *MessageList { return c.outgoing }

// State returns the current lifecycle state.
func (c *WSConnection) State() api.ConnState { return api.ConnState(c.state.Load()) }

// Connected reports whether the connection is OPEN.
func (c *WSConnection) Connected() bool { return c.State() == api.StateOpen }

// Closing reports whether the connection has left OPEN.
func (c *WSConnection) Closing() bool { return c.State() >= api.StateClosing }

// ManagerClosed reports whether the manager task is finished or absent.
func (c *WSConnection) ManagerClosed() bool { return c.managerClosed.Load() }

// Done is closed once teardown has completed.
func (c *WSConnection) Done() <-chan struct{} { return c.done }

// Wait blocks until teardown completes or ctx is done.
func (c *WSConnection) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// advance moves the state machine forward to s. It reports whether this
// call performed the transition.
func (c *WSConnection) advance(s api.ConnState) bool {
	for {
		cur := c.state.Load()
		if cur >= int32(s) {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			if s >= api.StateClosing {
				c.cancel()
			}
			return true
		}
	}
}

// Start moves the connection to OPEN and launches the reader and, when
// configured, the manager.
func (c *WSConnection) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return api.Param("connection already started").WithContext("state", c.State().String())
	}
	c.waiter = reactor.NewWaiter(c.conn, c.br)
	c.rctx = reentrant.WithOwner(c.ctx)
	c.reader.OnControl = c.handleInterleaved
	c.advance(api.StateOpen)

	if c.opts.Manager != nil {
		go c.runManager()
	} else {
		c.managerClosed.Store(true)
		close(c.managerDone)
	}
	go c.readLoop()
	c.debugf("opened role=%s protocol=%q extension=%q", c.opts.Role, c.opts.Protocol, c.opts.Extension)
	return nil
}

func (c *WSConnection) runManager() {
	defer func() {
		c.managerClosed.Store(true)
		c.advance(api.StateClosing)
		close(c.managerDone)
	}()
	c.opts.Manager(reentrant.WithOwner(c.ctx), c)
}

// closeSequence runs exactly once, on the reader goroutine, after the read
// loop exits.
func (c *WSConnection) closeSequence() {
	c.closeOnce.Do(func() {
		c.advance(api.StateClosing)

		if c.opts.Handler != nil {
			c.opts.Handler.OnClose(c)
		}

		if !c.closeSent.Load() && !c.broken.Load() {
			ctx, cancel := context.WithTimeout(reentrant.WithOwner(context.Background()), c.opts.CloseWait)
			if err := c.writeControl(ctx, OpcodeClose, closePayload(CloseNormalClosure)); err != nil {
				c.debugf("close frame not sent: %v", err)
			}
			cancel()
		}

		<-c.managerDone

		if c.waiter != nil {
			c.waiter.Close()
		}
		c.conn.Close()
		c.incoming.Clear()
		c.outgoing.Clear()
		c.state.Store(int32(api.StateClosed))
		c.debugf("closed")

		if c.opts.OnTeardown != nil {
			c.opts.OnTeardown(c)
		}
		close(c.done)
	})
}

// GetStats returns current connection statistics.
func (c *WSConnection) GetStats() api.Stats {
	return api.Stats{
		FramesIn:  c.framesReceived.Load(),
		FramesOut: c.framesSent.Load(),
		BytesIn:   c.bytesReceived.Load(),
		BytesOut:  c.bytesSent.Load(),
		Dropped:   c.dropped.Load(),
	}
}

func (c *WSConnection) debugf(format string, args ...any) {
	if c.opts.Debug {
		c.log.Printf("[wscore/conn %s] "+format, append([]any{c.id}, args...)...)
	}
}

func (c *WSConnection) errorf(format string, args ...any) {
	c.log.Printf("[wscore/conn %s] "+format, append([]any{c.id}, args...)...)
}

func closePayload(code uint16) []byte {
	return []byte{byte(code >> 8), byte(code)}
}
