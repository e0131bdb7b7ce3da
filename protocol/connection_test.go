// Copyright 2025 momentics@gmail.com
// License: Apache 2.0

package protocol_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/fake"
	"github.com/momentics/wscore/protocol"
)

// recorder is a Handler that captures every delivered message.
type recorder struct {
	mu     sync.Mutex
	msgs   []*protocol.Message
	got    chan *protocol.Message
	closes atomic.Int32
	onMsg  func(ctx context.Context, c *protocol.WSConnection, m *protocol.Message)
}

func newRecorder() *recorder {
	return &recorder{got: make(chan *protocol.Message, 64)}
}

func (r *recorder) OnMessage(ctx context.Context, c *protocol.WSConnection, m *protocol.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	if r.onMsg != nil {
		r.onMsg(ctx, c, m)
	}
	r.got <- m
}

func (r *recorder) OnClose(*protocol.WSConnection) { r.closes.Add(1) }

func (r *recorder) messages() []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.Message(nil), r.msgs...)
}

func (r *recorder) next(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case m := <-r.got:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func testOptions(role api.Role, h protocol.Handler) protocol.Options {
	return protocol.Options{
		Role:             role,
		Handler:          h,
		PollInterval:     10 * time.Millisecond,
		CloseWait:        200 * time.Millisecond,
		CloseRetries:     5,
		FrameReadTimeout: time.Second,
		Logger:           log.New(io.Discard, "", 0),
	}
}

// openConn starts a connection over loopback TCP and returns the raw peer.
func openConn(t *testing.T, opts protocol.Options) (*protocol.WSConnection, net.Conn) {
	t.Helper()
	local, peer := fake.TCPPair(t)
	c, err := protocol.NewConnection(local, opts)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Close(ctx)
		c.Wait(ctx)
	})
	return c, peer
}

var peerKey = [4]byte{0xa1, 0xb2, 0xc3, 0xd4}

func peerSend(t *testing.T, peer net.Conn, fin bool, opcode byte, payload []byte) {
	t.Helper()
	_, err := peer.Write(protocol.AppendMaskedFrame(nil, fin, opcode, payload, peerKey))
	require.NoError(t, err)
}

func peerRead(t *testing.T, peer net.Conn) *protocol.WSFrame {
	t.Helper()
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := protocol.ReadFrame(peer, 0)
	require.NoError(t, err)
	return f
}

func waitDone(t *testing.T, c *protocol.WSConnection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("connection did not tear down, state=%s", c.State())
	}
}

func TestPingProducesExactlyOnePong(t *testing.T) {
	rec := newRecorder()
	c, peer := openConn(t, testOptions(api.RoleServer, rec))

	peerSend(t, peer, true, protocol.OpcodePing, []byte("abc"))
	pong := peerRead(t, peer)
	assert.EqualValues(t, protocol.OpcodePong, pong.Opcode)
	assert.Equal(t, "abc", string(pong.Payload))
	assert.False(t, pong.Masked)

	peerSend(t, peer, true, protocol.OpcodeText, []byte("after"))
	assert.Equal(t, "after", rec.next(t).Text())

	for _, m := range rec.messages() {
		assert.NotEqualValues(t, protocol.OpcodePing, m.Opcode, "ping must not reach the handler")
	}

	peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := protocol.ReadFrame(peer, 0)
	assert.Error(t, err, "no second pong")

	pongs := 0
	for _, m := range c.Outgoing().Messages() {
		if m.Opcode == protocol.OpcodePong {
			pongs++
		}
	}
	assert.Equal(t, 1, pongs)
}

func TestUnmaskedFrameIsDiscardedOnServer(t *testing.T) {
	rec := newRecorder()
	c, peer := openConn(t, testOptions(api.RoleServer, rec))

	_, err := peer.Write(protocol.AppendFrame(nil, true, protocol.OpcodeText, []byte("bad")))
	require.NoError(t, err)
	peerSend(t, peer, true, protocol.OpcodeText, []byte("good"))

	assert.Equal(t, "good", rec.next(t).Text())
	require.Eventually(t, func() bool { return c.Incoming().Len() == 1 }, time.Second, 5*time.Millisecond)
	for _, m := range c.Incoming().Messages() {
		assert.NotEqual(t, "bad", m.Text())
	}
	assert.EqualValues(t, 1, c.GetStats().Dropped)
	assert.True(t, c.Connected(), "a bad message does not end the connection")
}

func TestOversizedMessageIsDiscarded(t *testing.T) {
	rec := newRecorder()
	opts := testOptions(api.RoleServer, rec)
	opts.MaxMessageSize = 16
	c, peer := openConn(t, opts)

	peerSend(t, peer, true, protocol.OpcodeBinary, make([]byte, 32))
	peerSend(t, peer, true, protocol.OpcodeText, []byte("ok"))

	assert.Equal(t, "ok", rec.next(t).Text())
	assert.EqualValues(t, 1, c.GetStats().Dropped)
}

func TestFragmentedInboundWithInterleavedPing(t *testing.T) {
	rec := newRecorder()
	_, peer := openConn(t, testOptions(api.RoleServer, rec))

	peerSend(t, peer, false, protocol.OpcodeText, []byte("hel"))
	peerSend(t, peer, true, protocol.OpcodePing, []byte("p"))
	peerSend(t, peer, true, protocol.OpcodeContinuation, []byte("lo"))

	pong := peerRead(t, peer)
	assert.EqualValues(t, protocol.OpcodePong, pong.Opcode)
	m := rec.next(t)
	assert.EqualValues(t, protocol.OpcodeText, m.Opcode)
	assert.Equal(t, "hello", m.Text())
}

func TestPeerCloseIsAnswered(t *testing.T) {
	rec := newRecorder()
	c, peer := openConn(t, testOptions(api.RoleServer, rec))

	peerSend(t, peer, true, protocol.OpcodeClose, []byte{0x03, 0xE8})
	reply := peerRead(t, peer)
	assert.EqualValues(t, protocol.OpcodeClose, reply.Opcode)
	assert.Equal(t, []byte{0x03, 0xE8}, reply.Payload)

	waitDone(t, c)
	assert.Equal(t, api.StateClosed, c.State())
	assert.EqualValues(t, 1, rec.closes.Load())
	assert.True(t, c.ManagerClosed())

	peer.SetReadDeadline(time.Now().Add(time.Second))
	_, err := protocol.ReadFrame(peer, 0)
	assert.Error(t, err, "only one close frame is sent")
}

func TestLocalCloseWithPeerReply(t *testing.T) {
	rec := newRecorder()
	c, peer := openConn(t, testOptions(api.RoleServer, rec))

	go func() {
		for {
			f, err := protocol.ReadFrame(peer, 0)
			if err != nil {
				return
			}
			if f.Opcode == protocol.OpcodeClose {
				peer.Write(protocol.AppendMaskedFrame(nil, true, protocol.OpcodeClose, f.Payload, peerKey))
				return
			}
		}
	}()

	require.NoError(t, c.SendMessage(context.Background(), protocol.OpcodeClose, nil))
	assert.True(t, c.Closing())
	waitDone(t, c)
	assert.EqualValues(t, 1, rec.closes.Load())

	assert.ErrorIs(t, c.SendText(context.Background(), "late"), protocol.ErrNotConnected)
}

func TestLocalCloseWithoutPeerReply(t *testing.T) {
	rec := newRecorder()
	c, peer := openConn(t, testOptions(api.RoleServer, rec))
	go io.Copy(io.Discard, peer)

	start := time.Now()
	require.NoError(t, c.Close(context.Background()))
	assert.True(t, c.Closing())
	waitDone(t, c)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.EqualValues(t, 1, rec.closes.Load())
	assert.Equal(t, api.StateClosed, c.State())
}

func TestPeerHangupTearsDown(t *testing.T) {
	rec := newRecorder()
	c, peer := openConn(t, testOptions(api.RoleServer, rec))

	require.NoError(t, peer.Close())
	waitDone(t, c)
	assert.EqualValues(t, 1, rec.closes.Load())
}

func TestHandlerMayCloseFromCallback(t *testing.T) {
	rec := newRecorder()
	rec.onMsg = func(ctx context.Context, c *protocol.WSConnection, m *protocol.Message) {
		if m.Text() == "bye" {
			assert.NoError(t, c.Close(ctx))
		}
	}
	c, peer := openConn(t, testOptions(api.RoleServer, rec))

	peerSend(t, peer, true, protocol.OpcodeText, []byte("bye"))
	f := peerRead(t, peer)
	require.EqualValues(t, protocol.OpcodeClose, f.Opcode)
	peerSend(t, peer, true, protocol.OpcodeClose, f.Payload)

	waitDone(t, c)
	assert.EqualValues(t, 1, rec.closes.Load())
}

func TestManagerReturnClosesConnection(t *testing.T) {
	rec := newRecorder()
	opts := testOptions(api.RoleServer, rec)
	opts.Manager = func(ctx context.Context, c *protocol.WSConnection) {
		assert.NoError(t, c.SendText(ctx, "from manager"))
	}
	c, peer := openConn(t, opts)

	f := peerRead(t, peer)
	assert.Equal(t, "from manager", string(f.Payload))
	f = peerRead(t, peer)
	assert.EqualValues(t, protocol.OpcodeClose, f.Opcode)

	waitDone(t, c)
	assert.True(t, c.ManagerClosed())
	assert.EqualValues(t, 1, rec.closes.Load())
}

func TestManagerIsCancelledByPeerClose(t *testing.T) {
	rec := newRecorder()
	opts := testOptions(api.RoleServer, rec)
	stopped := make(chan struct{})
	opts.Manager = func(ctx context.Context, c *protocol.WSConnection) {
		<-ctx.Done()
		close(stopped)
	}
	c, peer := openConn(t, opts)
	assert.False(t, c.ManagerClosed())

	peerSend(t, peer, true, protocol.OpcodeClose, nil)
	<-stopped
	waitDone(t, c)
	assert.True(t, c.ManagerClosed())
}

func TestClientRoleMasksOutgoingFrames(t *testing.T) {
	rec := newRecorder()
	c, peer := openConn(t, testOptions(api.RoleClient, rec))

	require.NoError(t, c.SendText(context.Background(), "masked please"))
	f := peerRead(t, peer)
	assert.True(t, f.Masked)
	assert.Equal(t, "masked please", string(f.Payload))

	_, err := peer.Write(protocol.EncodeFrame(protocol.OpcodeText, []byte("plain")))
	require.NoError(t, err)
	assert.Equal(t, "plain", rec.next(t).Text())
}

func TestStartTwice(t *testing.T) {
	c, _ := openConn(t, testOptions(api.RoleServer, nil))
	err := c.Start()
	assert.True(t, errors.Is(err, api.ErrParam))
}

func TestConnectionReplaysHandshakeLeftovers(t *testing.T) {
	rec := newRecorder()
	opts := testOptions(api.RoleClient, rec)
	opts.Buffered = protocol.EncodeFrame(protocol.OpcodeText, []byte("early"))
	_, peer := openConn(t, opts)

	assert.Equal(t, "early", rec.next(t).Text())
	_, err := peer.Write(protocol.EncodeFrame(protocol.OpcodeText, []byte("later")))
	require.NoError(t, err)
	assert.Equal(t, "later", rec.next(t).Text())
}

// frameLog is an Observer that records inbound frame opcodes.
type frameLog struct {
	mu  sync.Mutex
	in  []byte
	out int
}

func (l *frameLog) FrameIn(opcode byte, _ int) {
	l.mu.Lock()
	l.in = append(l.in, opcode)
	l.mu.Unlock()
}

func (l *frameLog) FrameOut(byte, int) {
	l.mu.Lock()
	l.out++
	l.mu.Unlock()
}

func (l *frameLog) Dropped(error) {}

func (l *frameLog) inbound() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.in...)
}

func TestObserverSeesEveryInboundFrame(t *testing.T) {
	rec := newRecorder()
	obs := &frameLog{}
	opts := testOptions(api.RoleServer, rec)
	opts.Observer = obs
	c, peer := openConn(t, opts)

	peerSend(t, peer, false, protocol.OpcodeText, []byte("hel"))
	peerSend(t, peer, true, protocol.OpcodePing, []byte("p"))
	peerSend(t, peer, true, protocol.OpcodeContinuation, []byte("lo"))

	assert.EqualValues(t, protocol.OpcodePong, peerRead(t, peer).Opcode)
	assert.Equal(t, "hello", rec.next(t).Text())

	assert.Equal(t, []byte{protocol.OpcodeText, protocol.OpcodePing, protocol.OpcodeContinuation}, obs.inbound())
	assert.EqualValues(t, 3, c.GetStats().FramesIn)
}

func TestCloseInsideFragmentedMessageEndsPromptly(t *testing.T) {
	rec := newRecorder()
	opts := testOptions(api.RoleServer, rec)
	opts.FrameReadTimeout = 5 * time.Second
	c, peer := openConn(t, opts)

	start := time.Now()
	peerSend(t, peer, false, protocol.OpcodeText, []byte("par"))
	peerSend(t, peer, true, protocol.OpcodeClose, []byte{0x03, 0xE8})

	reply := peerRead(t, peer)
	assert.EqualValues(t, protocol.OpcodeClose, reply.Opcode)
	assert.Equal(t, []byte{0x03, 0xE8}, reply.Payload)

	waitDone(t, c)
	assert.Less(t, time.Since(start), time.Second, "teardown must not wait for the frame read timeout")
	assert.Empty(t, rec.messages(), "the partial message is discarded")
	assert.EqualValues(t, 1, rec.closes.Load())
}

func TestLocalCloseAnswersPingBeforeReply(t *testing.T) {
	rec := newRecorder()
	opts := testOptions(api.RoleServer, rec)
	opts.CloseRetries = 100
	c, peer := openConn(t, opts)

	after := make(chan *protocol.WSFrame, 1)
	go func() {
		for {
			f, err := protocol.ReadFrame(peer, 0)
			if err != nil {
				close(after)
				return
			}
			if f.Opcode == protocol.OpcodeClose {
				wire := protocol.AppendMaskedFrame(nil, true, protocol.OpcodePing, []byte("still there"), peerKey)
				wire = protocol.AppendMaskedFrame(wire, true, protocol.OpcodeClose, f.Payload, peerKey)
				peer.Write(wire)
				break
			}
		}
		peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := protocol.ReadFrame(peer, 0)
		if err == nil {
			after <- f
		}
		close(after)
	}()

	require.NoError(t, c.Close(context.Background()))
	waitDone(t, c)

	select {
	case f, ok := <-after:
		require.True(t, ok, "no frame after the close")
		assert.EqualValues(t, protocol.OpcodePong, f.Opcode)
		assert.Equal(t, "still there", string(f.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("peer did not finish")
	}
}
