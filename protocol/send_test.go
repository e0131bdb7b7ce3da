// Copyright 2025 momentics@gmail.com
// License: Apache 2.0

package protocol_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/fake"
	"github.com/momentics/wscore/protocol"
)

func openRecordedConn(t *testing.T, role api.Role) (*protocol.WSConnection, *fake.Conn, *recorder) {
	t.Helper()
	local, peer := fake.TCPPair(t)
	tap := fake.NewConn(local)
	rec := newRecorder()
	c, err := protocol.NewConnection(tap, testOptions(role, rec))
	require.NoError(t, err)
	require.NoError(t, c.Start())
	go io.Copy(io.Discard, peer)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Close(ctx)
		c.Wait(ctx)
	})
	return c, tap, rec
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	for _, role := range []api.Role{api.RoleServer, api.RoleClient} {
		t.Run(role.String(), func(t *testing.T) {
			c, tap, _ := openRecordedConn(t, role)

			const senders = 10
			var wg sync.WaitGroup
			for i := 0; i < senders; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					payload := bytes.Repeat([]byte{byte('a' + i)}, 1000+i*7000)
					assert.NoError(t, c.SendMessage(context.Background(), protocol.OpcodeBinary, payload))
				}(i)
			}
			wg.Wait()

			r := bytes.NewReader(tap.Written())
			seen := map[byte]bool{}
			for i := 0; i < senders; i++ {
				f, err := protocol.ReadFrame(r, 0)
				require.NoError(t, err, "frame %d", i)
				assert.True(t, f.IsFinal)
				assert.EqualValues(t, protocol.OpcodeBinary, f.Opcode)
				assert.Equal(t, role == api.RoleClient, f.Masked)
				fill := f.Payload[0]
				assert.Len(t, f.Payload, 1000+int(fill-'a')*7000)
				assert.Equal(t, bytes.Repeat([]byte{fill}, len(f.Payload)), f.Payload)
				seen[fill] = true
			}
			assert.Len(t, seen, senders)
			assert.Zero(t, r.Len(), "no stray bytes")
			assert.Equal(t, senders, c.Outgoing().Len())
			assert.EqualValues(t, senders, c.GetStats().FramesOut)
		})
	}
}

func TestSendFragmentedMessageOnWire(t *testing.T) {
	c, tap, _ := openRecordedConn(t, api.RoleServer)

	require.NoError(t, c.SendFragmentedMessage(context.Background(), protocol.OpcodeText, []byte("0123456789"), 4))

	r := bytes.NewReader(tap.Written())
	want := []struct {
		op   byte
		fin  bool
		data string
	}{
		{protocol.OpcodeText, false, "0123"},
		{protocol.OpcodeContinuation, false, "4567"},
		{protocol.OpcodeContinuation, true, "89"},
	}
	for _, w := range want {
		f, err := protocol.ReadFrame(r, 0)
		require.NoError(t, err)
		assert.Equal(t, w.op, f.Opcode)
		assert.Equal(t, w.fin, f.IsFinal)
		assert.EqualValues(t, len(w.data), f.PayloadLen)
		assert.Equal(t, w.data, string(f.Payload))
	}

	out := c.Outgoing().Messages()
	require.Len(t, out, 1)
	assert.Equal(t, "0123456789", out[0].Text())
	assert.Equal(t, 1, tap.Writes(), "all fragments leave in one write")
}

func TestSendValidation(t *testing.T) {
	local, _ := fake.TCPPair(t)
	idle, err := protocol.NewConnection(local, testOptions(api.RoleServer, nil))
	require.NoError(t, err)
	err = idle.SendText(context.Background(), "x")
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
	assert.True(t, errors.Is(err, api.ErrParam))

	c, tap, _ := openRecordedConn(t, api.RoleServer)
	ctx := context.Background()

	err = c.SendMessage(ctx, 0x3, nil)
	assert.ErrorIs(t, err, protocol.ErrInvalidOpcode)
	err = c.SendMessage(ctx, protocol.OpcodeContinuation, []byte("x"))
	assert.True(t, errors.Is(err, api.ErrParam))
	err = c.Ping(ctx, make([]byte, 126))
	assert.True(t, errors.Is(err, api.ErrParam))
	err = c.SendFragmentedMessage(ctx, protocol.OpcodeText, []byte("x"), 0)
	assert.True(t, errors.Is(err, api.ErrParam))

	assert.Empty(t, tap.Written(), "rejected calls perform no I/O")
	assert.True(t, c.Connected())
}

func TestWriteFailureForcesClosing(t *testing.T) {
	c, tap, rec := openRecordedConn(t, api.RoleServer)
	tap.SetWriteError(errors.New("broken pipe"))

	err := c.SendText(context.Background(), "x")
	assert.True(t, errors.Is(err, api.ErrSocket))
	assert.True(t, c.Closing())
	waitDone(t, c)
	assert.EqualValues(t, 1, rec.closes.Load())
	assert.Equal(t, 1, tap.CloseCalls())
}

func TestCloseOnClosedConnectionIsNoop(t *testing.T) {
	c, _, rec := openRecordedConn(t, api.RoleServer)
	ctx := context.Background()
	require.NoError(t, c.CloseWithCode(ctx, protocol.CloseGoingAway, "bye"))
	waitDone(t, c)
	assert.NoError(t, c.Close(ctx))
	assert.EqualValues(t, 1, rec.closes.Load())
}
