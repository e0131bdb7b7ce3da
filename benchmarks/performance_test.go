// Package benchmarks
// Author: momentics <momentics@gmail.com>
//
// Performance benchmarks for wscore components.

package benchmarks

import (
	"bytes"
	"context"
	"io"
	"log"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/fake"
	"github.com/momentics/wscore/internal/session"
	"github.com/momentics/wscore/pool"
	"github.com/momentics/wscore/protocol"
)

// BenchmarkFramePool measures size-class buffer reuse.
func BenchmarkFramePool(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := pool.Frames.Get(4096)
			pool.Frames.Put(buf)
		}
	})
}

// BenchmarkEncodeMasked measures client-side frame encoding.
func BenchmarkEncodeMasked(b *testing.B) {
	payload := bytes.Repeat([]byte("x"), 1024)
	key := [4]byte{1, 2, 3, 4}
	dst := make([]byte, 0, protocol.FrameSize(len(payload), true))
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst = protocol.AppendMaskedFrame(dst[:0], true, protocol.OpcodeBinary, payload, key)
	}
}

// BenchmarkReadMessageFragmented measures reassembly of a 64 KiB message
// split into 4 KiB frames.
func BenchmarkReadMessageFragmented(b *testing.B) {
	frames, err := protocol.Fragment(protocol.OpcodeBinary, make([]byte, 64<<10), 4<<10)
	if err != nil {
		b.Fatal(err)
	}
	var wire []byte
	for i := range frames {
		wire = frames[i].AppendTo(wire)
	}
	b.SetBytes(int64(len(wire)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := protocol.ReadMessage(bytes.NewReader(wire), false, 0); err != nil {
			b.Fatal(err)
		}
	}
}

type member string

func (m member) ID() string { return string(m) }

// BenchmarkRegistryAddRemove measures registry churn under contention.
func BenchmarkRegistryAddRemove(b *testing.B) {
	r := session.NewRegistry[member](16)
	var seq atomic.Int64
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m := member(strconv.FormatInt(seq.Add(1), 10))
			r.Add(m)
			r.Remove(m.ID())
		}
	})
}

// BenchmarkSendMessage measures the server send path over loopback TCP.
func BenchmarkSendMessage(b *testing.B) {
	local, peer := fake.TCPPair(b)
	go io.Copy(io.Discard, peer)
	c, err := protocol.NewConnection(local, protocol.Options{
		Role:    api.RoleServer,
		Handler: protocol.HandlerFuncs{},
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		b.Fatal(err)
	}
	if err := c.Start(); err != nil {
		b.Fatal(err)
	}
	defer c.Close(context.Background())

	payload := bytes.Repeat([]byte("y"), 512)
	ctx := context.Background()
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.SendBinary(ctx, payload); err != nil {
			b.Fatal(err)
		}
		// keep the archive from growing across iterations
		c.Outgoing().PopFirst()
	}
}
