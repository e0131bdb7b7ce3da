// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import "math/bits"

const (
	minClassShift = 9  // 512 B
	maxClassShift = 22 // 4 MiB
)

// BytePool hands out zero-length slices with at least the requested
// capacity. Requests above the largest class are allocated directly and
// never retained.
type BytePool struct {
	classes [maxClassShift - minClassShift + 1]*Typed[*[]byte]
}

// Frames backs frame encoding on the send path.
var Frames = NewBytePool()

// NewBytePool builds a pool with one class per power of two.
func NewBytePool() *BytePool {
	bp := &BytePool{}
	for i := range bp.classes {
		size := 1 << (minClassShift + i)
		bp.classes[i] = NewTyped(func() *[]byte {
			b := make([]byte, 0, size)
			return &b
		})
	}
	return bp
}

func classOf(n int) int {
	if n <= 1<<minClassShift {
		return 0
	}
	return bits.Len(uint(n-1)) - minClassShift
}

// Get returns a slice with len 0 and cap >= n.
func (bp *BytePool) Get(n int) []byte {
	c := classOf(n)
	if c >= len(bp.classes) {
		return make([]byte, 0, n)
	}
	return (*bp.classes[c].Get())[:0]
}

// Put recycles b. Slices whose capacity is not an exact class are dropped.
func (bp *BytePool) Put(b []byte) {
	n := cap(b)
	if n < 1<<minClassShift || n&(n-1) != 0 {
		return
	}
	c := classOf(n)
	if c >= len(bp.classes) {
		return
	}
	b = b[:0]
	bp.classes[c].Put(&b)
}
