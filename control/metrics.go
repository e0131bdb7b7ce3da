// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector. Counters are lock-free; named values and probes
// live in a map guarded by a RWMutex.

package control

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/protocol"
)

// Metric keys exported by GetSnapshot.
const (
	KeyConnectionsOpened = "connections_opened"
	KeyConnectionsClosed = "connections_closed"
	KeyFramesIn          = "frames_in"
	KeyFramesOut         = "frames_out"
	KeyBytesIn           = "bytes_in"
	KeyBytesOut          = "bytes_out"
	KeyControlIn         = "control_frames_in"
	KeyProtocolErrors    = "protocol_errors"
	KeyMemoryErrors      = "memory_errors"
	KeyUpdatedAt         = "updated_at"
)

// MetricsRegistry holds traffic counters plus arbitrary named values.
// It implements protocol.Observer.
type MetricsRegistry struct {
	opened, closed      atomic.Int64
	framesIn, framesOut atomic.Int64
	bytesIn, bytesOut   atomic.Int64
	controlIn           atomic.Int64
	protoErrs, memErrs  atomic.Int64

	mu      sync.RWMutex
	metrics map[string]any
	probes  map[string]func() any
	updated time.Time
}

var _ protocol.Observer = (*MetricsRegistry)(nil)

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
		probes:  make(map[string]func() any),
	}
}

// Set sets or updates a metric key.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// RegisterProbe adds a value computed on every snapshot.
func (mr *MetricsRegistry) RegisterProbe(key string, fn func() any) {
	mr.mu.Lock()
	mr.probes[key] = fn
	mr.mu.Unlock()
}

// ConnectionOpened counts a successful upgrade.
func (mr *MetricsRegistry) ConnectionOpened() { mr.opened.Add(1) }

// ConnectionClosed counts a completed teardown.
func (mr *MetricsRegistry) ConnectionClosed() { mr.closed.Add(1) }

// FrameIn implements protocol.Observer.
func (mr *MetricsRegistry) FrameIn(opcode byte, n int) {
	mr.framesIn.Add(1)
	mr.bytesIn.Add(int64(n))
	if protocol.IsControl(opcode) {
		mr.controlIn.Add(1)
	}
}

// FrameOut implements protocol.Observer.
func (mr *MetricsRegistry) FrameOut(_ byte, n int) {
	mr.framesOut.Add(1)
	mr.bytesOut.Add(int64(n))
}

// Dropped implements protocol.Observer.
func (mr *MetricsRegistry) Dropped(err error) {
	switch api.CodeOf(err) {
	case api.ErrCodeMemory:
		mr.memErrs.Add(1)
	default:
		mr.protoErrs.Add(1)
	}
}

// GetSnapshot returns counters, named values and probe results.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics)+len(mr.probes)+10)
	for k, v := range mr.metrics {
		out[k] = v
	}
	for k, fn := range mr.probes {
		out[k] = fn()
	}
	out[KeyConnectionsOpened] = mr.opened.Load()
	out[KeyConnectionsClosed] = mr.closed.Load()
	out[KeyFramesIn] = mr.framesIn.Load()
	out[KeyFramesOut] = mr.framesOut.Load()
	out[KeyBytesIn] = mr.bytesIn.Load()
	out[KeyBytesOut] = mr.bytesOut.Load()
	out[KeyControlIn] = mr.controlIn.Load()
	out[KeyProtocolErrors] = mr.protoErrs.Load()
	out[KeyMemoryErrors] = mr.memErrs.Load()
	if !mr.updated.IsZero() {
		out[KeyUpdatedAt] = mr.updated
	}
	return out
}
