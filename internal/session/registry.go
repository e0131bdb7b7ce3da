// File: internal/session/registry.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sharded, thread-safe registry of active connections.

package session

import (
	"context"
	"hash/fnv"
	"sync"
)

// Member is anything registered by a stable identifier.
type Member interface {
	ID() string
}

// Registry tracks live members. Add and Remove are O(1); Range iterates a
// snapshot so members may deregister while it runs.
type Registry[T Member] struct {
	shards []*shard[T]
	mask   uint32

	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

type shard[T Member] struct {
	mu      sync.RWMutex
	members map[string]T
}

// NewRegistry constructs a registry with shardCount shards rounded up to a
// power of two.
func NewRegistry[T Member](shardCount int) *Registry[T] {
	if shardCount <= 0 {
		shardCount = 16
	}
	// find power-of-two shards for bitmasking
	n := nextPowerOfTwo(uint32(shardCount))
	r := &Registry[T]{shards: make([]*shard[T], n), mask: n - 1}
	for i := range r.shards {
		r.shards[i] = &shard[T]{members: make(map[string]T)}
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *Registry[T]) shard(id string) *shard[T] {
	return r.shards[fnv32(id)&r.mask]
}

// Add registers m. It reports false if the id is already present.
func (r *Registry[T]) Add(m T) bool {
	id := m.ID()
	sh := r.shard(id)
	sh.mu.Lock()
	if _, ok := sh.members[id]; ok {
		sh.mu.Unlock()
		return false
	}
	sh.members[id] = m
	sh.mu.Unlock()

	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	return true
}

// Get fetches a member if present.
func (r *Registry[T]) Get(id string) (T, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	m, ok := sh.members[id]
	return m, ok
}

// Remove deregisters id and wakes every Wait caller. Removing an unknown id
// is a no-op.
func (r *Registry[T]) Remove(id string) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	_, ok := sh.members[id]
	delete(sh.members, id)
	sh.mu.Unlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	r.count--
	r.cond.Broadcast()
	r.mu.Unlock()
	return true
}

// Len returns the number of registered members.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Range applies fn to a snapshot of all members. Returning false stops.
func (r *Registry[T]) Range(fn func(T) bool) {
	for _, m := range r.Snapshot() {
		if !fn(m) {
			return
		}
	}
}

// Snapshot copies the current members.
func (r *Registry[T]) Snapshot() []T {
	out := make([]T, 0, r.Len())
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, m := range sh.members {
			out = append(out, m)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Wait blocks until the registry is empty or ctx is done.
func (r *Registry[T]) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.count > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.cond.Wait()
	}
	return nil
}

// fnv32 hashes a string to uint32.
func fnv32(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
