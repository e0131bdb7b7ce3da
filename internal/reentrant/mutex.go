// File: internal/reentrant/mutex.go
// Package reentrant provides a mutex that the same logical task may acquire
// repeatedly.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Go has no goroutine identity, so ownership is an explicit token carried in a
// context.Context. A task obtains its token once with WithOwner and passes the
// derived context to every Lock call. Contexts without a token acquire the
// mutex exclusively and never nest. A token must not be shared by goroutines
// running at the same time.

package reentrant

import (
	"context"
	"sync"
	"sync/atomic"
)

type ownerKey struct{}

var lastOwner atomic.Uint64

// WithOwner returns a copy of ctx carrying a fresh ownership token.
func WithOwner(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownerKey{}, lastOwner.Add(1))
}

// OwnerFrom extracts the ownership token of ctx.
func OwnerFrom(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(ownerKey{}).(uint64)
	return id, ok && id != 0
}

// Mutex is a reentrant lock keyed by ownership tokens. The zero value is
// ready to use.
type Mutex struct {
	once  sync.Once
	sem   chan struct{}
	mu    sync.Mutex
	owner uint64
	depth int
}

func (m *Mutex) init() {
	m.once.Do(func() { m.sem = make(chan struct{}, 1) })
}

// Lock acquires m for the owner carried by ctx and returns the matching
// unlock function. Blocking is bounded by ctx; on expiry ctx.Err() is
// returned and the lock is not held.
func (m *Mutex) Lock(ctx context.Context) (func(), error) {
	m.init()
	id, hasOwner := OwnerFrom(ctx)
	if hasOwner {
		m.mu.Lock()
		if m.owner == id {
			m.depth++
			m.mu.Unlock()
			return m.unlock, nil
		}
		m.mu.Unlock()
	}

	select {
	case m.sem <- struct{}{}:
	default:
		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	m.owner = id
	m.depth = 1
	m.mu.Unlock()
	return m.unlock, nil
}

func (m *Mutex) unlock() {
	m.mu.Lock()
	if m.depth == 0 {
		m.mu.Unlock()
		panic("reentrant: unlock of unlocked mutex")
	}
	m.depth--
	if m.depth > 0 {
		m.mu.Unlock()
		return
	}
	m.owner = 0
	m.mu.Unlock()
	<-m.sem
}
