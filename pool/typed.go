// File: pool/typed.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import "sync"

// Typed is a sync.Pool that stores values of one type.
type Typed[T any] struct {
	p sync.Pool
}

// NewTyped returns a pool that calls fill when it has nothing to reuse.
func NewTyped[T any](fill func() T) *Typed[T] {
	t := &Typed[T]{}
	t.p.New = func() any { return fill() }
	return t
}

// Get takes a value out of the pool.
func (t *Typed[T]) Get() T { return t.p.Get().(T) }

// Put hands v back for reuse.
func (t *Typed[T]) Put(v T) { t.p.Put(v) }
