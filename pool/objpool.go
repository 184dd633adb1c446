// File: pool/objpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import "sync"

// ObjectPool is a generic object pool.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool wraps sync.Pool for generic usage.
type SyncPool[T any] struct {
	pool  *sync.Pool
	reset func(T) T
}

// NewSyncPool creates a new SyncPool with a creator function. reset, when
// non-nil, runs on every object handed back through Put.
func NewSyncPool[T any](creator func() T, reset func(T) T) *SyncPool[T] {
	return &SyncPool[T]{
		pool:  &sync.Pool{New: func() any { return creator() }},
		reset: reset,
	}
}

var _ ObjectPool[*[]byte] = (*SyncPool[*[]byte])(nil)

func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

func (sp *SyncPool[T]) Put(obj T) {
	if sp.reset != nil {
		obj = sp.reset(obj)
	}
	sp.pool.Put(obj)
}
