// Package pool provides type-safe object pooling for the encoding hot
// path. Output sinks encode every batch into pooled buffers so steady
// state collection allocates no per-flush scratch memory.
package pool

import (
	"bytes"
	"sync"
)

// Pool is a typed wrapper over sync.Pool with an optional reset hook
// applied before objects are returned to the pool.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

// New creates a pool. reset may be nil.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} { return newFn() }
	return p
}

// Get takes an object from the pool.
func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an object to the pool after resetting it.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.pool.Put(obj)
}

// oversizeBuffer is the cap above which buffers are discarded instead
// of pooled, so one giant batch does not pin memory forever.
const oversizeBuffer = 1 << 22

var buffers = New(
	func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 16*1024)) },
	func(b *bytes.Buffer) { b.Reset() },
)

// GetBuffer takes a scratch buffer from the shared pool.
func GetBuffer() *bytes.Buffer {
	return buffers.Get()
}

// PutBuffer returns a scratch buffer to the shared pool.
func PutBuffer(b *bytes.Buffer) {
	if b.Cap() > oversizeBuffer {
		return
	}
	buffers.Put(b)
}
