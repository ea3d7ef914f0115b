// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

package callstack

import (
	"sync"
	"sync/atomic"
)

// maxRetries bounds the number of probes of one Acquire.
const maxRetries = 10

type slot struct {
	inUse  atomic.Bool
	frames Frames
}

// Pool is a fixed set of call stack buffers. Acquire and Release are
// lock-free and never allocate, so they can be used from the sampling path.
type Pool struct {
	slots []slot
	next  atomic.Uint32
}

// NewPool returns a pool of size buffers.
func NewPool(size int) *Pool {
	return &Pool{slots: make([]slot, max(size, 1))}
}

// Size returns the number of buffers of the pool.
func (p *Pool) Size() int { return len(p.slots) }

// Acquire returns a free buffer. It probes at most maxRetries times the
// number of slots, starting after the last acquired slot, and returns
// ErrPoolExhausted when all probes fail.
func (p *Pool) Acquire() (Callstack, error) {
	n := uint32(len(p.slots))
	start := p.next.Load()
	for i := uint32(0); i < maxRetries*n; i++ {
		idx := (start + i) % n
		s := &p.slots[idx]
		if s.inUse.Swap(true) {
			continue
		}
		p.next.Store(idx + 1)
		return Callstack{frames: &s.frames, owner: p, slot: int(idx)}, nil
	}
	return Callstack{}, ErrPoolExhausted
}

// InUse returns the number of acquired buffers.
func (p *Pool) InUse() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].inUse.Load() {
			n++
		}
	}
	return n
}

func (p *Pool) release(cs *Callstack) {
	p.slots[cs.slot].inUse.Store(false)
}

// Allocator provides buffers beyond the capacity of a Pool. It is called
// only after the pool is exhausted.
type Allocator interface {
	Allocate() *Frames
	Free(f *Frames)
}

// HeapAllocator recycles heap-allocated buffers. It may allocate, so it must
// not be used where allocation is forbidden.
type HeapAllocator struct {
	pool sync.Pool
}

// Allocate implements Allocator.
func (a *HeapAllocator) Allocate() *Frames {
	if f, ok := a.pool.Get().(*Frames); ok {
		return f
	}
	return new(Frames)
}

// Free implements Allocator.
func (a *HeapAllocator) Free(f *Frames) {
	a.pool.Put(f)
}

// Provider hands out call stacks from a pool, falling back to an upstream
// allocator when one is set.
type Provider struct {
	pool     *Pool
	upstream Allocator
}

// NewProvider returns a provider over pool. upstream may be nil.
func NewProvider(pool *Pool, upstream Allocator) *Provider {
	return &Provider{pool: pool, upstream: upstream}
}

// Get returns a call stack buffer, or ErrPoolExhausted.
func (p *Provider) Get() (Callstack, error) {
	cs, err := p.pool.Acquire()
	if err == nil || p.upstream == nil {
		return cs, err
	}
	f := p.upstream.Allocate()
	if f == nil {
		return Callstack{}, ErrPoolExhausted
	}
	return Callstack{frames: f, owner: (*upstreamReleaser)(p)}, nil
}

type upstreamReleaser Provider

func (u *upstreamReleaser) release(cs *Callstack) {
	u.upstream.Free(cs.frames)
}
