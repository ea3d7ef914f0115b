// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

// Package callstack provides fixed-capacity instruction pointer buffers that
// can be obtained without allocating, and the unwinders filling them.
package callstack

import (
	"errors"
	"runtime"

	"github.com/DataDog/native-sampler/internal/threads"
)

// MaxFrames is the capacity of every call stack.
const MaxFrames = 512

// Frames is the storage of one call stack.
type Frames [MaxFrames]uintptr

// ErrPoolExhausted is returned when no call stack buffer is available.
var ErrPoolExhausted = errors.New("callstack: no buffer available")

// Callstack is a capped list of instruction pointers. Its storage belongs to
// a Pool or an Allocator and is given back by Release.
type Callstack struct {
	frames *Frames
	n      int
	owner  releaser
	slot   int
}

type releaser interface {
	release(cs *Callstack)
}

// Buffer returns the full-capacity storage, to be filled by an unwinder.
func (cs *Callstack) Buffer() []uintptr {
	if cs.frames == nil {
		return nil
	}
	return cs.frames[:]
}

// SetCount sets the number of valid frames, capped to MaxFrames.
func (cs *Callstack) SetCount(n int) {
	cs.n = min(max(n, 0), MaxFrames)
}

// Frames returns the valid frames.
func (cs *Callstack) Frames() []uintptr {
	if cs.frames == nil {
		return nil
	}
	return cs.frames[:cs.n]
}

// Len returns the number of valid frames.
func (cs *Callstack) Len() int { return cs.n }

// Valid reports whether cs holds storage.
func (cs *Callstack) Valid() bool { return cs.frames != nil }

// Release gives the storage back to its owner. cs is empty afterwards.
func (cs *Callstack) Release() {
	if cs.owner != nil {
		cs.owner.release(cs)
	}
	*cs = Callstack{}
}

// Unwinder walks the stack of a thread into pcs and returns the number of
// frames written.
type Unwinder interface {
	Unwind(t *threads.Info, pcs []uintptr) int
}

// UnwinderFunc adapts a function to the Unwinder interface.
type UnwinderFunc func(t *threads.Info, pcs []uintptr) int

// Unwind implements Unwinder.
func (f UnwinderFunc) Unwind(t *threads.Info, pcs []uintptr) int { return f(t, pcs) }

// CallersUnwinder unwinds the calling goroutine with runtime.Callers. It is
// only meaningful when a thread samples itself.
type CallersUnwinder struct {
	// Skip is the number of caller frames to omit, in addition to Unwind
	// itself.
	Skip int
}

// Unwind implements Unwinder.
func (u CallersUnwinder) Unwind(_ *threads.Info, pcs []uintptr) int {
	// skip runtime.Callers and Unwind
	return runtime.Callers(2+u.Skip, pcs)
}
