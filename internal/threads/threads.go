// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

// Package threads tracks the application threads known to the sampler.
//
// Everything read from the sampling path is an atomic field of Info, and
// List lookups are lock-free.
package threads

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/DataDog/native-sampler/internal/spinlock"
)

// NoTimer is the timer id of a thread without a sampling timer.
const NoTimer = -1

var lastID atomic.Uint32

// Info describes one application thread. The zero value is not usable; use
// New.
type Info struct {
	id   uint32
	osID int32

	mu   sync.Mutex // guards name
	name string

	appDomainID     atomic.Uint64
	localRootSpanID atomic.Uint64
	spanID          atomic.Uint64

	timerID atomic.Int64

	// walkLock is held while the thread's stack is being walked.
	walkLock       spinlock.Mutex
	wrappedDepth   atomic.Int32
	inFaultHandler atomic.Bool

	lastCPUTime atomic.Int64 // nanoseconds, at the last sample
}

// New returns the Info of the OS thread osID with a fresh profiler id.
// Profiler ids start at 1; 0 means "no thread".
func New(osID int32) *Info {
	t := &Info{
		id:   lastID.Add(1),
		osID: osID,
	}
	t.timerID.Store(NoTimer)
	return t
}

// ID returns the profiler thread id.
func (t *Info) ID() uint32 { return t.id }

// OSThreadID returns the kernel thread id.
func (t *Info) OSThreadID() int32 { return t.osID }

// Name returns the thread name, if any.
func (t *Info) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// SetName sets the thread name.
func (t *Info) SetName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
}

// ProfileThreadID returns the unique label "<id> [#os id]".
func (t *Info) ProfileThreadID() string {
	return fmt.Sprintf("<%d> [#%d]", t.id, t.osID)
}

// ProfileThreadName returns the thread name followed by its OS id.
func (t *Info) ProfileThreadName() string {
	name := t.Name()
	if name == "" {
		name = "Managed thread (name unknown)"
	}
	return fmt.Sprintf("%s [#%d]", name, t.osID)
}

// AppDomainID returns the id of the application domain the thread runs in.
func (t *Info) AppDomainID() uint64 { return t.appDomainID.Load() }

// SetAppDomainID sets the application domain id.
func (t *Info) SetAppDomainID(id uint64) { t.appDomainID.Store(id) }

// TracingContext returns the ids of the local root span and of the active
// span. Both are zero outside of a trace.
func (t *Info) TracingContext() (localRootSpanID, spanID uint64) {
	return t.localRootSpanID.Load(), t.spanID.Load()
}

// SetTracingContext sets the active trace correlation ids.
func (t *Info) SetTracingContext(localRootSpanID, spanID uint64) {
	t.localRootSpanID.Store(localRootSpanID)
	t.spanID.Store(spanID)
}

// TimerID returns the id of the thread's sampling timer, or NoTimer.
func (t *Info) TimerID() int64 { return t.timerID.Load() }

// SetTimerID records id as the thread's timer. It returns false if the thread
// already has one, in which case the caller lost a creation race.
func (t *Info) SetTimerID(id int64) bool {
	return t.timerID.CompareAndSwap(NoTimer, id)
}

// ClearTimerID removes and returns the thread's timer id.
func (t *Info) ClearTimerID() int64 {
	return t.timerID.Swap(NoTimer)
}

// TryAcquireLock takes the stack-walk lock without waiting.
func (t *Info) TryAcquireLock() bool { return t.walkLock.TryLock() }

// ReleaseLock releases the stack-walk lock.
func (t *Info) ReleaseLock() { t.walkLock.Unlock() }

// EnterWrappedFunction marks the thread as running inside an intercepted
// library function, where unwinding is not safe.
func (t *Info) EnterWrappedFunction() { t.wrappedDepth.Add(1) }

// LeaveWrappedFunction undoes EnterWrappedFunction.
func (t *Info) LeaveWrappedFunction() { t.wrappedDepth.Add(-1) }

// InsideWrappedFunction reports whether the thread is inside a wrapped
// function.
func (t *Info) InsideWrappedFunction() bool { return t.wrappedDepth.Load() > 0 }

// SetInFaultHandler records whether the thread is handling a fault signal.
func (t *Info) SetInFaultHandler(v bool) { t.inFaultHandler.Store(v) }

// InFaultHandler reports whether the thread is handling a fault signal.
func (t *Info) InFaultHandler() bool { return t.inFaultHandler.Load() }

// LastCPUTime returns the thread CPU time at its previous sample.
func (t *Info) LastCPUTime() int64 { return t.lastCPUTime.Load() }

// SetLastCPUTime records the thread CPU time of the current sample.
func (t *Info) SetLastCPUTime(ns int64) { t.lastCPUTime.Store(ns) }
