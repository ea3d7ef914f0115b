// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

// Package spinlock provides a busy-wait mutual exclusion lock that never parks
// the calling goroutine on a runtime semaphore and never allocates, which makes
// it usable from the sampling path.
//
// A Mutex holds no Go pointers, so it can be placed in memory that is not
// managed by the Go heap, such as the metadata page of a shared ring buffer.
package spinlock

import (
	"runtime"
	"sync/atomic"
	"time"
)

const (
	// maxActiveSpin is the number of busy iterations performed before the
	// processor is yielded.
	maxActiveSpin = 4000
)

// Mutex is a non re-entrant spin lock. The zero value is an unlocked mutex.
// A goroutine holding the lock that tries to acquire it again spins forever.
type Mutex struct {
	flag  atomic.Uint32
	owner atomic.Int32
}

// Lock acquires m, spinning and periodically yielding the processor until it
// becomes available.
func (m *Mutex) Lock() {
	for {
		if m.spin() {
			return
		}
		runtime.Gosched()
	}
}

// TryLock attempts to acquire m once and reports whether it succeeded.
func (m *Mutex) TryLock() bool {
	if m.flag.Swap(1) != 0 {
		return false
	}
	m.owner.Store(int32(currentThreadID()))
	return true
}

// TryLockFor attempts to acquire m until timeout elapses. It reports whether
// the lock was acquired.
func (m *Mutex) TryLockFor(timeout time.Duration) bool {
	if m.spin() {
		return true
	}
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return false
		}
		runtime.Gosched()
		if m.spin() {
			return true
		}
	}
}

// Unlock releases m. Unlocking an unlocked mutex is a no-op.
func (m *Mutex) Unlock() {
	m.owner.Store(0)
	m.flag.Store(0)
}

// Locked reports whether m is currently held.
func (m *Mutex) Locked() bool {
	return m.flag.Load() != 0
}

// Owner returns the OS thread id that last acquired m, or 0 when m is free.
// It is only meant for diagnostics.
func (m *Mutex) Owner() int {
	return int(m.owner.Load())
}

// spin busy-waits for at most maxActiveSpin iterations.
func (m *Mutex) spin() bool {
	var spincount uint32
	for {
		if m.TryLock() {
			return true
		}
		spincount++
		// wait for the lock to be released without hammering the cache line
		// with writes
		for m.flag.Load() != 0 {
			spincount++
			if spincount >= maxActiveSpin {
				return false
			}
		}
	}
}
