// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

//go:build linux

package cpusampler

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const sigevThreadID = 4 // SIGEV_THREAD_ID

// sigevent is the kernel struct sigevent, 64 bytes on every linux ABI.
type sigevent struct {
	value  uint64
	signo  int32
	notify int32
	tid    int32
	_      [44]byte
}

// threadCPUClock returns the clock id measuring the CPU time of thread tid.
func threadCPUClock(tid int32) int32 {
	// CPUCLOCK_PERTHREAD_MASK | CPUCLOCK_SCHED
	return (^tid)<<3 | 6
}

type osTimers struct{}

func newTimers() timers { return osTimers{} }

func (osTimers) create(tid int32, sig int) (int64, error) {
	ev := sigevent{
		signo:  int32(sig),
		notify: sigevThreadID,
		tid:    tid,
	}
	var id int32
	_, _, errno := unix.Syscall(unix.SYS_TIMER_CREATE,
		uintptr(threadCPUClock(tid)),
		uintptr(unsafe.Pointer(&ev)),
		uintptr(unsafe.Pointer(&id)))
	if errno != 0 {
		return 0, fmt.Errorf("timer_create for thread %d: %w", tid, errno)
	}
	return int64(id), nil
}

func (osTimers) arm(id int64, interval time.Duration) error {
	ts := unix.NsecToTimespec(interval.Nanoseconds())
	spec := unix.ItimerSpec{Interval: ts, Value: ts}
	_, _, errno := unix.Syscall6(unix.SYS_TIMER_SETTIME,
		uintptr(id), 0, uintptr(unsafe.Pointer(&spec)), 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("timer_settime: %w", errno)
	}
	return nil
}

func (osTimers) remove(id int64) error {
	_, _, errno := unix.Syscall(unix.SYS_TIMER_DELETE, uintptr(id), 0, 0)
	if errno != 0 {
		return fmt.Errorf("timer_delete: %w", errno)
	}
	return nil
}

func (osTimers) cpuTime(tid int32) (time.Duration, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(threadCPUClock(tid), &ts); err != nil {
		return 0, err
	}
	return time.Duration(ts.Nano()), nil
}

func (osTimers) currentThread() int32 {
	return int32(unix.Gettid())
}
