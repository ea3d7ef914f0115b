// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

//go:build linux

package cpusampler

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSignal is not the default signal so that this test never competes
// with a dispatcher.
const testSignal = 43

func TestThreadCPUClock(t *testing.T) {
	assert.EqualValues(t, -8*2+6, threadCPUClock(1))
	assert.EqualValues(t, (^int32(1234))<<3|6, threadCPUClock(1234))
}

func TestOSTimers(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tm := newTimers()
	tid := tm.currentThread()
	require.NotZero(t, tid)

	before, err := tm.cpuTime(tid)
	require.NoError(t, err)

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.Signal(testSignal))
	defer signal.Stop(c)

	id, err := tm.create(tid, testSignal)
	require.NoError(t, err)
	require.NoError(t, tm.arm(id, time.Millisecond))

	deadline := time.Now().Add(5 * time.Second)
	fired := false
	for !fired && time.Now().Before(deadline) {
		select {
		case <-c:
			fired = true
		default:
			for i := 0; i < 100_000; i++ {
				_ = i * i
			}
		}
	}
	require.NoError(t, tm.remove(id))
	assert.True(t, fired, "the CPU timer never fired")

	after, err := tm.cpuTime(tid)
	require.NoError(t, err)
	assert.Greater(t, after, before)

	assert.Error(t, tm.remove(id))
	// above the kernel's pid_max limit
	_, err = tm.cpuTime(1 << 22)
	assert.Error(t, err)
}
