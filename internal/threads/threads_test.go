// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

package threads

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfo(t *testing.T) {
	a := New(1234)
	b := New(1235)
	assert.NotZero(t, a.ID())
	assert.Greater(t, b.ID(), a.ID())
	assert.EqualValues(t, 1234, a.OSThreadID())

	t.Run("labels", func(t *testing.T) {
		assert.Equal(t, fmt.Sprintf("<%d> [#1234]", a.ID()), a.ProfileThreadID())
		assert.Equal(t, "Managed thread (name unknown) [#1234]", a.ProfileThreadName())
		a.SetName("worker")
		assert.Equal(t, "worker [#1234]", a.ProfileThreadName())
	})

	t.Run("timer", func(t *testing.T) {
		assert.EqualValues(t, NoTimer, a.TimerID())
		assert.True(t, a.SetTimerID(7))
		assert.False(t, a.SetTimerID(8))
		assert.EqualValues(t, 7, a.TimerID())
		assert.EqualValues(t, 7, a.ClearTimerID())
		assert.EqualValues(t, NoTimer, a.TimerID())
	})

	t.Run("lock", func(t *testing.T) {
		require.True(t, a.TryAcquireLock())
		assert.False(t, a.TryAcquireLock())
		a.ReleaseLock()
		assert.True(t, a.TryAcquireLock())
		a.ReleaseLock()
	})

	t.Run("wrapped", func(t *testing.T) {
		assert.False(t, a.InsideWrappedFunction())
		a.EnterWrappedFunction()
		a.EnterWrappedFunction()
		a.LeaveWrappedFunction()
		assert.True(t, a.InsideWrappedFunction())
		a.LeaveWrappedFunction()
		assert.False(t, a.InsideWrappedFunction())
	})

	t.Run("context", func(t *testing.T) {
		a.SetAppDomainID(3)
		a.SetTracingContext(10, 11)
		root, span := a.TracingContext()
		assert.EqualValues(t, 3, a.AppDomainID())
		assert.EqualValues(t, 10, root)
		assert.EqualValues(t, 11, span)
		a.SetInFaultHandler(true)
		assert.True(t, a.InFaultHandler())
	})
}

func TestList(t *testing.T) {
	l := NewList()
	a, b := New(100), New(101)
	assert.Nil(t, l.Add(a))
	assert.Nil(t, l.Add(b))
	assert.Equal(t, 2, l.Len())

	got, ok := l.Get(100)
	require.True(t, ok)
	assert.Same(t, a, got)
	got, ok = l.GetByID(b.ID())
	require.True(t, ok)
	assert.Same(t, b, got)

	var seen []int32
	l.ForEach(func(t *Info) bool {
		seen = append(seen, t.OSThreadID())
		return true
	})
	assert.Equal(t, []int32{100, 101}, seen)

	a2 := New(100)
	assert.Same(t, a, l.Add(a2))
	_, ok = l.GetByID(a.ID())
	assert.False(t, ok)

	removed, ok := l.Remove(100)
	require.True(t, ok)
	assert.Same(t, a2, removed)
	_, ok = l.Remove(100)
	assert.False(t, ok)
	assert.Equal(t, 1, l.Len())
}

func TestListForEach(t *testing.T) {
	l := NewList()
	a, b, c := New(300), New(301), New(302)
	// insertion order does not matter
	l.Add(c)
	l.Add(a)
	l.Add(b)

	var seen []uint32
	l.ForEach(func(t *Info) bool {
		seen = append(seen, t.ID())
		return len(seen) < 2
	})
	assert.Equal(t, []uint32{a.ID(), b.ID()}, seen)

	l.Remove(a.OSThreadID())
	seen = seen[:0]
	l.ForEach(func(t *Info) bool {
		seen = append(seen, t.ID())
		return true
	})
	assert.Equal(t, []uint32{b.ID(), c.ID()}, seen)

	n := 0
	allocs := testing.AllocsPerRun(100, func() {
		l.ForEach(func(*Info) bool {
			n++
			return true
		})
	})
	assert.Zero(t, allocs)
	assert.NotZero(t, n)
}

func TestListConcurrent(t *testing.T) {
	l := NewList()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				osID := int32(i*1000 + j)
				l.Add(New(osID))
				l.Remove(osID)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.ForEach(func(*Info) bool { return true })
				l.Get(int32(j))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, l.Len())
}
