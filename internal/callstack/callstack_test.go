// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

package callstack

import (
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/native-sampler/internal/threads"
)

func TestPool(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		p := NewPool(2)
		a, err := p.Acquire()
		require.NoError(t, err)
		b, err := p.Acquire()
		require.NoError(t, err)
		assert.Equal(t, 2, p.InUse())

		_, err = p.Acquire()
		assert.ErrorIs(t, err, ErrPoolExhausted)

		a.Release()
		assert.False(t, a.Valid())
		c, err := p.Acquire()
		require.NoError(t, err)
		b.Release()
		c.Release()
		assert.Equal(t, 0, p.InUse())
	})

	t.Run("frames", func(t *testing.T) {
		p := NewPool(1)
		cs, err := p.Acquire()
		require.NoError(t, err)
		defer cs.Release()

		assert.Len(t, cs.Buffer(), MaxFrames)
		assert.Empty(t, cs.Frames())
		copy(cs.Buffer(), []uintptr{1, 2, 3})
		cs.SetCount(3)
		assert.Equal(t, []uintptr{1, 2, 3}, cs.Frames())
		cs.SetCount(MaxFrames + 10)
		assert.Equal(t, MaxFrames, cs.Len())
		cs.SetCount(-1)
		assert.Equal(t, 0, cs.Len())
	})

	t.Run("concurrent", func(t *testing.T) {
		p := NewPool(4)
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 1000; j++ {
					cs, err := p.Acquire()
					if err != nil {
						continue
					}
					cs.Buffer()[0] = uintptr(j)
					cs.Release()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 0, p.InUse())
	})
}

func TestProvider(t *testing.T) {
	t.Run("no-upstream", func(t *testing.T) {
		p := NewProvider(NewPool(1), nil)
		cs, err := p.Get()
		require.NoError(t, err)
		_, err = p.Get()
		assert.ErrorIs(t, err, ErrPoolExhausted)
		cs.Release()
	})

	t.Run("upstream", func(t *testing.T) {
		pool := NewPool(1)
		p := NewProvider(pool, &HeapAllocator{})
		a, err := p.Get()
		require.NoError(t, err)
		b, err := p.Get()
		require.NoError(t, err)
		assert.True(t, b.Valid())
		assert.Equal(t, 1, pool.InUse())
		b.Release()
		a.Release()
		assert.Equal(t, 0, pool.InUse())
	})
}

func TestCallersUnwinder(t *testing.T) {
	var u Unwinder = CallersUnwinder{}
	pcs := make([]uintptr, MaxFrames)
	n := u.Unwind(threads.New(1), pcs)
	require.NotZero(t, n)

	found := false
	frames := runtime.CallersFrames(pcs[:n])
	for i := 0; i < 3; i++ {
		frame, more := frames.Next()
		if strings.HasSuffix(frame.Function, "TestCallersUnwinder") {
			found = true
			break
		}
		if !more {
			break
		}
	}
	assert.True(t, found)
}

func TestUnwinderFunc(t *testing.T) {
	u := UnwinderFunc(func(_ *threads.Info, pcs []uintptr) int {
		return copy(pcs, []uintptr{0x10, 0x20})
	})
	pcs := make([]uintptr, 4)
	assert.Equal(t, 2, u.Unwind(nil, pcs))
	assert.Equal(t, uintptr(0x20), pcs[1])
}
