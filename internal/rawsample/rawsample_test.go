// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

//go:build linux

package rawsample

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/native-sampler/internal/callstack"
	"github.com/DataDog/native-sampler/internal/metrics"
	"github.com/DataDog/native-sampler/internal/ringbuffer"
)

func newRingBuffer(t *testing.T, records int) *ringbuffer.RingBuffer {
	t.Helper()
	rb, err := ringbuffer.Create(records*(RecordSize+8), RecordSize)
	require.NoError(t, err)
	t.Cleanup(func() { rb.Close() })
	return rb
}

func TestLayout(t *testing.T) {
	assert.Equal(t, 56, int(unsafe.Sizeof(RawSample{})))
	assert.Equal(t, 0, RecordSize%8)
}

func TestHolder(t *testing.T) {
	rb := newRingBuffer(t, 4)
	failed := metrics.NewRegistry().GetOrRegisterDiscard("failed")
	w := rb.Writer()

	h := Reserve(w, ringbuffer.DefaultReserveTimeout, failed)
	require.True(t, h.Valid())
	s := h.Sample()
	s.Timestamp = 42
	s.ThreadID = 1
	s.OSThreadID = 1001
	s.AppDomainID = 2
	s.LocalRootSpanID = 3
	s.SpanID = 4
	s.Value = int64(10 * time.Millisecond)
	h.SetStack([]uintptr{0x1, 0x2, 0x3})
	h.Release()
	assert.False(t, h.Valid())
	h.Release()

	discarded := Reserve(w, ringbuffer.DefaultReserveTimeout, failed)
	require.True(t, discarded.Valid())
	discarded.Discard()
	discarded.Release()

	r, err := rb.NewReader()
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 2, r.AvailableSamples())

	var got []RawSample
	var stacks [][]uintptr
	n := Enumerate(r, func(s *RawSample, stack []uintptr) bool {
		got = append(got, *s)
		stacks = append(stacks, append([]uintptr(nil), stack...))
		return true
	})
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.EqualValues(t, 42, got[0].Timestamp)
	assert.EqualValues(t, 1001, got[0].OSThreadID)
	assert.EqualValues(t, 4, got[0].SpanID)
	assert.Equal(t, []uintptr{0x1, 0x2, 0x3}, stacks[0])
	assert.EqualValues(t, 0, failed.Total())
}

func TestHolderFullStack(t *testing.T) {
	rb := newRingBuffer(t, 2)
	failed := metrics.NewRegistry().GetOrRegisterDiscard("failed")

	h := Reserve(rb.Writer(), ringbuffer.DefaultReserveTimeout, failed)
	require.True(t, h.Valid())
	pcs := make([]uintptr, callstack.MaxFrames+10)
	for i := range pcs {
		pcs[i] = uintptr(i + 1)
	}
	h.SetStack(pcs)
	assert.EqualValues(t, callstack.MaxFrames, h.Sample().FrameCount)
	h.Release()

	r, err := rb.NewReader()
	require.NoError(t, err)
	defer r.Close()
	Enumerate(r, func(_ *RawSample, stack []uintptr) bool {
		assert.Len(t, stack, callstack.MaxFrames)
		assert.Equal(t, uintptr(callstack.MaxFrames), stack[callstack.MaxFrames-1])
		return true
	})
}

func TestReserveFailures(t *testing.T) {
	t.Run("insufficient-space", func(t *testing.T) {
		rb := newRingBuffer(t, 1)
		failed := metrics.NewRegistry().GetOrRegisterDiscard("failed")
		w := rb.Writer()

		var held []Holder
		for {
			h := Reserve(w, ringbuffer.DefaultReserveTimeout, failed)
			if !h.Valid() {
				break
			}
			held = append(held, h)
		}
		assert.NotEmpty(t, held)
		assert.EqualValues(t, 1, failed.Value(metrics.InsufficientSpace))
		assert.EqualValues(t, 0, failed.Value(metrics.TimedOut))
		for i := range held {
			held[i].Release()
		}
	})

	t.Run("timed-out", func(t *testing.T) {
		rb := newRingBuffer(t, 1)
		failed := metrics.NewRegistry().GetOrRegisterDiscard("failed")
		rb.Lock().Lock()
		h := Reserve(rb.Writer(), time.Millisecond, failed)
		rb.Lock().Unlock()
		assert.False(t, h.Valid())
		assert.EqualValues(t, 1, failed.Value(metrics.TimedOut))
		assert.EqualValues(t, 0, failed.Value(metrics.InsufficientSpace))
	})

	t.Run("record-too-small", func(t *testing.T) {
		rb, err := ringbuffer.Create(1, 16)
		require.NoError(t, err)
		defer rb.Close()
		failed := metrics.NewRegistry().GetOrRegisterDiscard("failed")
		h := Reserve(rb.Writer(), ringbuffer.DefaultReserveTimeout, failed)
		assert.False(t, h.Valid())
		assert.EqualValues(t, 1, failed.Value(metrics.InsufficientSpace))
	})
}
