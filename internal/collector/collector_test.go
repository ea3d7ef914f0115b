// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

//go:build linux

package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/DataDog/native-sampler/internal/log"
	"github.com/DataDog/native-sampler/internal/metrics"
	"github.com/DataDog/native-sampler/internal/rawsample"
	"github.com/DataDog/native-sampler/internal/ringbuffer"
	"github.com/DataDog/native-sampler/internal/statsdtest"
	"github.com/DataDog/native-sampler/internal/transform"
)

type nameFrames struct{}

func (nameFrames) Resolve(ip uintptr) (transform.Frame, bool) {
	if ip == 0xbad {
		return transform.Frame{}, false
	}
	return transform.Frame{Module: "m", Text: "f"}, true
}

func setup(t *testing.T, records int) (*ringbuffer.RingBuffer, *metrics.Discard) {
	t.Helper()
	rb, err := ringbuffer.Create(records*(rawsample.RecordSize+8), rawsample.RecordSize)
	require.NoError(t, err)
	t.Cleanup(func() { rb.Close() })
	return rb, metrics.NewRegistry().GetOrRegisterDiscard("failed")
}

func write(t *testing.T, rb *ringbuffer.RingBuffer, failed *metrics.Discard, spanID uint64, stack ...uintptr) {
	t.Helper()
	h := rawsample.Reserve(rb.Writer(), ringbuffer.DefaultReserveTimeout, failed)
	require.True(t, h.Valid())
	h.Sample().SpanID = spanID
	h.Sample().LocalRootSpanID = spanID
	h.Sample().Value = int64(time.Millisecond)
	h.SetStack(stack)
	h.Release()
}

func TestDrain(t *testing.T) {
	rb, failed := setup(t, 8)
	reg := metrics.NewRegistry()
	sc := new(statsdtest.TestStatsdClient)
	c := New(rb, transform.NewTransformer(nameFrames{}, nil, nil, nil), reg, Config{Statsd: sc, Tags: []string{"service:test"}})

	n, err := c.Drain()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sc.TimingCalls())

	write(t, rb, failed, 1, 0x1, 0xbad, 0x2)
	write(t, rb, failed, 2, 0x3)
	n, err = c.Drain()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, c.Len())
	assert.EqualValues(t, 2, reg.GetOrRegisterCounter(CollectedSamplesMetric).Value())
	assert.Len(t, sc.GetCallsByName("datadog.profiler.native.drain"), 1)
	assert.EqualValues(t, 2, sc.Counts()["datadog.profiler.native.drain.samples"])

	samples := c.Flush()
	require.Len(t, samples, 2)
	assert.Len(t, samples[0].Frames, 2)
	assert.Equal(t, time.Millisecond, samples[0].Value)
	v, _ := samples[1].Label(transform.LabelSpanID)
	assert.Equal(t, "2", v)
	assert.Empty(t, c.Flush())

	// space is reclaimed after a drain
	for i := 0; i < 8; i++ {
		write(t, rb, failed, uint64(i+1), 0x1)
	}
	n, err = c.Drain()
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Zero(t, failed.Total())
}

func TestDrainReaderActive(t *testing.T) {
	rb, _ := setup(t, 1)
	c := New(rb, transform.NewTransformer(nil, nil, nil, nil), metrics.NewRegistry(), Config{})
	r, err := rb.NewReader()
	require.NoError(t, err)
	defer r.Close()
	_, err = c.Drain()
	assert.ErrorIs(t, err, ringbuffer.ErrReaderActive)
}

func TestDropOldest(t *testing.T) {
	rl := new(log.RecordLogger)
	defer log.UseLogger(rl)()

	rb, failed := setup(t, 8)
	reg := metrics.NewRegistry()
	c := New(rb, transform.NewTransformer(nameFrames{}, nil, nil, nil), reg, Config{MaxSamples: 3})
	for i := 1; i <= 5; i++ {
		write(t, rb, failed, uint64(i), 0x1)
	}
	_, err := c.Drain()
	require.NoError(t, err)
	samples := c.Flush()
	require.Len(t, samples, 3)
	v, _ := samples[0].Label(transform.LabelSpanID)
	assert.Equal(t, "3", v)
	assert.EqualValues(t, 2, reg.GetOrRegisterCounter(DroppedSamplesMetric).Value())
	require.Len(t, rl.Logs(), 1)
	assert.Contains(t, rl.Logs()[0], "Dropped 2 samples")
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	rb, failed := setup(t, 8)
	c := New(rb, transform.NewTransformer(nameFrames{}, nil, nil, nil), metrics.NewRegistry(), Config{Interval: time.Millisecond})
	c.Start()
	write(t, rb, failed, 1, 0x1)
	assert.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, time.Millisecond)

	c.Stop()
	c.Stop()
	write(t, rb, failed, 2, 0x1)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, c.Len())
}

func TestStopDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	rb, failed := setup(t, 8)
	c := New(rb, transform.NewTransformer(nameFrames{}, nil, nil, nil), metrics.NewRegistry(), Config{Interval: time.Hour})
	c.Start()
	write(t, rb, failed, 1, 0x1)
	c.Stop()
	assert.Equal(t, 1, c.Len())
}
