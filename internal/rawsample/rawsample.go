// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

// Package rawsample lays samples out inside ring buffer records.
//
// A record is a RawSample immediately followed by the storage of its call
// stack. Both are written in place by the producer; nothing is allocated and
// nothing in a record points into the Go heap, since ring buffer memory is
// invisible to the garbage collector.
package rawsample

import (
	"time"
	"unsafe"

	"github.com/DataDog/native-sampler/internal/callstack"
	"github.com/DataDog/native-sampler/internal/metrics"
	"github.com/DataDog/native-sampler/internal/ringbuffer"
)

// RawSample is the fixed-layout header of a record.
type RawSample struct {
	// Timestamp is the sampling time, in nanoseconds since the Unix epoch.
	Timestamp int64
	// ThreadID is the profiler id of the sampled thread, 0 if unknown.
	ThreadID   uint32
	OSThreadID int32

	AppDomainID     uint64
	LocalRootSpanID uint64
	SpanID          uint64

	// Value is the sampled CPU time in nanoseconds.
	Value int64

	FrameCount uint32
	_          uint32
}

const (
	headerSize = int(unsafe.Sizeof(RawSample{}))
	stackSize  = callstack.MaxFrames * int(unsafe.Sizeof(uintptr(0)))
)

// RecordSize is the ring buffer record size needed by one raw sample.
const RecordSize = headerSize + stackSize

// Time returns the sampling time.
func (s *RawSample) Time() time.Time {
	return time.Unix(0, s.Timestamp)
}

// view casts a record of at least RecordSize bytes.
func view(buf []byte) (*RawSample, []uintptr) {
	p := unsafe.Pointer(unsafe.SliceData(buf))
	sample := (*RawSample)(p)
	stack := unsafe.Slice((*uintptr)(unsafe.Add(p, headerSize)), callstack.MaxFrames)
	return sample, stack
}

// Holder is a raw sample being written into a reserved record. The zero
// value is an invalid holder.
type Holder struct {
	w       ringbuffer.Writer
	buf     ringbuffer.Buffer
	sample  *RawSample
	stack   []uintptr
	discard bool
}

// Reserve reserves a record for one raw sample. On failure the returned
// holder is invalid and the reason is counted in failed: TimedOut when the
// buffer lock could not be taken, InsufficientSpace when the buffer is full.
func Reserve(w ringbuffer.Writer, timeout time.Duration, failed *metrics.Discard) Holder {
	buf, status := w.Reserve(timeout)
	switch status {
	case ringbuffer.Reserved:
	case ringbuffer.TimedOut:
		failed.Incr(metrics.TimedOut)
		return Holder{}
	default:
		failed.Incr(metrics.InsufficientSpace)
		return Holder{}
	}
	if len(buf) < RecordSize {
		// the ring buffer was created for another record type
		w.Discard(buf)
		failed.Incr(metrics.InsufficientSpace)
		return Holder{}
	}
	sample, stack := view(buf)
	*sample = RawSample{}
	return Holder{w: w, buf: buf, sample: sample, stack: stack}
}

// Valid reports whether h holds a reserved record.
func (h *Holder) Valid() bool { return h.sample != nil }

// Sample returns the raw sample to fill.
func (h *Holder) Sample() *RawSample { return h.sample }

// SetStack copies pcs into the record, up to callstack.MaxFrames frames.
func (h *Holder) SetStack(pcs []uintptr) {
	h.sample.FrameCount = uint32(copy(h.stack, pcs))
}

// Stack returns the full-capacity stack storage of the record. Callers
// writing to it directly must set FrameCount.
func (h *Holder) Stack() []uintptr { return h.stack }

// Discard makes Release discard the record instead of committing it.
func (h *Holder) Discard() { h.discard = true }

// Release ends the raw sample: the record is committed, or discarded if
// Discard was called. h is invalid afterwards.
func (h *Holder) Release() {
	if h.sample == nil {
		return
	}
	if h.discard {
		h.w.Discard(h.buf)
	} else {
		h.w.Commit(h.buf)
	}
	*h = Holder{}
}

// Enumerate calls fn for every committed raw sample of r, in order, until
// fn returns false. The sample and its stack must not be retained after fn
// returns.
func Enumerate(r *ringbuffer.Reader, fn func(s *RawSample, stack []uintptr) bool) int {
	n := 0
	for buf := r.GetNext(); buf != nil; buf = r.GetNext() {
		if len(buf) < RecordSize {
			continue
		}
		sample, stack := view(buf)
		n++
		if !fn(sample, stack[:min(int(sample.FrameCount), len(stack))]) {
			break
		}
	}
	return n
}
