// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

// Package ringbuffer implements a fixed-capacity circular buffer of
// fixed-size records, shared between any number of producers and a single
// reader.
//
// The data area is mapped twice, back to back, so that a record starting near
// the end of the arena continues contiguously in the second mapping. Records
// are therefore never split, and neither the write nor the read path has to
// deal with wraparound.
//
// Producers follow a three-phase protocol: Reserve claims space (under a spin
// lock, bounded by a timeout), then the producer fills the returned buffer in
// place and either Commits or Discards it. Neither phase allocates.
package ringbuffer

import (
	"errors"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/DataDog/native-sampler/internal/spinlock"
)

// DefaultReserveTimeout is the maximum time Reserve waits for the buffer lock.
const DefaultReserveTimeout = 100 * time.Millisecond

const (
	headerSize = 8
	alignment  = 8

	busyBit    = uint64(1) << 63
	discardBit = uint64(1) << 62

	// cacheLineSize mimics std::hardware_destructive_interference_size.
	cacheLineSize = 128
)

var (
	// ErrUnsupported is returned by Create on platforms where the double
	// mapping cannot be set up.
	ErrUnsupported = errors.New("ringbuffer: shared memory ring buffers are not supported on this platform")
	// ErrReaderActive is returned by NewReader when a previous reader has not
	// been closed.
	ErrReaderActive = errors.New("ringbuffer: a reader is already active")
	// ErrInvalidRecordSize is returned by Create when the record size is not
	// strictly positive or does not fit in the arena.
	ErrInvalidRecordSize = errors.New("ringbuffer: invalid record size")
)

// ReserveStatus describes the outcome of a reservation.
type ReserveStatus uint8

const (
	// Reserved means the returned buffer is valid and must be committed or
	// discarded.
	Reserved ReserveStatus = iota
	// TimedOut means the buffer lock could not be acquired in time.
	TimedOut
	// InsufficientSpace means the buffer is full.
	InsufficientSpace
)

func (s ReserveStatus) String() string {
	switch s {
	case Reserved:
		return "Reserved"
	case TimedOut:
		return "TimedOut"
	case InsufficientSpace:
		return "InsufficientSpace"
	default:
		return "Unknown"
	}
}

// metaPage is laid out at the start of the shared mapping. Cursors live on
// separate cache lines.
type metaPage struct {
	writerPos atomic.Uint64
	_         [cacheLineSize - 8]byte
	readerPos atomic.Uint64
	_         [cacheLineSize - 8]byte
	lock      spinlock.Mutex
}

// RingBuffer is a shared circular buffer of fixed-size records. A RingBuffer
// must be created with Create and released with Close.
type RingBuffer struct {
	mask       uint64
	metaSize   uint64
	dataSize   uint64
	recordSize uint64
	footprint  uint64 // on-arena size of one record, header included

	mem  []byte // the whole virtual memory reservation
	data []byte // 2*dataSize bytes, the second half aliasing the first
	meta *metaPage

	// intermediateReaderPos is the reader's private cursor. It is ahead of
	// meta.readerPos for records that were read but not yet given back to
	// producers.
	intermediateReaderPos uint64
	readerActive          atomic.Bool

	release func() error
}

// Create allocates a ring buffer whose data area holds at least capacity
// bytes of records of recordSize bytes each. The capacity is rounded up to the
// next power of two, and is never smaller than one page.
func Create(capacity, recordSize int) (*RingBuffer, error) {
	if recordSize <= 0 {
		return nil, ErrInvalidRecordSize
	}
	pageSize := uint64(pageSize())
	dataSize := nextPowerOfTwo(max(pageSize, uint64(max(capacity, 0))))
	footprint := alignUp(uint64(recordSize)+headerSize, alignment)
	if footprint >= dataSize {
		return nil, ErrInvalidRecordSize
	}
	mem, release, err := mapArena(dataSize, pageSize)
	if err != nil {
		return nil, err
	}
	rb := &RingBuffer{
		mask:       dataSize - 1,
		metaSize:   pageSize,
		dataSize:   dataSize,
		recordSize: uint64(recordSize),
		footprint:  footprint,
		mem:        mem,
		data:       mem[pageSize:],
		meta:       (*metaPage)(unsafe.Pointer(&mem[0])),
		release:    release,
	}
	rb.meta.writerPos.Store(0)
	rb.meta.readerPos.Store(0)
	rb.meta.lock.Unlock()
	return rb, nil
}

// Close releases the memory backing rb. rb must not be used afterwards.
func (rb *RingBuffer) Close() error {
	if rb == nil || rb.release == nil {
		return nil
	}
	release := rb.release
	rb.release = nil
	rb.meta = nil
	rb.data = nil
	rb.mem = nil
	return release()
}

// Size returns the number of bytes of the shared region: data plus metadata.
func (rb *RingBuffer) Size() int {
	return int(rb.dataSize + rb.metaSize)
}

// Capacity returns the size of the data area, in bytes.
func (rb *RingBuffer) Capacity() int {
	return int(rb.dataSize)
}

// RecordSize returns the payload size of every record.
func (rb *RingBuffer) RecordSize() int {
	return int(rb.recordSize)
}

// Lock returns the lock guarding reservations. It is exposed so that tests
// can simulate a stuck producer.
func (rb *RingBuffer) Lock() *spinlock.Mutex {
	return &rb.meta.lock
}

// Writer returns a handle used to produce records. Writers are cheap values
// and may be used concurrently.
func (rb *RingBuffer) Writer() Writer {
	return Writer{rb: rb}
}

func (rb *RingBuffer) header(offset uint64) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&rb.data[offset]))
}

// Buffer is the payload area of one record. It points directly into the
// shared arena.
type Buffer []byte

// Writer reserves, commits and discards records.
type Writer struct {
	rb *RingBuffer
}

// Reserve claims space for one record. It waits at most timeout for the
// buffer lock. When the returned status is not Reserved the buffer is nil.
//
// The record is published to the reader immediately but marked busy, so the
// reader stops at it until Commit or Discard is called.
func (w Writer) Reserve(timeout time.Duration) (Buffer, ReserveStatus) {
	rb := w.rb
	if !rb.meta.lock.TryLockFor(timeout) {
		return nil, TimedOut
	}
	defer rb.meta.lock.Unlock()

	// no need for an atomic load since we hold the lock
	writerPos := rb.meta.writerPos.Load()
	newWriterPos := writerPos + rb.footprint

	tail := rb.meta.readerPos.Load()
	if rb.mask < newWriterPos-tail {
		return nil, InsufficientSpace
	}

	offset := writerPos & rb.mask
	rb.header(offset).Store(rb.recordSize | busyBit)
	// synchronizes with the reader's load of writerPos
	rb.meta.writerPos.Store(newWriterPos)

	start := offset + headerSize
	end := start + rb.recordSize
	return Buffer(rb.data[start:end:end]), Reserved
}

// Commit makes buf visible to the reader. No lock is needed since the record
// was already published by Reserve; only its readiness changes.
func (w Writer) Commit(buf Buffer) {
	hdr := headerOf(buf)
	hdr.Store(hdr.Load() &^ busyBit)
}

// Discard marks buf as ready but to be skipped by the reader. Its space is
// reclaimed as usual.
func (w Writer) Discard(buf Buffer) {
	hdr := headerOf(buf)
	hdr.Store((hdr.Load() &^ busyBit) | discardBit)
}

func headerOf(buf Buffer) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Add(unsafe.Pointer(unsafe.SliceData(buf)), -headerSize))
}

// Reader drains records. Only one reader may be active at a time; it
// snapshots the writer position when created, so records reserved afterwards
// are left for the next reader.
type Reader struct {
	rb   *RingBuffer
	head uint64
}

// NewReader returns the single active reader of rb. The reader must be closed
// for the space it consumed to be given back to producers.
func (rb *RingBuffer) NewReader() (*Reader, error) {
	if !rb.readerActive.CompareAndSwap(false, true) {
		return nil, ErrReaderActive
	}
	return &Reader{
		rb:   rb,
		head: rb.meta.writerPos.Load(),
	}, nil
}

// AvailableSamples returns the number of records between the reader cursor
// and the snapshotted writer position, committed or not.
func (r *Reader) AvailableSamples() int {
	return int((r.head - r.rb.intermediateReaderPos) / r.rb.footprint)
}

// GetNext returns the payload of the next committed record, skipping
// discarded ones. It returns nil when no more records are ready: either the
// snapshot is exhausted or the next record has not been committed yet.
func (r *Reader) GetNext() Buffer {
	rb := r.rb
	for {
		tail := rb.intermediateReaderPos
		if tail == r.head {
			return nil
		}
		offset := tail & rb.mask
		size := rb.header(offset).Load()
		if size&busyBit != 0 {
			// not committed yet
			return nil
		}
		payload := size &^ discardBit
		rb.intermediateReaderPos += alignUp(payload+headerSize, alignment)
		if size&discardBit != 0 {
			continue
		}
		start := offset + headerSize
		end := start + payload
		return Buffer(rb.data[start:end:end])
	}
}

// Close gives the space of every record read so far back to producers and
// releases the reader slot.
func (r *Reader) Close() {
	if r.rb == nil {
		return
	}
	rb := r.rb
	if rb.meta.readerPos.Load() < rb.intermediateReaderPos {
		rb.meta.readerPos.Store(rb.intermediateReaderPos)
	}
	r.rb = nil
	rb.readerActive.Store(false)
}

// alignUp returns x rounded up to the next multiple of pow2.
func alignUp(x, pow2 uint64) uint64 {
	return ((x - 1) | (pow2 - 1)) + 1
}

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
