// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

// Package cpusampler samples registered threads when their CPU time timer
// expires.
//
// Every registered thread gets a timer on its own CPU clock which sends the
// sampler's signal once per interval of CPU time consumed. Deliveries go
// through a signals.Dispatcher; since a delivery does not tell which timer
// fired, the handler samples every thread whose CPU time advanced by at least
// one interval since its previous sample.
package cpusampler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/native-sampler/internal/callstack"
	"github.com/DataDog/native-sampler/internal/log"
	"github.com/DataDog/native-sampler/internal/metrics"
	"github.com/DataDog/native-sampler/internal/rawsample"
	"github.com/DataDog/native-sampler/internal/ringbuffer"
	"github.com/DataDog/native-sampler/internal/signals"
	"github.com/DataDog/native-sampler/internal/threads"
)

// DefaultInterval is the default CPU time between two samples of a thread.
const DefaultInterval = 10 * time.Millisecond

// inFlightWait bounds the time Stop waits for running handlers.
const inFlightWait = 500 * time.Millisecond

// Metric names.
const (
	RequestsMetric         = "native_cpu_sampling_requests"
	DiscardedMetric        = "native_cpu_sample_discarded"
	FailedAllocationMetric = "native_raw_sample_failed_allocation"
)

var (
	// ErrUnsupported is returned on platforms without per-thread CPU timers.
	ErrUnsupported = errors.New("cpusampler: per-thread CPU timers are not supported on this platform")
	// ErrHandlersInFlight is returned by Stop when handlers are still
	// running after the wait period.
	ErrHandlersInFlight = errors.New("cpusampler: signal handlers still running")
)

// Dispatcher is the part of signals.Dispatcher used by the sampler.
type Dispatcher interface {
	Signal() int
	RegisterHandler(h signals.Handler) error
	IgnoreSignal()
}

var _ Dispatcher = (*signals.Dispatcher)(nil)

// timers manages per-thread CPU timers.
type timers interface {
	create(tid int32, sig int) (id int64, err error)
	arm(id int64, interval time.Duration) error
	remove(id int64) error
	cpuTime(tid int32) (time.Duration, error)
	currentThread() int32
}

// CurrentThreadID returns the OS id of the calling thread, or 0 where
// threads cannot be sampled.
func CurrentThreadID() int32 {
	return newTimers().currentThread()
}

// Config configures a Sampler.
type Config struct {
	// Interval is the CPU time between two samples of a thread.
	Interval time.Duration
	// ReserveTimeout bounds the wait for the ring buffer lock.
	ReserveTimeout time.Duration
	// Unwinder captures the call stack of sampled threads on signal
	// delivery. Without one, such samples are discarded as empty.
	Unwinder callstack.Unwinder
}

// Sampler writes CPU samples of registered threads into a ring buffer.
type Sampler struct {
	cfg        Config
	dispatcher Dispatcher
	writer     ringbuffer.Writer
	threads    *threads.List
	stacks     *callstack.Provider
	timers     timers

	requests    *metrics.Counter
	discarded   *metrics.Discard
	failedAlloc *metrics.Discard

	mu       sync.Mutex // serializes Start, Stop and timer creation
	started  atomic.Bool
	inFlight atomic.Int32
}

// New returns a stopped sampler writing to rb.
func New(d Dispatcher, rb *ringbuffer.RingBuffer, list *threads.List, stacks *callstack.Provider, reg *metrics.Registry, cfg Config) (*Sampler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("cpusampler: invalid interval, must be > 0: %s", cfg.Interval)
	}
	if rb.RecordSize() < rawsample.RecordSize {
		return nil, fmt.Errorf("cpusampler: ring buffer records of %d bytes cannot hold a %d bytes sample", rb.RecordSize(), rawsample.RecordSize)
	}
	if cfg.ReserveTimeout <= 0 {
		cfg.ReserveTimeout = ringbuffer.DefaultReserveTimeout
	}
	return &Sampler{
		cfg:         cfg,
		dispatcher:  d,
		writer:      rb.Writer(),
		threads:     list,
		stacks:      stacks,
		timers:      newTimers(),
		requests:    reg.GetOrRegisterCounter(RequestsMetric),
		discarded:   reg.GetOrRegisterDiscard(DiscardedMetric),
		failedAlloc: reg.GetOrRegisterDiscard(FailedAllocationMetric),
	}, nil
}

// Start installs the signal handler and arms the timers of the registered
// threads.
func (s *Sampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return nil
	}
	if err := s.dispatcher.RegisterHandler(s); err != nil {
		return fmt.Errorf("cpusampler: %w", err)
	}
	s.started.Store(true)
	s.threads.ForEach(func(t *threads.Info) bool {
		if err := s.armLocked(t); err != nil {
			log.Warn("Unable to sample thread %d: %v", t.OSThreadID(), err)
		}
		return true
	})
	return nil
}

// Stop ignores the signal, deletes every timer and waits for running
// handlers. It returns ErrHandlersInFlight if they do not finish in time.
func (s *Sampler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started.Swap(false) {
		return nil
	}
	s.dispatcher.IgnoreSignal()
	s.threads.ForEach(func(t *threads.Info) bool {
		s.disarm(t)
		return true
	})
	deadline := time.Now().Add(inFlightWait)
	for s.inFlight.Load() > 0 {
		if time.Now().After(deadline) {
			return ErrHandlersInFlight
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// Started reports whether the sampler is running.
func (s *Sampler) Started() bool { return s.started.Load() }

// RegisterThread adds t to the sampled threads. If the sampler is running,
// the thread's timer is created and armed.
func (s *Sampler) RegisterThread(t *threads.Info) error {
	if old := s.threads.Add(t); old != nil && old != t {
		s.disarm(old)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started.Load() {
		return nil
	}
	return s.armLocked(t)
}

// UnregisterThread removes the thread osID and deletes its timer.
func (s *Sampler) UnregisterThread(osID int32) {
	if t, ok := s.threads.Remove(osID); ok {
		s.disarm(t)
	}
}

func (s *Sampler) armLocked(t *threads.Info) error {
	if t.TimerID() != threads.NoTimer {
		return nil
	}
	tid := t.OSThreadID()
	id, err := s.timers.create(tid, s.dispatcher.Signal())
	if err != nil {
		return err
	}
	if !t.SetTimerID(id) {
		// someone else armed it first
		s.timers.remove(id)
		return nil
	}
	if cpu, err := s.timers.cpuTime(tid); err == nil {
		t.SetLastCPUTime(int64(cpu))
	}
	if err := s.timers.arm(id, s.cfg.Interval); err != nil {
		t.ClearTimerID()
		s.timers.remove(id)
		return err
	}
	return nil
}

func (s *Sampler) disarm(t *threads.Info) {
	if id := t.ClearTimerID(); id != threads.NoTimer {
		if err := s.timers.remove(id); err != nil {
			log.Debug("Failed to delete the timer of thread %d: %v", t.OSThreadID(), err)
		}
	}
}

// HandleSignal implements signals.Handler.
func (s *Sampler) HandleSignal(info signals.Info) signals.Result {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	if !s.started.Load() {
		return signals.NotHandled
	}
	s.requests.Incr()
	now := time.Now().UnixNano()

	if info.ThreadID != 0 {
		t, ok := s.threads.Get(info.ThreadID)
		if !ok {
			s.discarded.Incr(metrics.UnknownThread)
			return signals.NotHandled
		}
		if cpu, err := s.timers.cpuTime(t.OSThreadID()); err == nil {
			t.SetLastCPUTime(int64(cpu))
		}
		if !s.collect(t, s.cfg.Unwinder, s.cfg.Interval, now) {
			return signals.NotHandled
		}
		return signals.Handled
	}

	due, sampled := 0, 0
	s.threads.ForEach(func(t *threads.Info) bool {
		if t.TimerID() == threads.NoTimer {
			return true
		}
		cpu, err := s.timers.cpuTime(t.OSThreadID())
		if err != nil {
			return true
		}
		last := time.Duration(t.LastCPUTime())
		periods := (cpu - last) / s.cfg.Interval
		if periods < 1 {
			return true
		}
		value := periods * s.cfg.Interval
		t.SetLastCPUTime(int64(last + value))
		due++
		if s.collect(t, s.cfg.Unwinder, value, now) {
			sampled++
		}
		return true
	})
	if due == 0 {
		s.discarded.Incr(metrics.ExternalSignal)
		return signals.NotHandled
	}
	if sampled == 0 {
		return signals.NotHandled
	}
	return signals.Handled
}

// CollectCurrent samples t from its own thread, with the stack of the
// calling goroutine. It must run on a goroutine locked to t's thread. It
// reports false once the sampler is stopped.
func (s *Sampler) CollectCurrent(t *threads.Info) bool {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	if !s.started.Load() {
		return false
	}
	if s.timers.currentThread() != t.OSThreadID() {
		s.discarded.Incr(metrics.WrongManagedThread)
		return false
	}
	// skip collect and CollectCurrent
	return s.collect(t, callstack.CallersUnwinder{Skip: 2}, s.cfg.Interval, time.Now().UnixNano())
}

// collect writes one sample of t. Failures are counted, never logged.
func (s *Sampler) collect(t *threads.Info, u callstack.Unwinder, value time.Duration, now int64) bool {
	if t.InFaultHandler() {
		s.discarded.Incr(metrics.InSegvHandler)
		return false
	}
	if t.InsideWrappedFunction() {
		s.discarded.Incr(metrics.InsideWrappedFunction)
		return false
	}
	if !t.TryAcquireLock() {
		s.discarded.Incr(metrics.FailedAcquiringLock)
		return false
	}
	defer t.ReleaseLock()

	cs, err := s.stacks.Get()
	if err != nil {
		s.discarded.Incr(metrics.InsufficientSpace)
		return false
	}
	defer cs.Release()
	if u != nil {
		cs.SetCount(u.Unwind(t, cs.Buffer()))
	}
	if cs.Len() == 0 {
		s.discarded.Incr(metrics.EmptyBacktrace)
		return false
	}

	h := rawsample.Reserve(s.writer, s.cfg.ReserveTimeout, s.failedAlloc)
	if !h.Valid() {
		return false
	}
	raw := h.Sample()
	raw.Timestamp = now
	raw.ThreadID = t.ID()
	raw.OSThreadID = t.OSThreadID()
	raw.AppDomainID = t.AppDomainID()
	raw.LocalRootSpanID, raw.SpanID = t.TracingContext()
	raw.Value = int64(value)
	h.SetStack(cs.Frames())
	h.Release()
	return true
}
