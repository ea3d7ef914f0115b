// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

// Package metrics holds the counters incremented by the sampling path.
// Incrementing a counter is a single atomic add, so it is safe from a signal
// handler; registration and export happen elsewhere and may allocate.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// DiscardReason is the cause of a candidate sample not being produced.
type DiscardReason uint8

const (
	InSegvHandler DiscardReason = iota
	InsideWrappedFunction
	ExternalSignal
	UnknownThread
	WrongManagedThread
	InsufficientSpace
	EmptyBacktrace
	FailedAcquiringLock
	TimedOut

	// numDiscardReasons must stay last.
	numDiscardReasons
)

var discardReasonNames = [numDiscardReasons]string{
	InSegvHandler:         "InSegvHandler",
	InsideWrappedFunction: "InsideWrappedFunction",
	ExternalSignal:        "ExternalSignal",
	UnknownThread:         "UnknownThread",
	WrongManagedThread:    "WrongManagedThread",
	InsufficientSpace:     "InsufficientSpace",
	EmptyBacktrace:        "EmptyBacktrace",
	FailedAcquiringLock:   "FailedAcquiringLock",
	TimedOut:              "TimedOut",
}

func (r DiscardReason) String() string {
	if r < numDiscardReasons {
		return discardReasonNames[r]
	}
	return "Unknown"
}

// DiscardReasons returns every reason, in declaration order.
func DiscardReasons() []DiscardReason {
	reasons := make([]DiscardReason, numDiscardReasons)
	for i := range reasons {
		reasons[i] = DiscardReason(i)
	}
	return reasons
}

// Counter is a monotonic counter.
type Counter struct {
	name     string
	value    atomic.Uint64
	reported atomic.Uint64
}

// Name returns the name the counter was registered with.
func (c *Counter) Name() string { return c.name }

// Incr adds one to the counter.
func (c *Counter) Incr() { c.value.Add(1) }

// Add adds n to the counter.
func (c *Counter) Add(n uint64) { c.value.Add(n) }

// Value returns the current value.
func (c *Counter) Value() uint64 { return c.value.Load() }

// delta returns the increase since the previous call.
func (c *Counter) delta() uint64 {
	v := c.value.Load()
	return v - c.reported.Swap(v)
}

// Discard counts discarded samples by reason.
type Discard struct {
	name     string
	values   [numDiscardReasons]atomic.Uint64
	reported [numDiscardReasons]atomic.Uint64
}

// Name returns the name the metric was registered with.
func (d *Discard) Name() string { return d.name }

// Incr counts one discard for reason r. Unknown reasons are ignored.
func (d *Discard) Incr(r DiscardReason) {
	if r < numDiscardReasons {
		d.values[r].Add(1)
	}
}

// Value returns the number of discards for reason r.
func (d *Discard) Value(r DiscardReason) uint64 {
	if r >= numDiscardReasons {
		return 0
	}
	return d.values[r].Load()
}

// Total returns the number of discards for all reasons.
func (d *Discard) Total() uint64 {
	var total uint64
	for i := range d.values {
		total += d.values[i].Load()
	}
	return total
}

func (d *Discard) delta(r DiscardReason) uint64 {
	v := d.values[r].Load()
	return v - d.reported[r].Swap(v)
}

// Registry holds named metrics. Metrics are created once and live as long as
// the registry.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
	discards map[string]*Discard
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		discards: make(map[string]*Discard),
	}
}

// GetOrRegisterCounter returns the counter called name, creating it if needed.
func (r *Registry) GetOrRegisterCounter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name}
	r.counters[name] = c
	return c
}

// GetOrRegisterDiscard returns the discard metric called name, creating it
// if needed.
func (r *Registry) GetOrRegisterDiscard(name string) *Discard {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.discards[name]; ok {
		return d
	}
	d := &Discard{name: name}
	r.discards[name] = d
	return d
}

// snapshot returns the registered metrics sorted by name.
func (r *Registry) snapshot() ([]*Counter, []*Discard) {
	r.mu.Lock()
	counters := make([]*Counter, 0, len(r.counters))
	for _, c := range r.counters {
		counters = append(counters, c)
	}
	discards := make([]*Discard, 0, len(r.discards))
	for _, d := range r.discards {
		discards = append(discards, d)
	}
	r.mu.Unlock()
	sort.Slice(counters, func(i, j int) bool { return counters[i].name < counters[j].name })
	sort.Slice(discards, func(i, j int) bool { return discards[i].name < discards[j].name })
	return counters, discards
}
