// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

package profiler

import (
	"context"
	"fmt"
	"runtime/pprof"

	"github.com/DataDog/native-sampler/internal/callstack"
	"github.com/DataDog/native-sampler/internal/cpusampler"
	"github.com/DataDog/native-sampler/internal/threads"
)

// Thread is an OS thread sampled by the profiler.
type Thread struct {
	info   *threads.Info
	p      *profiler
	labels context.Context // goroutine labels before registration
}

// RegisterCurrentThread starts sampling the calling OS thread. The calling
// goroutine must stay locked to its thread (see runtime.LockOSThread) until
// the thread is unregistered. Its stack is the one reported for the thread.
func RegisterCurrentThread(name string) (*Thread, error) {
	return RegisterCurrentThreadContext(context.Background(), name)
}

// RegisterCurrentThreadContext is RegisterCurrentThread for a goroutine
// carrying the pprof labels of ctx. The labels are kept while the thread is
// registered and restored by Unregister.
func RegisterCurrentThreadContext(ctx context.Context, name string) (*Thread, error) {
	p := active()
	if p == nil {
		return nil, ErrNotStarted
	}
	tid := cpusampler.CurrentThreadID()
	if tid == 0 {
		return nil, cpusampler.ErrUnsupported
	}
	info := threads.New(tid)
	info.SetName(name)
	if err := p.sampler.RegisterThread(info); err != nil {
		p.sampler.UnregisterThread(tid)
		return nil, fmt.Errorf("profiler: could not register thread %d: %w", tid, err)
	}
	callstack.LabelGoroutine(ctx, tid)
	return &Thread{info: info, p: p, labels: ctx}, nil
}

// ID returns the OS id of the thread.
func (t *Thread) ID() int32 { return t.info.OSThreadID() }

// SetTracingContext attaches the running span to the next samples of the
// thread. Zero ids detach it.
func (t *Thread) SetTracingContext(localRootSpanID, spanID uint64) {
	t.info.SetTracingContext(localRootSpanID, spanID)
}

// SetAppDomain sets the application domain the thread runs in.
func (t *Thread) SetAppDomain(id uint64) {
	t.info.SetAppDomainID(id)
}

// Sample records the stack of the calling goroutine, which must be running
// on t. It reports whether a sample was written.
func (t *Thread) Sample() bool {
	return t.p.sampler.CollectCurrent(t.info)
}

// Unregister stops sampling the thread. When called from the registering
// goroutine it also restores that goroutine's labels.
func (t *Thread) Unregister() {
	t.p.sampler.UnregisterThread(t.info.OSThreadID())
	if cpusampler.CurrentThreadID() == t.info.OSThreadID() {
		pprof.SetGoroutineLabels(t.labels)
	}
}

// RegisterAppDomain names the application domain id for the running
// profiler. It has no effect when a custom AppDomainStore is configured.
func RegisterAppDomain(id uint64, pid int, name string) error {
	p := active()
	if p == nil {
		return ErrNotStarted
	}
	if p.domains != nil {
		p.domains.Set(id, pid, name)
	}
	return nil
}
