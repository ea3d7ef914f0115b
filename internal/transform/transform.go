// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

// Package transform turns raw samples into symbolized, labelled samples. It
// runs on the collector goroutine, never from the sampling path.
package transform

import (
	"os"
	"strconv"
	"time"

	"github.com/DataDog/native-sampler/internal/rawsample"
	"github.com/DataDog/native-sampler/internal/threads"
)

// Label keys attached to samples.
const (
	LabelThreadID        = "thread id"
	LabelThreadName      = "thread name"
	LabelAppDomainName   = "appdomain name"
	LabelProcessID       = "appdomain process id"
	LabelLocalRootSpanID = "local root span id"
	LabelSpanID          = "span id"
	LabelRuntimeID       = "runtime-id"
)

// runtimeDomainName is the domain name of samples with app domain id 0,
// taken while the runtime itself was running.
const runtimeDomainName = "CLR"

// Frame is a resolved instruction pointer.
type Frame struct {
	Module string
	Text   string
	File   string
	Line   uint32
}

// FrameStore resolves instruction pointers.
type FrameStore interface {
	// Resolve returns the frame of ip, or false if it cannot be resolved.
	Resolve(ip uintptr) (Frame, bool)
}

// AppDomainStore describes application domains.
type AppDomainStore interface {
	// GetInfo returns the process id and name of the domain id, or false if
	// the domain is unknown.
	GetInfo(id uint64) (pid int, name string, ok bool)
}

// RuntimeIDStore gives the runtime id of application domains.
type RuntimeIDStore interface {
	GetID(appDomainID uint64) string
}

// Label is a key/value pair attached to a sample.
type Label struct {
	Key   string
	Value string
}

// Sample is a transformed sample.
type Sample struct {
	Timestamp time.Time
	// Value is the sampled CPU time.
	Value  time.Duration
	Frames []Frame
	Labels []Label
}

// Label returns the value of the label key.
func (s *Sample) Label(key string) (string, bool) {
	for _, l := range s.Labels {
		if l.Key == key {
			return l.Value, true
		}
	}
	return "", false
}

// Transformer enriches raw samples.
type Transformer struct {
	frames     FrameStore
	domains    AppDomainStore
	runtimeIDs RuntimeIDStore
	threads    *threads.List
	pid        int
}

// NewTransformer returns a Transformer. threads may be nil, in which case
// thread names are not resolved.
func NewTransformer(frames FrameStore, domains AppDomainStore, runtimeIDs RuntimeIDStore, threads *threads.List) *Transformer {
	return &Transformer{
		frames:     frames,
		domains:    domains,
		runtimeIDs: runtimeIDs,
		threads:    threads,
		pid:        os.Getpid(),
	}
}

// Transform builds a sample from a raw sample and its call stack. Frames
// that cannot be resolved are dropped.
func (t *Transformer) Transform(raw *rawsample.RawSample, stack []uintptr) Sample {
	s := Sample{
		Timestamp: raw.Time(),
		Value:     time.Duration(raw.Value),
		Frames:    make([]Frame, 0, len(stack)),
		Labels:    make([]Label, 0, 7),
	}
	t.setStack(&s, stack)
	t.setThreadDetails(&s, raw, len(stack))
	t.setAppDomainDetails(&s, raw)
	if t.runtimeIDs != nil {
		if id := t.runtimeIDs.GetID(raw.AppDomainID); id != "" {
			s.Labels = append(s.Labels, Label{LabelRuntimeID, id})
		}
	}
	if raw.LocalRootSpanID != 0 && raw.SpanID != 0 {
		s.Labels = append(s.Labels,
			Label{LabelLocalRootSpanID, strconv.FormatUint(raw.LocalRootSpanID, 10)},
			Label{LabelSpanID, strconv.FormatUint(raw.SpanID, 10)},
		)
	}
	return s
}

func (t *Transformer) setStack(s *Sample, stack []uintptr) {
	if t.frames == nil {
		return
	}
	for _, ip := range stack {
		if f, ok := t.frames.Resolve(ip); ok {
			s.Frames = append(s.Frames, f)
		}
	}
}

func (t *Transformer) setThreadDetails(s *Sample, raw *rawsample.RawSample, depth int) {
	if raw.ThreadID == 0 {
		// samples not taken on an application thread
		if raw.LocalRootSpanID == 0 && raw.SpanID == 0 && raw.AppDomainID == 0 && depth == 0 {
			s.Labels = append(s.Labels,
				Label{LabelThreadID, "GC"},
				Label{LabelThreadName, "CLR thread (garbage collector)"},
			)
			return
		}
		s.Labels = append(s.Labels,
			Label{LabelThreadID, "<0> [#0]"},
			Label{LabelThreadName, "Managed thread (name unknown) [#0]"},
		)
		return
	}
	threadID := "<" + strconv.FormatUint(uint64(raw.ThreadID), 10) + "> [#" + strconv.FormatInt(int64(raw.OSThreadID), 10) + "]"
	name := "Managed thread (name unknown) [#" + strconv.FormatInt(int64(raw.OSThreadID), 10) + "]"
	if t.threads != nil {
		if info, ok := t.threads.GetByID(raw.ThreadID); ok {
			name = info.ProfileThreadName()
		}
	}
	s.Labels = append(s.Labels, Label{LabelThreadID, threadID}, Label{LabelThreadName, name})
}

func (t *Transformer) setAppDomainDetails(s *Sample, raw *rawsample.RawSample) {
	name, pid := "", t.pid
	if raw.AppDomainID == 0 {
		name = runtimeDomainName
	} else if t.domains != nil {
		if p, n, ok := t.domains.GetInfo(raw.AppDomainID); ok {
			name, pid = n, p
		}
	}
	s.Labels = append(s.Labels,
		Label{LabelAppDomainName, name},
		Label{LabelProcessID, strconv.Itoa(pid)},
	)
}
