// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

package callstack

import (
	"bytes"
	"context"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	pprofile "github.com/google/pprof/profile"

	"github.com/DataDog/native-sampler/internal/threads"
)

// ThreadLabel is the goroutine label holding the OS id of the thread a
// goroutine is locked to.
const ThreadLabel = "native thread id"

// DefaultSnapshotAge bounds the age of the goroutine profile a
// GoroutineUnwinder reuses.
const DefaultSnapshotAge = 5 * time.Millisecond

// LabelGoroutine adds the ThreadLabel of osID to the labels of ctx and sets
// them on the calling goroutine. It returns the labelled context.
func LabelGoroutine(ctx context.Context, osID int32) context.Context {
	ctx = pprof.WithLabels(ctx, pprof.Labels(ThreadLabel, strconv.FormatInt(int64(osID), 10)))
	pprof.SetGoroutineLabels(ctx)
	return ctx
}

// GoroutineUnwinder finds the stack of a thread in the goroutine profile,
// through the goroutine carrying the thread's ThreadLabel (see
// LabelGoroutine). Threads sampled within MaxAge of each other share one
// profile. It allocates, so it must not run in signal context; signal
// deliveries reach it on the dispatch goroutine.
type GoroutineUnwinder struct {
	// MaxAge defaults to DefaultSnapshotAge.
	MaxAge time.Duration

	mu     sync.Mutex
	taken  time.Time
	stacks map[string][]uint64
	buf    bytes.Buffer
}

var _ Unwinder = (*GoroutineUnwinder)(nil)

// Unwind implements Unwinder. It returns 0 if no goroutine carries the label
// of t or if the profile cannot be read.
func (u *GoroutineUnwinder) Unwind(t *threads.Info, pcs []uintptr) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	maxAge := u.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultSnapshotAge
	}
	if u.stacks == nil || time.Since(u.taken) > maxAge {
		if err := u.snapshot(); err != nil {
			return 0
		}
	}
	n := 0
	for _, addr := range u.stacks[strconv.FormatInt(int64(t.OSThreadID()), 10)] {
		if n == len(pcs) {
			break
		}
		// profile addresses point into the call instruction
		pcs[n] = uintptr(addr) + 1
		n++
	}
	return n
}

func (u *GoroutineUnwinder) snapshot() error {
	u.buf.Reset()
	if err := pprof.Lookup("goroutine").WriteTo(&u.buf, 0); err != nil {
		return err
	}
	p, err := pprofile.Parse(&u.buf)
	if err != nil {
		return err
	}
	stacks := make(map[string][]uint64)
	for _, s := range p.Sample {
		for _, id := range s.Label[ThreadLabel] {
			if _, ok := stacks[id]; ok {
				// goroutines started by a labelled one inherit its labels
				continue
			}
			addrs := make([]uint64, 0, len(s.Location))
			for _, loc := range s.Location {
				addrs = append(addrs, loc.Address)
			}
			stacks[id] = addrs
		}
	}
	u.stacks = stacks
	u.taken = time.Now()
	return nil
}
