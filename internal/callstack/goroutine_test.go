// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

package callstack

import (
	"context"
	"runtime"
	"runtime/pprof"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/native-sampler/internal/threads"
)

//go:noinline
func parkLabelled(id int32, ready chan<- struct{}, done <-chan struct{}) {
	LabelGoroutine(context.Background(), id)
	close(ready)
	<-done
}

func TestGoroutineUnwinder(t *testing.T) {
	const id = 1<<22 + 17
	ready, done := make(chan struct{}), make(chan struct{})
	go parkLabelled(id, ready, done)
	defer close(done)
	<-ready

	u := &GoroutineUnwinder{}
	pcs := make([]uintptr, MaxFrames)

	t.Run("labelled", func(t *testing.T) {
		n := u.Unwind(threads.New(id), pcs)
		require.NotZero(t, n)
		var names []string
		frames := runtime.CallersFrames(pcs[:n])
		for {
			f, more := frames.Next()
			names = append(names, f.Function)
			if !more {
				break
			}
		}
		found := false
		for _, name := range names {
			if strings.HasSuffix(name, ".parkLabelled") {
				found = true
			}
		}
		assert.True(t, found, "stack: %v", names)
	})

	t.Run("unlabelled", func(t *testing.T) {
		assert.Zero(t, u.Unwind(threads.New(id+1), pcs))
	})

	t.Run("truncated", func(t *testing.T) {
		short := make([]uintptr, 1)
		assert.Equal(t, 1, u.Unwind(threads.New(id), short))
	})

	t.Run("snapshot-reuse", func(t *testing.T) {
		u := &GoroutineUnwinder{MaxAge: time.Hour}
		require.NotZero(t, u.Unwind(threads.New(id), pcs))
		taken := u.taken
		u.Unwind(threads.New(id), pcs)
		assert.Equal(t, taken, u.taken)
	})
}

func TestLabelGoroutine(t *testing.T) {
	ctx := pprof.WithLabels(context.Background(), pprof.Labels("span", "1"))
	ctx = LabelGoroutine(ctx, 42)
	defer pprof.SetGoroutineLabels(context.Background())

	v, ok := pprof.Label(ctx, ThreadLabel)
	assert.True(t, ok)
	assert.Equal(t, "42", v)
	v, ok = pprof.Label(ctx, "span")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}
