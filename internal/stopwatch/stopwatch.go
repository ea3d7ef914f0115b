// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

// Package stopwatch times collector passes.
package stopwatch

import "time"

// Stopwatch measures the time spent in a sequence of steps.
type Stopwatch struct {
	now   func() time.Time
	start time.Time
	prev  time.Time
}

// New returns a stopwatch started now.
func New() *Stopwatch {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Stopwatch {
	t := now()
	return &Stopwatch{now: now, start: t, prev: t}
}

// Reset restarts the stopwatch.
func (s *Stopwatch) Reset() {
	t := s.now()
	s.start = t
	s.prev = t
}

// Elapsed returns the time since the stopwatch was started or reset.
func (s *Stopwatch) Elapsed() time.Duration {
	return s.now().Sub(s.start)
}

// Lap returns the time since the previous lap, or since the start for the
// first one, and begins a new lap.
func (s *Stopwatch) Lap() time.Duration {
	t := s.now()
	d := t.Sub(s.prev)
	s.prev = t
	return d
}
