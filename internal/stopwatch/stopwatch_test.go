// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

package stopwatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestStopwatch(t *testing.T) {
	c := &fakeClock{t: time.Unix(100, 0)}
	s := newWithClock(c.now)

	c.advance(time.Second)
	assert.Equal(t, time.Second, s.Lap())
	c.advance(2 * time.Second)
	assert.Equal(t, 2*time.Second, s.Lap())
	assert.Equal(t, 3*time.Second, s.Elapsed())

	s.Reset()
	assert.Zero(t, s.Elapsed())
	c.advance(time.Millisecond)
	assert.Equal(t, time.Millisecond, s.Lap())
}

func TestNew(t *testing.T) {
	s := New()
	assert.GreaterOrEqual(t, s.Elapsed(), time.Duration(0))
}
