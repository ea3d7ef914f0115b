// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

// Package collector drains raw samples from a ring buffer and keeps the
// transformed samples until they are flushed to an exporter.
package collector

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/DataDog/native-sampler/internal"
	"github.com/DataDog/native-sampler/internal/log"
	"github.com/DataDog/native-sampler/internal/metrics"
	"github.com/DataDog/native-sampler/internal/rawsample"
	"github.com/DataDog/native-sampler/internal/ringbuffer"
	"github.com/DataDog/native-sampler/internal/stopwatch"
	"github.com/DataDog/native-sampler/internal/transform"
)

const (
	// DefaultInterval is the default time between two drains.
	DefaultInterval = 100 * time.Millisecond
	// DefaultMaxSamples is the default number of samples kept between flushes.
	DefaultMaxSamples = 100_000
)

// Metric names.
const (
	CollectedSamplesMetric = "native_collected_samples"
	DroppedSamplesMetric   = "native_dropped_samples"
)

// Config configures a Collector.
type Config struct {
	// Interval is the time between two drains of the ring buffer.
	Interval time.Duration
	// MaxSamples bounds the samples kept between two flushes. The oldest
	// samples are dropped first.
	MaxSamples int
	// Statsd receives drain timings. It may be nil.
	Statsd internal.StatsdClient
	// Tags are attached to every statsd metric.
	Tags []string
}

// Collector is the single reader of a ring buffer.
type Collector struct {
	rb  *ringbuffer.RingBuffer
	tr  *transform.Transformer
	cfg Config

	collected *metrics.Counter
	dropped   *metrics.Counter
	lossLog   rate.Sometimes

	mu      sync.Mutex // guards samples and serializes drains
	samples []transform.Sample

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New returns a stopped collector reading rb.
func New(rb *ringbuffer.RingBuffer, tr *transform.Transformer, reg *metrics.Registry, cfg Config) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	return &Collector{
		rb:        rb,
		tr:        tr,
		cfg:       cfg,
		collected: reg.GetOrRegisterCounter(CollectedSamplesMetric),
		dropped:   reg.GetOrRegisterCounter(DroppedSamplesMetric),
		lossLog:   rate.Sometimes{First: 1, Interval: time.Minute},
		stop:      make(chan struct{}),
	}
}

// Drain transforms every committed sample of the ring buffer and returns
// how many were read.
func (c *Collector) Drain() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sw := stopwatch.New()
	r, err := c.rb.NewReader()
	if err != nil {
		return 0, fmt.Errorf("collector: %w", err)
	}
	n := rawsample.Enumerate(r, func(raw *rawsample.RawSample, stack []uintptr) bool {
		c.samples = append(c.samples, c.tr.Transform(raw, stack))
		return true
	})
	r.Close()
	c.collected.Add(uint64(n))

	if over := len(c.samples) - c.cfg.MaxSamples; over > 0 {
		c.samples = append(c.samples[:0], c.samples[over:]...)
		c.dropped.Add(uint64(over))
		c.lossLog.Do(func() {
			log.Warn("Dropped %d samples: no flush in time to make room.", over)
		})
	}
	if c.cfg.Statsd != nil && n > 0 {
		c.cfg.Statsd.Timing(metrics.StatsdPrefix+"drain", sw.Elapsed(), c.cfg.Tags, 1)
		c.cfg.Statsd.Count(metrics.StatsdPrefix+"drain.samples", int64(n), c.cfg.Tags, 1)
	}
	return n, nil
}

// Flush returns the samples collected since the previous flush.
func (c *Collector) Flush() []transform.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.samples
	c.samples = nil
	return s
}

// Len returns the number of samples waiting for a flush.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// Start starts draining on a ticker.
func (c *Collector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		tick := time.NewTicker(c.cfg.Interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				if _, err := c.Drain(); err != nil {
					log.Error("Failed to drain samples: %v", err)
				}
			case <-c.stop:
				// pick up what was committed since the last tick
				if _, err := c.Drain(); err != nil {
					log.Error("Failed to drain samples: %v", err)
				}
				return
			}
		}
	}()
}

// Stop stops the draining goroutine after a last drain. It is safe to call
// more than once.
func (c *Collector) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}
