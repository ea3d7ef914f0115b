// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

package metrics

import (
	"sync"
	"time"

	"github.com/DataDog/native-sampler/internal"
	"github.com/DataDog/native-sampler/internal/log"
)

// StatsdPrefix is prepended to every metric name sent to statsd.
const StatsdPrefix = "datadog.profiler.native."

// Report sends the increase of every metric since the previous Report as
// statsd counts. Discard metrics carry a "reason:<reason>" tag. Zero deltas
// are not sent.
func (r *Registry) Report(client internal.StatsdClient, tags []string) {
	counters, discards := r.snapshot()
	for _, c := range counters {
		if d := c.delta(); d > 0 {
			if err := client.Count(StatsdPrefix+c.name, int64(d), tags, 1); err != nil {
				log.Debug("Failed to report metric %s: %v", c.name, err)
			}
		}
	}
	for _, m := range discards {
		for _, reason := range DiscardReasons() {
			d := m.delta(reason)
			if d == 0 {
				continue
			}
			rtags := append(append(make([]string, 0, len(tags)+1), tags...), "reason:"+reason.String())
			if err := client.Count(StatsdPrefix+m.name, int64(d), rtags, 1); err != nil {
				log.Debug("Failed to report metric %s: %v", m.name, err)
			}
		}
	}
}

// Reporter periodically reports a registry to statsd on its own goroutine.
type Reporter struct {
	registry *Registry
	statsd   internal.StatsdClient
	tags     []string
	period   time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewReporter returns a stopped Reporter.
func NewReporter(r *Registry, client internal.StatsdClient, tags []string, period time.Duration) *Reporter {
	return &Reporter{
		registry: r,
		statsd:   client,
		tags:     tags,
		period:   period,
		stop:     make(chan struct{}),
	}
}

// Start starts the reporting goroutine.
func (rp *Reporter) Start() {
	rp.wg.Add(1)
	go func() {
		defer rp.wg.Done()
		tick := time.NewTicker(rp.period)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				rp.registry.Report(rp.statsd, rp.tags)
			case <-rp.stop:
				// make sure the last increments are not lost
				rp.registry.Report(rp.statsd, rp.tags)
				rp.statsd.Flush()
				return
			}
		}
	}()
}

// Stop stops the reporting goroutine after a final report. It is safe to
// call more than once.
func (rp *Reporter) Stop() {
	rp.once.Do(func() { close(rp.stop) })
	rp.wg.Wait()
}
