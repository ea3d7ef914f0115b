// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the prometheus namespace of the exported metrics.
const Namespace = "datadog_profiler_native"

// Collector exposes a Registry to prometheus. Metrics are read at scrape
// time; the statsd deltas are not affected.
type Collector struct {
	registry *Registry
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a prometheus collector for r.
func NewCollector(r *Registry) *Collector {
	return &Collector{registry: r}
}

// Describe implements prometheus.Collector. Metrics are registered
// dynamically, so the collector is unchecked and sends no descriptor.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counters, discards := c.registry.snapshot()
	for _, ctr := range counters {
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", ctr.name),
			"Native sampler counter "+ctr.name+".",
			nil, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(ctr.Value()))
	}
	for _, d := range discards {
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", d.name),
			"Native sampler discarded samples, by reason.",
			[]string{"reason"}, nil,
		)
		for _, reason := range DiscardReasons() {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(d.Value(reason)), reason.String())
		}
	}
}
