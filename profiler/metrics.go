// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-2020 Datadog, Inc.

package profiler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DataDog/native-sampler/internal/metrics"
)

// registry holds the counters of every profiler started by the process, so
// that they survive restarts.
var registry = metrics.NewRegistry()

// Collector returns a Prometheus collector exposing the sampling counters,
// including the number of discarded samples by reason.
func Collector() prometheus.Collector {
	return metrics.NewCollector(registry)
}

// MetricsHandler serves the sampling counters in the Prometheus text format.
func MetricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(Collector())
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
