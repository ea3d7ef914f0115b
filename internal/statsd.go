// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package internal holds helpers shared by the sampler packages.
package internal

import (
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// StatsdClient is the subset of the DogStatsD client used to report
// operational metrics.
type StatsdClient interface {
	Incr(name string, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
	Gauge(name string, value float64, tags []string, rate float64) error
	Timing(name string, value time.Duration, tags []string, rate float64) error
	Flush() error
	Close() error
}

var _ StatsdClient = (*statsd.Client)(nil)

// NewStatsdClient returns a DogStatsD client sending to addr with the given
// global tags.
func NewStatsdClient(addr string, globalTags []string) (StatsdClient, error) {
	client, err := statsd.New(addr, statsd.WithMaxMessagesPerPayload(40), statsd.WithTags(globalTags))
	if err != nil {
		return &statsd.NoOpClient{}, err
	}
	return client, nil
}
