// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

//go:build !linux

package cpusampler

import "time"

type unsupportedTimers struct{}

func newTimers() timers { return unsupportedTimers{} }

func (unsupportedTimers) create(int32, int) (int64, error)     { return 0, ErrUnsupported }
func (unsupportedTimers) arm(int64, time.Duration) error       { return ErrUnsupported }
func (unsupportedTimers) remove(int64) error                   { return ErrUnsupported }
func (unsupportedTimers) cpuTime(int32) (time.Duration, error) { return 0, ErrUnsupported }
func (unsupportedTimers) currentThread() int32                 { return 0 }
