// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

//go:build !linux

package ringbuffer

import "os"

func pageSize() int {
	return os.Getpagesize()
}

func mapArena(_, _ uint64) ([]byte, func() error, error) {
	return nil, nil, ErrUnsupported
}
