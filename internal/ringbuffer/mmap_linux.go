// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

//go:build linux

package ringbuffer

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var nbRingBuffers atomic.Uint32

func pageSize() int {
	return unix.Getpagesize()
}

// mapArena creates an anonymous memory file of dataSize+metaSize bytes and
// maps it twice. The second mapping starts dataSize bytes after the first, so
// its metadata page is hidden under the tail of the first mapping's data:
//
//	| meta | data | data |
//	       ^ data view starts here, and wraps into the second mapping
//
// The returned slice starts at the metadata page and spans both mappings.
func mapArena(dataSize, metaSize uint64) ([]byte, func() error, error) {
	name := fmt.Sprintf("dd_profiler_ring_buffer_%d", nbRingBuffers.Add(1))
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, nil, fmt.Errorf("ringbuffer: memfd_create: %w", err)
	}
	rbSize := dataSize + metaSize
	if err := unix.Ftruncate(fd, int64(rbSize)); err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("ringbuffer: ftruncate: %w", err)
	}

	// reserve the whole virtual range first so that nothing else can be
	// mapped in between the two views
	totalSize := 2*rbSize - metaSize
	mem, err := unix.Mmap(-1, 0, int(totalSize), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("ringbuffer: reserving %d bytes: %w", totalSize, err)
	}
	cleanup := func() error {
		err := unix.Munmap(mem)
		if cerr := unix.Close(fd); err == nil {
			err = cerr
		}
		return err
	}

	base := unsafe.Pointer(unsafe.SliceData(mem))
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_SHARED | unix.MAP_FIXED

	// second view first, so that a failure leaves the first one untouched
	second := unsafe.Add(base, dataSize)
	if p, err := unix.MmapPtr(fd, 0, second, uintptr(rbSize), prot, flags); err != nil || p != second {
		cleanup()
		return nil, nil, fmt.Errorf("ringbuffer: mapping second view: %v", err)
	}
	if p, err := unix.MmapPtr(fd, 0, base, uintptr(rbSize), prot, flags); err != nil || p != base {
		cleanup()
		return nil, nil, fmt.Errorf("ringbuffer: mapping first view: %v", err)
	}
	return mem, cleanup, nil
}
