// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

//go:build linux && (amd64 || arm64)

package signals

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// kernelSigaction is struct sigaction as expected by rt_sigaction(2).
type kernelSigaction struct {
	handler  uintptr
	flags    uint64
	restorer uintptr
	mask     uint64
}

// osBackend forwards signals through os/signal, so the Go runtime keeps
// ownership of the OS handler. The live disposition is read and written with
// rt_sigaction to notice another library replacing it.
type osBackend struct{}

func defaultBackend() backend { return osBackend{} }

func (osBackend) install(sig int, c chan<- os.Signal) (action, error) {
	signal.Notify(c, syscall.Signal(sig))
	// the runtime's handler; it forwards to c, so nothing older is chained
	a, err := getAction(sig)
	if err != nil {
		signal.Stop(c)
		return action{}, err
	}
	return a, nil
}

func (osBackend) uninstall(sig int, c chan<- os.Signal) {
	if c != nil {
		signal.Stop(c)
	}
	// real-time signals that nobody listens to are dropped by the runtime
	signal.Reset(syscall.Signal(sig))
}

func (osBackend) ignore(sig int, c chan<- os.Signal) {
	if c != nil {
		signal.Stop(c)
	}
	signal.Ignore(syscall.Signal(sig))
}

func (osBackend) forget(_ int, c chan<- os.Signal) {
	if c != nil {
		signal.Stop(c)
	}
}

func (osBackend) current(sig int) (action, error) {
	return getAction(sig)
}

func (osBackend) restore(sig int, a action) error {
	act := kernelSigaction(a)
	return rtSigaction(sig, &act, nil)
}

func (osBackend) send(tid int32, sig int) error {
	if err := unix.Tgkill(unix.Getpid(), int(tid), unix.Signal(sig)); err != nil {
		return fmt.Errorf("signals: tgkill(%d, %d): %w", tid, sig, err)
	}
	return nil
}

func getAction(sig int) (action, error) {
	var old kernelSigaction
	if err := rtSigaction(sig, nil, &old); err != nil {
		return action{}, err
	}
	return action(old), nil
}

func rtSigaction(sig int, act, old *kernelSigaction) error {
	// the last argument is the size of the kernel sigset_t
	_, _, errno := unix.RawSyscall6(unix.SYS_RT_SIGACTION,
		uintptr(sig),
		uintptr(unsafe.Pointer(act)),
		uintptr(unsafe.Pointer(old)),
		8, 0, 0)
	if errno != 0 {
		return fmt.Errorf("signals: rt_sigaction(%d): %w", sig, errno)
	}
	return nil
}
