// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

//go:build !(linux && (amd64 || arm64))

package signals

import "os"

type unsupportedBackend struct{}

func defaultBackend() backend { return unsupportedBackend{} }

func (unsupportedBackend) install(int, chan<- os.Signal) (action, error) {
	return action{}, ErrUnsupported
}

func (unsupportedBackend) uninstall(int, chan<- os.Signal) {}

func (unsupportedBackend) ignore(int, chan<- os.Signal) {}

func (unsupportedBackend) forget(int, chan<- os.Signal) {}

func (unsupportedBackend) current(int) (action, error) {
	return action{}, ErrUnsupported
}

func (unsupportedBackend) restore(int, action) error {
	return ErrUnsupported
}

func (unsupportedBackend) send(int32, int) error {
	return ErrUnsupported
}
