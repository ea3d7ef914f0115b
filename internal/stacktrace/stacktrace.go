// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package stacktrace symbolizes program counters of the running Go program.
package stacktrace

import (
	"runtime"
	"strings"
)

// Frame is a symbolized program counter.
type Frame struct {
	PC        uintptr
	Namespace string // Namespace is the fully qualified name of the package
	ClassName string // ClassName is the method receiver, if any
	Function  string // Function is the function name, without package and receiver
	File      string
	Line      uint32
}

// Module returns the package the frame belongs to.
func (f Frame) Module() string {
	return f.Namespace
}

// Text returns the frame as "Receiver.Function", or "Function" for plain
// functions.
func (f Frame) Text() string {
	if f.ClassName == "" {
		return f.Function
	}
	return f.ClassName + "." + f.Function
}

// Symbolize resolves pc, a return address as collected by runtime.Callers.
// It returns false if pc does not belong to a known function.
func Symbolize(pc uintptr) (Frame, bool) {
	if pc == 0 {
		return Frame{}, false
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.Function == "" {
		return Frame{PC: pc}, false
	}
	s := parseSymbol(frame.Function)
	return Frame{
		PC:        pc,
		Namespace: s.Package,
		ClassName: s.Receiver,
		Function:  s.Function,
		File:      frame.File,
		Line:      uint32(frame.Line),
	}, true
}

type symbol struct {
	Package  string
	Receiver string
	Function string
}

// parseSymbol splits a runtime function name
// ex: github.com/DataDog/native-sampler/internal/stacktrace.(*Frame).Text -> github.com/DataDog/native-sampler/internal/stacktrace, *Frame, Text
func parseSymbol(name string) symbol {
	// the package path ends at the first dot after the last slash
	start := strings.LastIndexByte(name, '/') + 1
	dot := strings.IndexByte(name[start:], '.')
	if dot == -1 {
		return symbol{Function: name}
	}
	pkgEnd := start + dot
	rest := name[pkgEnd+1:]

	s := symbol{Package: name[:pkgEnd]}
	if strings.HasPrefix(rest, "(") {
		if end := strings.IndexByte(rest, ')'); end != -1 && end+2 <= len(rest) {
			s.Receiver = rest[1:end]
			s.Function = rest[end+2:]
			return s
		}
	}
	s.Function = rest
	return s
}
