// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	pprofile "github.com/google/pprof/profile"

	"github.com/DataDog/native-sampler/internal/transform"
)

// Batch is the set of samples collected during one period.
type Batch struct {
	Start, End time.Time
	Host       string
	Service    string
	Env        string
	Tags       []string
	// Period is the CPU time between two samples of a thread.
	Period  time.Duration
	Samples []transform.Sample
}

// An Exporter receives the batches of collected samples. Export is called
// from a single goroutine.
type Exporter interface {
	Export(b Batch) error
}

// ExporterFunc adapts a function to the Exporter interface.
type ExporterFunc func(b Batch) error

// Export implements Exporter.
func (f ExporterFunc) Export(b Batch) error { return f(b) }

// BuildProfile converts b into a pprof CPU profile. Samples carry their
// labels as string labels.
func BuildProfile(b Batch) *pprofile.Profile {
	p := &pprofile.Profile{
		SampleType: []*pprofile.ValueType{
			{Type: "sample", Unit: "count"},
			{Type: "cpu", Unit: "nanoseconds"},
		},
		PeriodType:    &pprofile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:        b.Period.Nanoseconds(),
		TimeNanos:     b.Start.UnixNano(),
		DurationNanos: b.End.Sub(b.Start).Nanoseconds(),
	}
	functions := make(map[transform.Frame]*pprofile.Function)
	locations := make(map[transform.Frame]*pprofile.Location)
	location := func(f transform.Frame) *pprofile.Location {
		if loc, ok := locations[f]; ok {
			return loc
		}
		key := transform.Frame{Module: f.Module, Text: f.Text, File: f.File}
		fn, ok := functions[key]
		if !ok {
			fn = &pprofile.Function{
				ID:         uint64(len(p.Function) + 1),
				Name:       f.Text,
				SystemName: f.Text,
				Filename:   f.File,
			}
			if f.Module != "" {
				fn.Name = f.Module + "." + f.Text
				fn.SystemName = fn.Name
			}
			functions[key] = fn
			p.Function = append(p.Function, fn)
		}
		loc := &pprofile.Location{
			ID:   uint64(len(p.Location) + 1),
			Line: []pprofile.Line{{Function: fn, Line: int64(f.Line)}},
		}
		locations[f] = loc
		p.Location = append(p.Location, loc)
		return loc
	}
	for _, s := range b.Samples {
		ps := &pprofile.Sample{
			Value:    []int64{1, s.Value.Nanoseconds()},
			Location: make([]*pprofile.Location, 0, len(s.Frames)),
		}
		for _, f := range s.Frames {
			ps.Location = append(ps.Location, location(f))
		}
		if len(s.Labels) > 0 {
			ps.Label = make(map[string][]string, len(s.Labels))
			for _, l := range s.Labels {
				ps.Label[l.Key] = append(ps.Label[l.Key], l.Value)
			}
		}
		p.Sample = append(p.Sample, ps)
	}
	return p
}

// WriteProfile writes b to w as a gzipped pprof CPU profile.
func WriteProfile(w io.Writer, b Batch) error {
	return BuildProfile(b).Write(w)
}

// PprofExporter writes every batch to a pprof file of a directory.
type PprofExporter struct {
	dir string
}

var _ Exporter = (*PprofExporter)(nil)

// NewPprofExporter returns an exporter writing to dir, which is created if
// needed.
func NewPprofExporter(dir string) *PprofExporter {
	return &PprofExporter{dir: dir}
}

// Export implements Exporter. Files are named after the start of the batch.
func (e *PprofExporter) Export(b Batch) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(e.dir, fmt.Sprintf("native-cpu-%s.pprof", b.Start.UTC().Format("20060102T150405.000000000Z")))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := WriteProfile(f, b); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return f.Close()
}
