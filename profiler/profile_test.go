// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	pprofile "github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/native-sampler/internal/transform"
)

func testBatch() Batch {
	start := time.Unix(1700000000, 0)
	main := transform.Frame{Module: "main", Text: "main", File: "/app/main.go", Line: 10}
	work := transform.Frame{Module: "main", Text: "work", File: "/app/main.go", Line: 20}
	workOther := transform.Frame{Module: "main", Text: "work", File: "/app/main.go", Line: 25}
	return Batch{
		Start:  start,
		End:    start.Add(time.Minute),
		Period: 10 * time.Millisecond,
		Samples: []transform.Sample{
			{
				Value:  10 * time.Millisecond,
				Frames: []transform.Frame{work, main},
				Labels: []transform.Label{{Key: transform.LabelThreadName, Value: "worker [#1]"}},
			},
			{
				Value:  30 * time.Millisecond,
				Frames: []transform.Frame{workOther, main},
			},
		},
	}
}

func TestBuildProfile(t *testing.T) {
	p := BuildProfile(testBatch())
	require.NoError(t, p.CheckValid())

	assert.Equal(t, "cpu", p.PeriodType.Type)
	assert.Equal(t, int64(10*time.Millisecond), p.Period)
	assert.Equal(t, time.Minute.Nanoseconds(), p.DurationNanos)
	require.Len(t, p.SampleType, 2)
	assert.Equal(t, "nanoseconds", p.SampleType[1].Unit)

	require.Len(t, p.Sample, 2)
	assert.Equal(t, []int64{1, int64(10 * time.Millisecond)}, p.Sample[0].Value)
	assert.Equal(t, []int64{1, int64(30 * time.Millisecond)}, p.Sample[1].Value)
	assert.Equal(t, []string{"worker [#1]"}, p.Sample[0].Label[transform.LabelThreadName])
	assert.Nil(t, p.Sample[1].Label)

	// two lines of work share a function, main shares its location
	assert.Len(t, p.Function, 2)
	assert.Len(t, p.Location, 3)
	assert.Same(t, p.Sample[0].Location[1], p.Sample[1].Location[1])
	assert.Equal(t, "main.work", p.Sample[0].Location[0].Line[0].Function.Name)
}

func TestWriteProfile(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteProfile(&buf, testBatch()))
	p, err := pprofile.Parse(&buf)
	require.NoError(t, err)
	assert.Len(t, p.Sample, 2)
	assert.Equal(t, []string{"worker [#1]"}, p.Sample[0].Label[transform.LabelThreadName])
}

func TestPprofExporter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles")
	e := NewPprofExporter(dir)
	b := testBatch()
	require.NoError(t, e.Export(b))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "native-cpu-20231114T221320.000000000Z.pprof", entries[0].Name())

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()
	p, err := pprofile.Parse(f)
	require.NoError(t, err)
	assert.Len(t, p.Sample, 2)
}

func TestPprofExporterError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Error(t, NewPprofExporter(file).Export(testBatch()))
}
