// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	v, ok := Parse(Tag)
	assert.True(t, ok, "Tag %q must be a release tag", Tag)
	assert.GreaterOrEqual(t, v.Major+v.Minor+v.Patch, 1)

	for _, tt := range []struct {
		in   string
		want Version
		ok   bool
	}{
		{"v1.2.3", Version{Major: 1, Minor: 2, Patch: 3}, true},
		{"v1.2.3-rc.4", Version{Major: 1, Minor: 2, Patch: 3, RC: 4}, true},
		{"v0.10.0-dev", Version{Minor: 10}, true},
		{"1.2.3", Version{}, false},
		{"v1.2", Version{}, false},
	} {
		t.Run(tt.in, func(t *testing.T) {
			v, ok := Parse(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, v)
		})
	}
}
