// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

// Package version holds the version of the native sampler.
package version

import (
	"regexp"
	"strconv"
)

// Tag specifies the current release tag. It needs to be manually
// updated. A test checks that the value of Tag never points to a
// git tag that is older than HEAD.
const Tag = "v0.4.0"

// Version is the parsed form of Tag.
type Version struct {
	Major int
	Minor int
	Patch int
	RC    int
}

var versionRegex = regexp.MustCompile(`^v(\d+)\.(\d+)\.(\d+)(?:-rc\.(\d+))?`)

// Parse returns the components of a semver-like tag such as "v1.2.3-rc.4".
// The second result is false when tag does not match.
func Parse(tag string) (Version, bool) {
	m := versionRegex.FindStringSubmatch(tag)
	if m == nil {
		return Version{}, false
	}
	var v Version
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	v.Patch, _ = strconv.Atoi(m[3])
	if m[4] != "" {
		v.RC, _ = strconv.Atoi(m[4])
	}
	return v, true
}
