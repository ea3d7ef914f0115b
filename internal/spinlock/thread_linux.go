// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

package spinlock

import "golang.org/x/sys/unix"

func currentThreadID() int { return unix.Gettid() }
