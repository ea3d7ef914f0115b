// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// record installs a RecordLogger at the given level for the duration of t.
func record(t testing.TB, lvl Level) *RecordLogger {
	rl := new(RecordLogger)
	undo := UseLogger(rl)
	old := levelThreshold
	SetLevel(lvl)
	t.Cleanup(func() {
		undo()
		SetLevel(old)
	})
	return rl
}

func TestLevels(t *testing.T) {
	for _, tt := range []struct {
		level Level
		want  []string
	}{
		{LevelDebug, []string{"DEBUG", "INFO", "WARN"}},
		{LevelInfo, []string{"INFO", "WARN"}},
		{LevelWarn, []string{"WARN"}},
	} {
		t.Run(fmt.Sprint(tt.level), func(t *testing.T) {
			rl := record(t, tt.level)
			assert.Equal(t, tt.level == LevelDebug, DebugEnabled())
			Debug("armed timer of thread %d", 12)
			Info("drained %d samples", 3)
			Warn("ring buffer of %d bytes is full", 4096)

			logs := rl.Logs()
			assert.Len(t, logs, len(tt.want))
			for i, lvl := range tt.want {
				assert.True(t, strings.HasPrefix(logs[i], prefixMsg+" "+lvl+": "), logs[i])
			}
		})
	}
}

func TestError(t *testing.T) {
	t.Run("aggregated", func(t *testing.T) {
		defer func(old time.Duration) { errrate = old }(errrate)
		// messages with the same format are kept until flushed
		errrate = 10 * time.Hour
		rl := record(t, LevelWarn)

		Error("failed to export batch %d", 1)
		Error("failed to export batch %d", 2)
		Error("failed to export batch %d", 3)
		Error("signal handler replaced")
		assert.Empty(t, rl.Logs())

		Flush()
		assert.Len(t, rl.Logs(), 2)
		assert.True(t, hasMsg("ERROR", "failed to export batch 1, 2 additional messages skipped", rl.Logs()), rl.Logs())
		assert.True(t, hasMsg("ERROR", "signal handler replaced", rl.Logs()), rl.Logs())

		Flush()
		assert.Len(t, rl.Logs(), 2)
	})

	t.Run("limit", func(t *testing.T) {
		rl := record(t, LevelWarn)
		for i := 0; i < defaultErrorLimit+5; i++ {
			Error("timer %d could not be deleted", i)
		}
		Flush()
		assert.Len(t, rl.Logs(), 1)
		assert.True(t, hasMsg("ERROR", "timer 0 could not be deleted, 200+ additional messages skipped", rl.Logs()), rl.Logs())
	})

	t.Run("instant", func(t *testing.T) {
		defer func(old time.Duration) { errrate = old }(errrate)
		errrate = 0
		rl := record(t, LevelWarn)

		Error("reader already active")
		assert.Len(t, rl.Logs(), 1)
		assert.True(t, hasMsg("ERROR", "reader already active", rl.Logs()), rl.Logs())
	})
}

func TestRecordLoggerIgnore(t *testing.T) {
	rl := new(RecordLogger)
	rl.Ignore("statsd")
	rl.Log("could not report statsd metrics")
	rl.Log("sampler stopped")
	assert.Equal(t, []string{"sampler stopped"}, rl.Logs())
	rl.Reset()
	rl.Log("could not report statsd metrics")
	assert.Len(t, rl.Logs(), 1)
}

func TestSetLoggingRate(t *testing.T) {
	defer func(old time.Duration) { errrate = old }(errrate)
	for in, want := range map[string]time.Duration{
		"":      time.Minute,
		"0":     0,
		"10":    10 * time.Second,
		"-1":    time.Minute,
		"often": time.Minute,
	} {
		t.Run(in, func(t *testing.T) {
			record(t, LevelWarn)
			errrate = time.Minute
			setLoggingRate(in)
			assert.Equal(t, want, errrate)
		})
	}
}

func hasMsg(lvl, m string, lines []string) bool {
	for _, line := range lines {
		if strings.HasPrefix(line, fmt.Sprintf("%s %s: %s", prefixMsg, lvl, m)) {
			return true
		}
	}
	return false
}

func BenchmarkError(b *testing.B) {
	record(b, LevelWarn)
	Error("k %s", "a")
	for i := 0; i < b.N; i++ {
		Error("k %s", "a")
	}
}
