// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

// Command native-profiler runs CPU bound workers under the native sampler and
// writes the collected profiles to a directory.
package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/DataDog/native-sampler/internal/log"
	"github.com/DataDog/native-sampler/profiler"
)

// logrusLogger sends the sampler logs to logrus.
type logrusLogger struct{ l *logrus.Logger }

func (l logrusLogger) Log(msg string) {
	switch {
	case strings.Contains(msg, " ERROR: "):
		l.l.Error(msg)
	case strings.Contains(msg, " WARN: "):
		l.l.Warn(msg)
	case strings.Contains(msg, " DEBUG: "):
		l.l.Debug(msg)
	default:
		l.l.Info(msg)
	}
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:          true,
		TimestampFormat:        "2006-01-02T15:04:05Z",
		DisableLevelTruncation: true,
	})
	logger.SetLevel(logrus.DebugLevel)
	defer log.UseLogger(logrusLogger{l: logger})()
	log.SetLevel(log.LevelDebug)

	workers := flag.Int("workers", 4, "number of sampled worker threads")
	dir := flag.String("out", "profiles", "directory receiving the pprof files")
	period := flag.Duration("period", 10*time.Second, "export period")
	interval := flag.Duration("interval", profiler.DefaultSamplingInterval, "CPU time between two samples of a thread")
	metricsAddr := flag.String("metrics", "", "address serving the sampler counters, if set")
	flag.Parse()

	err := profiler.Start(
		profiler.WithService("native_sampler_demo"),
		profiler.WithPeriod(*period),
		profiler.WithSamplingInterval(*interval),
		profiler.WithExporter(profiler.NewPprofExporter(*dir)),
	)
	if err != nil {
		logger.Fatal(err)
	}
	defer profiler.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: profiler.MetricsHandler()}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	for i := 0; i < *workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		g.Go(func() error { return work(ctx, name) })
	}
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("worker failed")
	}
}

// work burns CPU on its own thread until ctx is done.
func work(ctx context.Context, name string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	t, err := profiler.RegisterCurrentThread(name)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer t.Unregister()

	sum := sha256.Sum256([]byte(name))
	for span := uint64(1); ctx.Err() == nil; span++ {
		t.SetTracingContext(span, span)
		deadline := time.Now().Add(50 * time.Millisecond)
		for time.Now().Before(deadline) {
			sum = sha256.Sum256(sum[:])
		}
		t.Sample()
	}
	return nil
}
