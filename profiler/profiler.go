// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package profiler samples the CPU usage of registered threads and exports
// the collected samples periodically.
package profiler

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/DataDog/native-sampler/internal"
	"github.com/DataDog/native-sampler/internal/callstack"
	"github.com/DataDog/native-sampler/internal/collector"
	"github.com/DataDog/native-sampler/internal/cpusampler"
	"github.com/DataDog/native-sampler/internal/log"
	"github.com/DataDog/native-sampler/internal/metrics"
	"github.com/DataDog/native-sampler/internal/rawsample"
	"github.com/DataDog/native-sampler/internal/ringbuffer"
	"github.com/DataDog/native-sampler/internal/signals"
	"github.com/DataDog/native-sampler/internal/stopwatch"
	"github.com/DataDog/native-sampler/internal/threads"
	"github.com/DataDog/native-sampler/internal/transform"
)

// outChannelSize specifies the size of the export queue.
const outChannelSize = 5

var (
	mu             sync.Mutex
	activeProfiler *profiler
)

// ErrNotStarted is returned when no profiler is running.
var ErrNotStarted = errors.New("profiler: not started")

// Start starts the profiler. It returns an error if the configuration is
// invalid or if the sampling signal cannot be installed. Setting
// DD_PROFILING_ENABLED=false turns Start into a no-op.
func Start(opts ...Option) error {
	if !internal.BoolEnv("DD_PROFILING_ENABLED", true) {
		log.Info("Native sampler disabled by DD_PROFILING_ENABLED.")
		return nil
	}
	mu.Lock()
	defer mu.Unlock()
	if activeProfiler != nil {
		activeProfiler.stop()
		activeProfiler = nil
	}
	p, err := newProfiler(opts...)
	if err != nil {
		return err
	}
	if err := p.run(); err != nil {
		p.close()
		return err
	}
	activeProfiler = p
	return nil
}

// Stop stops the profiler. Samples collected since the last export are
// exported before it returns.
func Stop() {
	mu.Lock()
	if activeProfiler != nil {
		activeProfiler.stop()
		activeProfiler = nil
	}
	mu.Unlock()
}

// active returns the running profiler, if any.
func active() *profiler {
	mu.Lock()
	defer mu.Unlock()
	return activeProfiler
}

// profiler samples registered threads and exports the samples at a given
// frequency using a given configuration.
type profiler struct {
	cfg        *config
	rb         *ringbuffer.RingBuffer
	dispatcher *signals.Dispatcher
	threads    *threads.List
	domains    *transform.MemoryAppDomainStore // nil unless the default store is used
	sampler    *cpusampler.Sampler
	collector  *collector.Collector
	reporter   *metrics.Reporter

	out        chan Batch        // export queue
	exportFunc func(Batch) error // defaults to cfg.exporter; replaced in tests
	exit       chan struct{}     // exit signals the profiler to stop; it is closed after stopping
	stopOnce   sync.Once         // stopOnce ensures the profiler is stopped exactly once.
	wg         sync.WaitGroup    // wg waits for all goroutines to exit when stopping.
	now        func() time.Time  // replaced in tests
	lastFlush  time.Time
	evictLog   rate.Sometimes // rate limits the eviction warning
}

// newProfiler creates a new, unstarted profiler.
func newProfiler(opts ...Option) (*profiler, error) {
	cfg, err := defaultConfig()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("profiler: %w", err)
	}
	if cfg.hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Warn("unable to look up hostname: %v", err)
		}
		cfg.hostname = hostname
	}
	dispatcher, err := signals.Get(cfg.signal)
	if err != nil {
		return nil, fmt.Errorf("profiler: %w", err)
	}

	p := &profiler{
		cfg:        cfg,
		dispatcher: dispatcher,
		threads:    threads.NewList(),
		out:        make(chan Batch, outChannelSize),
		exit:       make(chan struct{}),
		now:        time.Now,
		evictLog:   rate.Sometimes{First: 1, Interval: time.Minute},
	}
	p.exportFunc = p.export
	if cfg.frames == nil {
		frames, err := transform.NewRuntimeFrameStore(transform.DefaultFrameCacheSize)
		if err != nil {
			return nil, fmt.Errorf("profiler: %w", err)
		}
		cfg.frames = frames
	}
	if cfg.domains == nil {
		p.domains = transform.NewMemoryAppDomainStore()
		cfg.domains = p.domains
	}
	if cfg.runtimeIDs == nil {
		cfg.runtimeIDs = transform.NewUUIDRuntimeIDStore()
	}
	if cfg.unwinder == nil {
		cfg.unwinder = &callstack.GoroutineUnwinder{}
	}

	p.rb, err = ringbuffer.Create(cfg.ringBufferSize, rawsample.RecordSize)
	if err != nil {
		return nil, fmt.Errorf("profiler: could not create the ring buffer: %w", err)
	}
	stacks := callstack.NewProvider(callstack.NewPool(cfg.callstackPoolSize), &callstack.HeapAllocator{})
	p.sampler, err = cpusampler.New(dispatcher, p.rb, p.threads, stacks, registry, cpusampler.Config{
		Interval:       cfg.samplingInterval,
		ReserveTimeout: cfg.reserveTimeout,
		Unwinder:       cfg.unwinder,
	})
	if err != nil {
		p.rb.Close()
		return nil, fmt.Errorf("profiler: %w", err)
	}
	tr := transform.NewTransformer(cfg.frames, cfg.domains, cfg.runtimeIDs, p.threads)
	p.collector = collector.New(p.rb, tr, registry, collector.Config{
		Interval:   cfg.drainInterval,
		MaxSamples: cfg.maxSamples,
		Statsd:     cfg.statsd,
		Tags:       cfg.tags,
	})
	p.reporter = metrics.NewReporter(registry, cfg.statsd, cfg.tags, cfg.metricsReportEvery)
	return p, nil
}

// run starts sampling, draining, exporting and metric reporting.
func (p *profiler) run() error {
	if err := p.sampler.Start(); err != nil {
		return err
	}
	p.collector.Start()
	p.reporter.Start()
	p.lastFlush = p.now()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		tick := time.NewTicker(p.cfg.period)
		defer tick.Stop()
		p.collect(tick.C)
	}()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.send()
	}()
	return nil
}

// collect exports the collected samples whenever the ticker receives an
// item, and checks that the sampling signal is still ours.
func (p *profiler) collect(ticker <-chan time.Time) {
	defer close(p.out)
	for {
		select {
		case <-ticker:
			if !p.dispatcher.CheckSignalHandler() && p.dispatcher.State() == signals.Disabled {
				log.Warn("Sampling signal %d was taken over by another library, CPU samples are no longer collected.", p.cfg.signal)
			}
			p.enqueueExport(p.flush())
		case <-p.exit:
			// the collector drained for the last time when it was stopped
			p.enqueueExport(p.flush())
			return
		}
	}
}

// flush takes the samples collected since the previous flush.
func (p *profiler) flush() Batch {
	now := p.now()
	bat := Batch{
		Start:   p.lastFlush,
		End:     now,
		Host:    p.cfg.hostname,
		Service: p.cfg.service,
		Env:     p.cfg.env,
		Tags:    p.cfg.tags,
		Period:  p.cfg.samplingInterval,
		Samples: p.collector.Flush(),
	}
	p.lastFlush = now
	return bat
}

// enqueueExport pushes a batch onto the export queue. If there is no room, it
// evicts the oldest batch to make some.
func (p *profiler) enqueueExport(bat Batch) {
	for {
		select {
		case p.out <- bat:
			return
		default:
			// queue is full; evict oldest
			select {
			case <-p.out:
				p.cfg.statsd.Count(metrics.StatsdPrefix+"queue_full", 1, p.cfg.tags, 1)
				p.evictLog.Do(func() {
					log.Warn("Evicting one sample batch from the export queue to make room.")
				})
			default:
				// this case should be almost impossible to trigger, it would require a
				// full p.out to completely drain within nanoseconds or extreme
				// scheduling decisions by the runtime.
			}
		}
	}
}

// send takes batches from the export queue and exports them.
func (p *profiler) send() {
	for bat := range p.out {
		sw := stopwatch.New()
		if err := p.exportFunc(bat); err != nil {
			log.Error("Failed to export samples: %v", err)
			p.cfg.statsd.Count(metrics.StatsdPrefix+"export_error", 1, p.cfg.tags, 1)
			continue
		}
		p.cfg.statsd.Timing(metrics.StatsdPrefix+"export", sw.Elapsed(), p.cfg.tags, 1)
	}
}

func (p *profiler) export(bat Batch) error {
	if p.cfg.exporter == nil || len(bat.Samples) == 0 {
		return nil
	}
	return p.cfg.exporter.Export(bat)
}

// stop stops the profiler.
func (p *profiler) stop() {
	p.stopOnce.Do(func() {
		if err := p.sampler.Stop(); err != nil {
			log.Error("Failed to stop sampling: %v", err)
		}
		p.collector.Stop()
		close(p.exit)
	})
	p.wg.Wait()
	p.reporter.Stop()
	p.close()
}

// close releases the ring buffer.
func (p *profiler) close() {
	if err := p.rb.Close(); err != nil {
		log.Debug("Failed to release the ring buffer: %v", err)
	}
}
