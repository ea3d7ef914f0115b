// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"gopkg.in/yaml.v3"

	"github.com/DataDog/native-sampler/internal"
	"github.com/DataDog/native-sampler/internal/callstack"
	"github.com/DataDog/native-sampler/internal/collector"
	"github.com/DataDog/native-sampler/internal/cpusampler"
	"github.com/DataDog/native-sampler/internal/log"
	"github.com/DataDog/native-sampler/internal/ringbuffer"
	"github.com/DataDog/native-sampler/internal/signals"
	"github.com/DataDog/native-sampler/internal/transform"
	"github.com/DataDog/native-sampler/internal/version"
)

const (
	// DefaultPeriod specifies the default period at which samples are
	// exported.
	DefaultPeriod = time.Minute

	// DefaultDrainInterval specifies the default time between two drains of
	// the ring buffer.
	DefaultDrainInterval = collector.DefaultInterval

	// DefaultSamplingInterval specifies the default CPU time between two
	// samples of a thread.
	DefaultSamplingInterval = cpusampler.DefaultInterval

	// DefaultRingBufferSize specifies the default ring buffer capacity in
	// bytes.
	DefaultRingBufferSize = 1 << 20

	// DefaultReserveTimeout specifies the default bound on the wait for the
	// ring buffer lock when writing a sample.
	DefaultReserveTimeout = ringbuffer.DefaultReserveTimeout

	// DefaultSignal is the signal delivered by the sampling timers.
	DefaultSignal = signals.DefaultSignal

	// DefaultCallstackPoolSize specifies the default number of call stack
	// buffers allocated up front.
	DefaultCallstackPoolSize = 1024

	// DefaultMaxSamples bounds the samples kept between two exports.
	DefaultMaxSamples = collector.DefaultMaxSamples
)

const defaultEnv = "none"

type config struct {
	service, env       string
	hostname           string
	statsd             internal.StatsdClient
	tags               []string
	period             time.Duration
	drainInterval      time.Duration
	samplingInterval   time.Duration
	ringBufferSize     int
	reserveTimeout     time.Duration
	signal             int
	callstackPoolSize  int
	maxSamples         int
	metricsReportEvery time.Duration
	frames             transform.FrameStore
	domains            transform.AppDomainStore
	runtimeIDs         transform.RuntimeIDStore
	unwinder           callstack.Unwinder
	exporter           Exporter
}

// fileConfig is the content of a YAML config file:
//
//	native_profiler_configuration:
//	  DD_PROFILING_CPU_INTERVAL: 20ms
//	  DD_SERVICE: my-service
type fileConfig struct {
	Config map[string]string `yaml:"native_profiler_configuration"`
}

// parseConfigFile reads the settings of the YAML file at path.
func parseConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return fc.Config, nil
}

// source looks settings up in the environment, if env is set, then in the
// config file.
type source struct {
	env  bool
	file map[string]string
}

func (s source) get(key string) (string, bool) {
	if s.env {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
	}
	v, ok := s.file[key]
	return v, ok
}

func (s source) duration(key string, def time.Duration) time.Duration {
	v, ok := s.get(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn("Invalid duration for %s, defaulting to %s: %v", key, def, err)
		return def
	}
	return d
}

func (s source) int(key string, def int) int {
	v, ok := s.get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("Non-integer value for %s, defaulting to %d: %v", key, def, err)
		return def
	}
	return n
}

// apply overrides the settings of c found in s.
func (s source) apply(c *config) {
	c.drainInterval = s.duration("DD_PROFILING_DRAIN_INTERVAL", c.drainInterval)
	c.samplingInterval = s.duration("DD_PROFILING_CPU_INTERVAL", c.samplingInterval)
	c.ringBufferSize = s.int("DD_PROFILING_RINGBUFFER_SIZE", c.ringBufferSize)
	c.reserveTimeout = s.duration("DD_PROFILING_RESERVE_TIMEOUT", c.reserveTimeout)
	c.signal = s.int("DD_PROFILING_SIGNAL", c.signal)
	c.callstackPoolSize = s.int("DD_PROFILING_CALLSTACK_POOL_SIZE", c.callstackPoolSize)
	c.maxSamples = s.int("DD_PROFILING_MAX_SAMPLES", c.maxSamples)
	c.period = s.duration("DD_PROFILING_PERIOD", c.period)
	if v, ok := s.get("DD_ENV"); ok {
		WithEnv(v)(c)
	}
	if v, ok := s.get("DD_SERVICE"); ok {
		WithService(v)(c)
	}
	if v, ok := s.get("DD_VERSION"); ok {
		WithVersion(v)(c)
	}
	if v, ok := s.get("DD_TAGS"); ok {
		sep := " "
		if strings.Contains(v, ",") {
			// falling back to comma as separator
			sep = ","
		}
		for _, tag := range strings.Split(v, sep) {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			WithTags(tag)(c)
		}
	}
	if v, ok := s.get("DD_PROFILING_EXPORT_DIR"); ok && v != "" {
		WithExporter(NewPprofExporter(v))(c)
	}
}

func defaultConfig() (*config, error) {
	c := config{
		env:                defaultEnv,
		service:            filepath.Base(os.Args[0]),
		statsd:             &statsd.NoOpClient{},
		period:             DefaultPeriod,
		drainInterval:      DefaultDrainInterval,
		samplingInterval:   DefaultSamplingInterval,
		ringBufferSize:     DefaultRingBufferSize,
		reserveTimeout:     DefaultReserveTimeout,
		signal:             DefaultSignal,
		callstackPoolSize:  DefaultCallstackPoolSize,
		maxSamples:         DefaultMaxSamples,
		metricsReportEvery: 10 * time.Second,
		tags:               []string{fmt.Sprintf("pid:%d", os.Getpid())},
	}
	src := source{env: true}
	if path := os.Getenv("DD_PROFILING_CONFIG_FILE"); path != "" {
		file, err := parseConfigFile(path)
		if err != nil {
			return nil, fmt.Errorf("profiler: could not load config file: %w", err)
		}
		src.file = file
	}
	src.apply(&c)
	WithTags(
		"profiler_version:"+version.Tag,
		"runtime_version:"+strings.TrimPrefix(runtime.Version(), "go"),
		"runtime_arch:"+runtime.GOARCH,
		"runtime_os:"+runtime.GOOS,
	)(&c)
	return &c, nil
}

// validate rejects settings the sampler cannot run with.
func (c *config) validate() error {
	var errs []error
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"period", c.period},
		{"drain interval", c.drainInterval},
		{"sampling interval", c.samplingInterval},
		{"reservation timeout", c.reserveTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s, must be > 0: %s", d.name, d.value))
		}
	}
	for _, n := range []struct {
		name  string
		value int
	}{
		{"ring buffer size", c.ringBufferSize},
		{"call stack pool size", c.callstackPoolSize},
		{"max samples", c.maxSamples},
	} {
		if n.value <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s, must be > 0: %d", n.name, n.value))
		}
	}
	return errors.Join(errs...)
}

// An Option is used to configure the profiler's behaviour.
type Option func(*config)

// WithConfigFile loads settings from the YAML file at path. The file uses
// the names of the environment variables as keys. Its settings take
// precedence over the environment and over earlier options.
func WithConfigFile(path string) Option {
	return func(cfg *config) {
		file, err := parseConfigFile(path)
		if err != nil {
			log.Error("profiler: could not load config file: %v", err)
			return
		}
		source{file: file}.apply(cfg)
	}
}

// WithPeriod specifies the interval at which collected samples are exported.
func WithPeriod(d time.Duration) Option {
	return func(cfg *config) {
		cfg.period = d
	}
}

// WithDrainInterval specifies the time between two drains of the ring
// buffer. It must be short enough for the ring buffer not to fill up.
func WithDrainInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.drainInterval = d
	}
}

// WithSamplingInterval specifies the CPU time a thread consumes between two
// of its samples.
func WithSamplingInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.samplingInterval = d
	}
}

// WithRingBufferSize specifies the capacity of the ring buffer in bytes. It
// is rounded up to a power of two.
func WithRingBufferSize(n int) Option {
	return func(cfg *config) {
		cfg.ringBufferSize = n
	}
}

// WithReservationTimeout bounds the wait for the ring buffer lock when a
// sample is written.
func WithReservationTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.reserveTimeout = d
	}
}

// WithSignal specifies the signal the sampling timers deliver.
func WithSignal(sig int) Option {
	return func(cfg *config) {
		cfg.signal = sig
	}
}

// WithCallstackPoolSize specifies the number of call stack buffers allocated
// when the profiler starts.
func WithCallstackPoolSize(n int) Option {
	return func(cfg *config) {
		cfg.callstackPoolSize = n
	}
}

// WithMaxSamples bounds the samples kept between two exports.
func WithMaxSamples(n int) Option {
	return func(cfg *config) {
		cfg.maxSamples = n
	}
}

// WithService specifies the service name to attach to a profile.
func WithService(name string) Option {
	return func(cfg *config) {
		cfg.service = name
	}
}

// WithEnv specifies the environment to which these profiles should be registered.
func WithEnv(env string) Option {
	return func(cfg *config) {
		cfg.env = env
	}
}

// WithVersion specifies the service version tag to attach to profiles
func WithVersion(version string) Option {
	return WithTags("version:" + version)
}

// WithTags specifies a set of tags to be attached to the profiler. These may help
// filter the profiling view based on various information.
func WithTags(tags ...string) Option {
	return func(cfg *config) {
		cfg.tags = append(cfg.tags, tags...)
	}
}

// WithHostname overrides the hostname attached to exported profiles.
func WithHostname(name string) Option {
	return func(cfg *config) {
		cfg.hostname = name
	}
}

// WithStatsd specifies an optional statsd client to use for metrics. By default,
// no metrics are sent.
func WithStatsd(client internal.StatsdClient) Option {
	return func(cfg *config) {
		cfg.statsd = client
	}
}

// WithStatsdAddr sends metrics to the statsd server at addr. The previous
// client is kept if the address is invalid.
func WithStatsdAddr(addr string) Option {
	return func(cfg *config) {
		client, err := internal.NewStatsdClient(addr, nil)
		if err != nil {
			log.Error("profiler: could not create statsd client: %v", err)
			return
		}
		cfg.statsd = client
	}
}

// WithFrameStore specifies how instruction pointers are symbolized. By
// default the symbol table of the running program is used.
func WithFrameStore(fs transform.FrameStore) Option {
	return func(cfg *config) {
		cfg.frames = fs
	}
}

// WithAppDomainStore specifies where application domain names come from.
func WithAppDomainStore(s transform.AppDomainStore) Option {
	return func(cfg *config) {
		cfg.domains = s
	}
}

// WithRuntimeIDStore specifies where runtime ids come from. By default every
// application domain gets a random id.
func WithRuntimeIDStore(s transform.RuntimeIDStore) Option {
	return func(cfg *config) {
		cfg.runtimeIDs = s
	}
}

// WithUnwinder specifies how the stacks of threads are captured when their
// timer fires. The default reads them from the goroutine profile, through the
// goroutine that registered each thread.
func WithUnwinder(u callstack.Unwinder) Option {
	return func(cfg *config) {
		cfg.unwinder = u
	}
}

// WithExporter specifies where collected samples go.
func WithExporter(e Exporter) Option {
	return func(cfg *config) {
		cfg.exporter = e
	}
}
