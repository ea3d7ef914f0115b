// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

// Package signals multiplexes one OS signal among profiler subsystems.
//
// There is one Dispatcher per signal number in the process. A Dispatcher
// routes every delivery to a single registered Handler and, when that handler
// declines, to a fallback. It also detects another library replacing the OS
// handler, restores it once, and gives up on the signal if it happens again.
package signals

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/DataDog/native-sampler/internal/log"
)

// DefaultSignal is SIGRTMIN+8. SIGPROF cannot be used since the Go runtime
// reserves it for its own profiler.
const DefaultSignal = 42

// linux signal numbers
const (
	maxSignal = 64
	sigKill   = 9
	sigStop   = 19
	sigProf   = 27
)

var (
	// ErrInvalidSignal is returned by Get for signals that cannot be handled.
	ErrInvalidSignal = errors.New("signals: invalid signal")
	// ErrHandlerConflict is returned when a different handler is already
	// registered.
	ErrHandlerConflict = errors.New("signals: another handler is already registered")
	// ErrNotInstalled is returned by UnregisterHandler when no handler is
	// registered.
	ErrNotInstalled = errors.New("signals: no handler installed")
	// ErrDisabled is returned once the dispatcher gave up on its signal.
	ErrDisabled = errors.New("signals: dispatcher disabled after repeated handler replacement")
	// ErrUnsupported is returned on platforms without signal support.
	ErrUnsupported = errors.New("signals: not supported on this platform")
)

// Result is the outcome of a Handler.
type Result uint8

const (
	// NotHandled makes the delivery fall through to the fallback handler.
	NotHandled Result = iota
	// Handled stops the delivery.
	Handled
)

func (r Result) String() string {
	if r == Handled {
		return "Handled"
	}
	return "NotHandled"
}

// Info describes one delivery.
type Info struct {
	Signal int
	// ThreadID is the OS thread the signal targets, 0 when unknown.
	ThreadID int32
}

// Handler handles signal deliveries. Implementations must be comparable,
// usually pointer types, since registering the same handler twice is a no-op.
type Handler interface {
	HandleSignal(info Info) Result
}

// State is the lifecycle state of a Dispatcher.
type State uint8

const (
	NoHandlerInstalled State = iota
	HandlerInstalled
	// Hijacked means the OS handler was replaced once and restored.
	Hijacked
	// Disabled means the OS handler was replaced again and the dispatcher
	// stopped contesting it.
	Disabled
)

func (s State) String() string {
	switch s {
	case NoHandlerInstalled:
		return "NoHandlerInstalled"
	case HandlerInstalled:
		return "HandlerInstalled"
	case Hijacked:
		return "Hijacked"
	case Disabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

// action is the kernel disposition of a signal.
type action struct {
	handler  uintptr
	flags    uint64
	restorer uintptr
	mask     uint64
}

// backend is the OS side of a Dispatcher.
type backend interface {
	// install starts forwarding sig to c and returns the resulting
	// disposition.
	install(sig int, c chan<- os.Signal) (action, error)
	// uninstall stops forwarding sig to c and restores the default behavior.
	uninstall(sig int, c chan<- os.Signal)
	// ignore stops forwarding sig to c, if not nil, and ignores it.
	ignore(sig int, c chan<- os.Signal)
	// forget stops forwarding sig to c, leaving the OS handler untouched.
	forget(sig int, c chan<- os.Signal)
	// current returns the live disposition of sig.
	current(sig int) (action, error)
	// restore writes a back as the disposition of sig.
	restore(sig int, a action) error
	// send sends sig to the thread tid of the current process.
	send(tid int32, sig int) error
}

type handlerBox struct {
	h Handler
}

// Dispatcher owns one signal number.
type Dispatcher struct {
	sig     int
	backend backend

	mu        sync.Mutex // guards below fields
	state     State
	installed action
	restored  bool
	c         chan os.Signal
	stop      chan struct{}
	done      chan struct{}

	handler    atomic.Pointer[handlerBox]
	fallback   atomic.Pointer[handlerBox]
	dispatchMu sync.Mutex // serializes deliveries
	inFallback atomic.Bool

	panicLog rate.Sometimes
}

var (
	dispatchersMu sync.Mutex
	dispatchers   = map[int]*Dispatcher{}
)

// Get returns the process-wide dispatcher of sig.
func Get(sig int) (*Dispatcher, error) {
	if err := validate(sig); err != nil {
		return nil, err
	}
	dispatchersMu.Lock()
	defer dispatchersMu.Unlock()
	if d, ok := dispatchers[sig]; ok {
		return d, nil
	}
	d := newDispatcher(sig, defaultBackend())
	dispatchers[sig] = d
	return d, nil
}

func validate(sig int) error {
	if sig <= 0 || sig > maxSignal {
		return fmt.Errorf("%w: %d is out of range", ErrInvalidSignal, sig)
	}
	switch sig {
	case sigKill, sigStop:
		return fmt.Errorf("%w: %d cannot be caught", ErrInvalidSignal, sig)
	case sigProf:
		return fmt.Errorf("%w: %d is used by the Go runtime profiler", ErrInvalidSignal, sig)
	}
	return nil
}

func newDispatcher(sig int, b backend) *Dispatcher {
	return &Dispatcher{
		sig:      sig,
		backend:  b,
		panicLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// Signal returns the signal number of d.
func (d *Dispatcher) Signal() int { return d.sig }

// State returns the current state of d.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// RegisterHandler installs the OS handler of the signal and routes
// deliveries to h. Registering the handler already registered is a no-op;
// registering another one fails with ErrHandlerConflict.
func (d *Dispatcher) RegisterHandler(h Handler) error {
	if h == nil {
		return errors.New("signals: nil handler")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case HandlerInstalled, Hijacked:
		if cur := d.handler.Load(); cur != nil && cur.h == h {
			return nil
		}
		return ErrHandlerConflict
	case Disabled:
		return ErrDisabled
	}

	c := make(chan os.Signal, 64)
	installed, err := d.backend.install(d.sig, c)
	if err != nil {
		return fmt.Errorf("signals: installing handler for signal %d: %w", d.sig, err)
	}
	d.installed = installed
	d.handler.Store(&handlerBox{h: h})
	d.c = c
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(c, d.stop, d.done)
	d.state = HandlerInstalled
	log.Debug("Installed handler for signal %d", d.sig)
	return nil
}

// UnregisterHandler removes the registered handler and restores the default
// disposition of the signal.
func (d *Dispatcher) UnregisterHandler() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case NoHandlerInstalled:
		return ErrNotInstalled
	case Disabled:
		// the signal belongs to someone else now
		return nil
	}
	d.backend.uninstall(d.sig, d.shutdownLocked())
	d.state = NoHandlerInstalled
	return nil
}

// IgnoreSignal removes the registered handler, if any, and makes the process
// ignore the signal so that late timer expirations are harmless.
func (d *Dispatcher) IgnoreSignal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Disabled {
		return
	}
	d.backend.ignore(d.sig, d.shutdownLocked())
	d.state = NoHandlerInstalled
}

// shutdownLocked unregisters the handler and stops the delivery loop. It
// returns the channel the signal was forwarded to, if any. d.mu must be held,
// and handlers must not call back into the lifecycle methods of d.
func (d *Dispatcher) shutdownLocked() chan<- os.Signal {
	d.handler.Store(nil)
	if d.stop == nil {
		return nil
	}
	close(d.stop)
	<-d.done
	c := d.c
	d.c, d.stop, d.done = nil, nil, nil
	return c
}

// Chain sets the handler called when the registered one returns NotHandled.
// A nil h removes the fallback.
func (d *Dispatcher) Chain(h Handler) {
	if h == nil {
		d.fallback.Store(nil)
		return
	}
	d.fallback.Store(&handlerBox{h: h})
}

// CheckSignalHandler verifies that the OS handler is still the one installed
// by RegisterHandler. The first time it was replaced, it is restored. The
// second time, the dispatcher is disabled for good. It reports whether the
// dispatcher still receives the signal.
func (d *Dispatcher) CheckSignalHandler() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case NoHandlerInstalled:
		return false
	case Disabled:
		return false
	}
	cur, err := d.backend.current(d.sig)
	if err != nil {
		log.Error("Failed to read the handler of signal %d: %v", d.sig, err)
		return true
	}
	if cur.handler == d.installed.handler {
		return true
	}
	if d.restored {
		log.Warn("The handler of signal %d was replaced again by another library. Sampling on this signal is disabled.", d.sig)
		d.disableLocked()
		return false
	}
	d.restored = true
	if err := d.backend.restore(d.sig, d.installed); err != nil {
		log.Warn("The handler of signal %d was replaced by another library and could not be restored: %v", d.sig, err)
		d.disableLocked()
		return false
	}
	log.Warn("The handler of signal %d was replaced by another library. It was restored, but will not be again.", d.sig)
	d.state = Hijacked
	return true
}

// disableLocked stops dispatching without touching the OS handler, which
// now belongs to another library.
func (d *Dispatcher) disableLocked() {
	if c := d.shutdownLocked(); c != nil {
		d.backend.forget(d.sig, c)
	}
	d.state = Disabled
}

// SendSignal sends the signal to the thread tid of the current process.
func (d *Dispatcher) SendSignal(tid int32) error {
	return d.backend.send(tid, d.sig)
}

// Deliver dispatches one delivery synchronously: the registered handler runs
// first and, if it declines, the fallback. Deliveries arriving while the
// fallback runs are dropped.
func (d *Dispatcher) Deliver(info Info) Result {
	if d.inFallback.Load() {
		return NotHandled
	}
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	if box := d.handler.Load(); box != nil {
		if d.call(box.h, info) == Handled {
			return Handled
		}
	}
	box := d.fallback.Load()
	if box == nil {
		return NotHandled
	}
	d.inFallback.Store(true)
	defer d.inFallback.Store(false)
	return d.call(box.h, info)
}

// call runs h, turning a panic into NotHandled.
func (d *Dispatcher) call(h Handler, info Info) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.panicLog.Do(func() {
				log.Error("Handler of signal %d panicked: %v", info.Signal, r)
			})
			res = NotHandled
		}
	}()
	return h.HandleSignal(info)
}

func (d *Dispatcher) loop(c <-chan os.Signal, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case s := <-c:
			sig, ok := s.(syscall.Signal)
			if !ok {
				continue
			}
			d.Deliver(Info{Signal: int(sig)})
		case <-stop:
			return
		}
	}
}

// Reset returns d to NoHandlerInstalled, forgetting any replacement it
// detected. It is meant for tests.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c := d.shutdownLocked(); c != nil {
		d.backend.uninstall(d.sig, c)
	}
	d.fallback.Store(nil)
	d.handler.Store(nil)
	d.restored = false
	d.installed = action{}
	d.state = NoHandlerInstalled
}
