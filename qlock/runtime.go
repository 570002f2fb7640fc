package qlock

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ahrav/queuedlock/keyedevent"
)

// multiProcessorSpinCount is how many times a waiter polls its wait block
// before parking, when more than one processor can run goroutines.
const multiProcessorSpinCount = 4000

var (
	// ErrAlreadyInitialized is returned by Init once the process-wide state exists.
	ErrAlreadyInitialized = errors.New("qlock: already initialized")
	// ErrNilChannel is returned by Init when WithChannel is given a nil channel.
	ErrNilChannel = errors.New("qlock: nil blocking channel")
	// ErrNegativeSpinCount is returned by Init for a negative spin count.
	ErrNegativeSpinCount = errors.New("qlock: negative spin count")
)

// runtimeState is the process-wide configuration shared by every lock,
// condition and wake event.
type runtimeState struct {
	channel   keyedevent.Channel
	spinCount int
	onFatal   func(error)
}

var (
	state    atomic.Pointer[runtimeState]
	initOnce sync.Once
)

// Option configures the process-wide queued lock runtime.
type Option func(*runtimeState)

// WithChannel sets the blocking channel that waiters park on.
func WithChannel(ch keyedevent.Channel) Option {
	return func(rt *runtimeState) { rt.channel = ch }
}

// WithSpinCount sets how many times a waiter polls its wait block before it
// parks on the blocking channel. Zero disables spinning.
func WithSpinCount(n int) Option {
	return func(rt *runtimeState) { rt.spinCount = n }
}

// WithFatalHandler installs the application's fatal error path. The handler is
// called with a *FatalError when the blocking channel fails or a lock is
// misused; if it returns, the operation panics with the same error.
func WithFatalHandler(fn func(error)) Option {
	return func(rt *runtimeState) { rt.onFatal = fn }
}

// Init creates the process-wide runtime. It may be called at most once, before
// any lock is contended; otherwise the first contended operation initializes
// the defaults and Init returns ErrAlreadyInitialized.
func Init(opts ...Option) error {
	rt := defaultRuntime()
	for _, opt := range opts {
		opt(rt)
	}
	if rt.channel == nil {
		return ErrNilChannel
	}
	if rt.spinCount < 0 {
		return ErrNegativeSpinCount
	}

	err := ErrAlreadyInitialized
	initOnce.Do(func() {
		state.Store(rt)
		err = nil
	})
	return err
}

func defaultRuntime() *runtimeState {
	return &runtimeState{
		channel:   keyedevent.Default(),
		spinCount: spinCountFor(runtime.GOMAXPROCS(0)),
	}
}

// spinCountFor picks the spin budget for the given number of processors.
// Spinning on a single processor only delays the goroutine we are waiting for.
func spinCountFor(procs int) int {
	if procs > 1 {
		return multiProcessorSpinCount
	}
	return 0
}

func current() *runtimeState {
	if rt := state.Load(); rt != nil {
		return rt
	}
	initOnce.Do(func() { state.Store(defaultRuntime()) })
	return state.Load()
}

// FatalError reports a condition the queued lock cannot recover from: once the
// blocking channel misbehaves, a waiter may never be woken.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return "qlock: " + e.Op + ": " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

func (rt *runtimeState) fatal(op string, err error) {
	fe := &FatalError{Op: op, Err: err}
	if rt.onFatal != nil {
		rt.onFatal(fe)
	}
	panic(fe)
}
