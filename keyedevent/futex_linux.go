//go:build linux

package keyedevent

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	futexWait        = 0
	futexWake        = 1
	futexPrivateFlag = 128
)

// Futex is a Channel that sleeps in the kernel on the key word itself. The key
// word must be zero while nobody has released it; Release sets it to one and
// Wait consumes it by resetting it to zero.
//
// Unlike Table, a Futex waiter occupies an OS thread while it sleeps.
type Futex struct{}

// NewFutex returns a futex-backed channel.
func NewFutex() *Futex { return &Futex{} }

// Wait implements Channel.
func (Futex) Wait(key *uint32, timeout time.Duration) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if atomic.CompareAndSwapUint32(key, 1, 0) {
			return nil
		}

		var ts *unix.Timespec
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				// One last look: a release may have landed just now.
				if atomic.CompareAndSwapUint32(key, 1, 0) {
					return nil
				}
				return ErrTimeout
			}
			t := unix.NsecToTimespec(remaining.Nanoseconds())
			ts = &t
		}

		_, _, e := unix.Syscall6(unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(key)),
			uintptr(futexWait|futexPrivateFlag),
			0,
			uintptr(unsafe.Pointer(ts)),
			0, 0)
		switch e {
		case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
			// Re-check the word; the deadline check above handles timeouts.
		default:
			return fmt.Errorf("keyedevent: futex wait: %w", e)
		}
	}
}

// Release implements Channel.
func (Futex) Release(key *uint32) error {
	if !atomic.CompareAndSwapUint32(key, 0, 1) {
		return ErrDoubleRelease
	}
	_, _, e := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(key)),
		uintptr(futexWake|futexPrivateFlag),
		1, 0, 0, 0)
	if e != 0 {
		return fmt.Errorf("keyedevent: futex wake: %w", e)
	}
	return nil
}
