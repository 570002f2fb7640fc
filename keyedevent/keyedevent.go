// Package keyedevent provides the blocking channel that queued locks park on: a
// process-wide mechanism that lets one goroutine block on a key and another
// goroutine wake it, without allocating a kernel object or a channel per lock.
//
// A key is the address of a 32-bit word owned by the waiter, typically a field
// of its wait block. Every Wait is paired with exactly one Release of the same
// key, even when the Release happens first:
//
//	ch := keyedevent.Default()
//
//	// waiter
//	if err := ch.Wait(&block.key, keyedevent.Infinite); err != nil {
//	    // ErrTimeout or a broken channel
//	}
//
//	// waker
//	if err := ch.Release(&block.key); err != nil {
//	    // the channel is broken
//	}
//
// Two implementations are provided. Table is a portable sharded rendezvous
// table that parks goroutines; it is the default. Futex (linux only) sleeps in
// the kernel on the key word itself.
package keyedevent

import (
	"errors"
	"time"
)

// Infinite makes Wait block until the key is released.
const Infinite time.Duration = -1

var (
	// ErrTimeout is returned by Wait when the timeout elapsed before a release.
	ErrTimeout = errors.New("keyedevent: wait timed out")
	// ErrKeyBusy is returned when a second goroutine waits on a key that already has a waiter.
	ErrKeyBusy = errors.New("keyedevent: key already has a waiter")
	// ErrDoubleRelease is returned when a key is released twice without a wait in between.
	ErrDoubleRelease = errors.New("keyedevent: key released twice")
)

// Channel blocks and wakes goroutines keyed by the address of a word.
type Channel interface {
	// Wait blocks until Release is called for key. A negative timeout waits
	// forever. A release that happened before Wait is consumed immediately.
	Wait(key *uint32, timeout time.Duration) error
	// Release wakes the goroutine waiting on key, or lets its next Wait return
	// immediately if it has not started waiting yet.
	Release(key *uint32) error
}

var defaultTable = NewTable()

// Default returns the channel used when no other backend is configured.
func Default() Channel { return defaultTable }
