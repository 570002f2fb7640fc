// Package ticket provides a fair mutual exclusion spinlock using a ticket-based
// queuing system. Lock requests are served in the exact order they arrive, and
// waiters back off in proportion to their distance from the head of the queue.
//
// The lock is meant for very short critical sections that never block, such as
// the per-shard bookkeeping of a keyed event table. The zero value is an
// unlocked lock, so a Lock can be embedded directly in other structures.
//
// Example usage:
//
//	var mu ticket.Lock
//
//	mu.Lock()
//	// ... critical section ...
//	mu.Unlock()
//
//	if mu.TryLock() {
//	    // ... critical section ...
//	    mu.Unlock()
//	}
package ticket

import (
	"runtime"
	"sync/atomic"
)

// Lock implements a fair mutual exclusion lock using a ticket-based queuing system.
//
// The internal implementation uses two counters:
// - head: the ticket currently being served
// - tail: the next ticket to be issued
//
// The lock is free when head == tail, and locked otherwise.
type Lock struct {
	head atomic.Uint32 // Current ticket being served
	tail atomic.Uint32 // Next ticket to be issued
}

// TryLock attempts to acquire the lock without blocking. It returns true if the lock
// was acquired successfully, and false if the lock is currently held by another goroutine.
func (t *Lock) TryLock() bool {
	me := t.head.Load()
	// Taking the ticket that is being served right now only succeeds if nobody
	// else holds or waits for it.
	return t.tail.CompareAndSwap(me, me+1)
}

const (
	ticketBaseWait uint32 = 10
	ticketWaitNext        = 5

	// ticketYieldDistance is the queue distance beyond which a waiter yields its
	// processor instead of burning it.
	ticketYieldDistance = 4

	// ticketYieldEvery bounds how long a goroutine close to the head spins before
	// yielding once, so a preempted holder still gets to run.
	ticketYieldEvery = 16
)

// Lock acquires the lock. Goroutines spin proportionally to their distance from the
// head of the queue, and yield the processor when they are far back or have spun
// for a while.
func (t *Lock) Lock() {
	myTicket := t.tail.Add(1) - 1 // Get our ticket

	// Fast path for uncontended case
	if t.head.Load() == myTicket {
		return
	}

	wait := ticketBaseWait
	distancePrev := uint32(1)

	for spins := 1; ; spins++ {
		cur := t.head.Load()
		if cur == myTicket {
			return
		}
		distance := myTicket - cur // How many people are in front of us?

		if distance > 1 {
			if distance != distancePrev {
				distancePrev = distance
				wait = ticketBaseWait
			}
			for range min(distance, ticketYieldDistance) * wait {
				// Empty spin loop.
			}
		} else {
			for range ticketWaitNext {
				// Empty spin loop.
			}
		}

		if distance > ticketYieldDistance || spins%ticketYieldEvery == 0 {
			runtime.Gosched()
		}
	}
}

// Unlock releases the lock, handing it to the holder of the next ticket.
func (t *Lock) Unlock() { t.head.Add(1) }

// isFree checks if the lock is free.
func (t *Lock) isFree() bool { return t.head.Load() == t.tail.Load() }
