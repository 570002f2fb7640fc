// Package qlock implements the queued lock, a reader/writer lock that fits in a
// single machine word, together with a condition variable and a wake event
// built from the same parts.
//
// A queued lock is:
//   - Only eight bytes. The zero value is an unlocked lock.
//   - Lock-free outside of blocking: every state change is one compare-and-swap.
//   - Cheap on resources: contended waiters park on one process-wide blocking
//     channel (see package keyedevent) keyed by their wait block, so no channel
//     or semaphore is allocated per lock.
//
// Without contention the lock word holds an owned bit and a shared owner
// count. Under contention it holds a handle to a chain of wait blocks instead,
// newest first; the count of shared owners at the time the first waiter
// arrived moves into the oldest wait block. Waiters are woken in arrival
// order, exclusive waiters one at a time and shared waiters in batches.
//
// Example usage:
//
//	var mu qlock.Lock
//
//	mu.AcquireExclusive()
//	// ... write shared state ...
//	mu.ReleaseExclusive()
//
//	mu.AcquireShared()
//	// ... read shared state ...
//	mu.ReleaseShared()
//
// Once a waiter is queued, new shared acquires queue behind it instead of
// joining the current shared owners, so writers are not starved by a stream of
// readers. Acquires cannot be cancelled and have no timeout.
package qlock

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNotOwned is reported through the fatal path when a lock is released by
// someone who does not own it.
var ErrNotOwned = errors.New("release of unowned lock")

// Lock is a queued lock. It must not be copied after first use.
type Lock struct {
	value atomic.Uint64
}

// AcquireExclusive blocks until the caller owns the lock exclusively.
func (l *Lock) AcquireExclusive() {
	if l.value.CompareAndSwap(0, lockOwned) {
		return
	}
	l.acquireExclusiveSlow()
}

func (l *Lock) acquireExclusiveSlow() {
	var (
		h  handle
		wb *waitBlock
	)

	value := l.value.Load()
	for {
		if value&lockOwned == 0 {
			if l.value.CompareAndSwap(value, value+lockOwned) {
				break
			}
		} else {
			if wb == nil {
				h, wb = blocks.alloc()
			}
			if newValue, optimize, ok := l.pushWaitBlock(value, true, h, wb); ok {
				if optimize {
					l.optimizeList(newValue, false)
				}
				stats.acquireExclusiveBlocks.Add(1)
				wb.block(true)
			}
		}
		value = l.value.Load()
	}

	if wb != nil {
		blocks.free(h)
	}
}

// AcquireShared blocks until the caller holds one shared ownership of the lock.
func (l *Lock) AcquireShared() {
	if l.value.CompareAndSwap(0, lockOwned|lockSharedInc) {
		return
	}
	l.acquireSharedSlow()
}

// canShare reports whether a shared acquire may join the owners of value
// directly. It may not while anyone is queued: exclusive waiters come first,
// and there is no cheap way to find the tail and bump its count.
func canShare(value uint64) bool {
	return value&lockWaiters == 0 && (value&lockOwned == 0 || sharedOwners(value) > 0)
}

func (l *Lock) acquireSharedSlow() {
	var (
		h  handle
		wb *waitBlock
	)

	value := l.value.Load()
	for {
		if canShare(value) {
			if l.value.CompareAndSwap(value, (value+lockSharedInc)|lockOwned) {
				break
			}
		} else {
			if wb == nil {
				h, wb = blocks.alloc()
			}
			if newValue, optimize, ok := l.pushWaitBlock(value, false, h, wb); ok {
				if optimize {
					l.optimizeList(newValue, false)
				}
				stats.acquireSharedBlocks.Add(1)
				wb.block(true)
			}
		}
		value = l.value.Load()
	}

	if wb != nil {
		blocks.free(h)
	}
}

// TryAcquireExclusive acquires the lock exclusively if it is free, without
// queueing. It reports whether the lock was acquired.
func (l *Lock) TryAcquireExclusive() bool {
	value := l.value.Load()
	return value&lockOwned == 0 && l.value.CompareAndSwap(value, value+lockOwned)
}

// TryAcquireShared acquires one shared ownership if that is possible without
// queueing. It reports whether the lock was acquired.
func (l *Lock) TryAcquireShared() bool {
	value := l.value.Load()
	return canShare(value) && l.value.CompareAndSwap(value, (value+lockSharedInc)|lockOwned)
}

// AcquireReleaseExclusive waits until l is free without keeping it. Returns
// immediately if l is not owned.
func (l *Lock) AcquireReleaseExclusive() {
	if l.value.Load()&lockOwned != 0 {
		l.AcquireExclusive()
		l.ReleaseExclusive()
	}
}

// TryAcquireReleaseExclusive reports whether l could have been acquired
// exclusively at the moment of the call. It never changes l.
func (l *Lock) TryAcquireReleaseExclusive() bool {
	return l.value.Load()&lockOwned == 0
}

// ReleaseExclusive releases a lock owned exclusively by the caller.
func (l *Lock) ReleaseExclusive() {
	value := l.value.Load()
	for {
		if value&lockOwned == 0 {
			current().fatal("release exclusive", ErrNotOwned)
		}
		if value&lockWaiters == 0 && sharedOwners(value) != 0 {
			// Held shared, not exclusively.
			current().fatal("release exclusive", ErrNotOwned)
		}

		if value&(lockWaiters|lockTraversing) != lockWaiters {
			// Either nobody is waiting, or someone holds the traversing
			// bit; clearing the owned bit tells them to wake waiters.
			if l.value.CompareAndSwap(value, value-lockOwned) {
				return
			}
		} else {
			// Release and take the traversing bit in one step, so that no
			// acquirer can slip in between and leave a waiter asleep.
			newValue := value - lockOwned + lockTraversing
			if l.value.CompareAndSwap(value, newValue) {
				l.wake(newValue)
				return
			}
		}
		value = l.value.Load()
	}
}

// ReleaseShared releases one shared ownership held by the caller.
func (l *Lock) ReleaseShared() {
	value := l.value.Load()
	for value&lockWaiters == 0 {
		if value&lockOwned == 0 || sharedOwners(value) == 0 {
			current().fatal("release shared", ErrNotOwned)
		}

		var newValue uint64
		if sharedOwners(value) > 1 {
			newValue = value - lockSharedInc
		}
		if l.value.CompareAndSwap(value, newValue) {
			return
		}
		value = l.value.Load()
	}

	if value&lockMultipleShared != 0 {
		// The count moved into the tail when the first waiter arrived.
		// Walking there is safe: nothing is woken while we still own.
		if findLastWaitBlock(value).sharedOwners.Add(^uint32(0)) > 0 {
			return
		}
	}

	for {
		if value&lockTraversing != 0 {
			if l.value.CompareAndSwap(value, value&^(lockOwned|lockMultipleShared)) {
				return
			}
		} else {
			newValue := value&^(lockOwned|lockMultipleShared) | lockTraversing
			if l.value.CompareAndSwap(value, newValue) {
				l.wake(newValue)
				return
			}
		}
		value = l.value.Load()
	}
}

// Lock acquires l exclusively. It lets a *Lock be used as a sync.Locker.
func (l *Lock) Lock() { l.AcquireExclusive() }

// Unlock releases an exclusive hold on l.
func (l *Lock) Unlock() { l.ReleaseExclusive() }

// RLock acquires l in shared mode.
func (l *Lock) RLock() { l.AcquireShared() }

// RUnlock releases a shared hold on l.
func (l *Lock) RUnlock() { l.ReleaseShared() }

// RLocker returns a sync.Locker that acquires and releases l in shared mode.
func (l *Lock) RLocker() sync.Locker { return (*rlocker)(l) }

type rlocker Lock

func (r *rlocker) Lock()   { (*Lock)(r).AcquireShared() }
func (r *rlocker) Unlock() { (*Lock)(r).ReleaseShared() }
