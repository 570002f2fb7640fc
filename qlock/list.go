package qlock

// Waiters list maintenance.
//
// Wait blocks are pushed onto the head of the list, so they are naturally
// chained newest to oldest through next. Optimization walks from the head and
// fills in previous (toward newer blocks), which is what lets waiters be woken
// oldest first, and stores a shortcut to the tail in the head's last field,
// which is what lets shared releasers find the shared owners count.
//
// Optimization is incremental: a run stops at the first block whose last is
// already set, since everything past it was handled by an earlier run.
//
// Rules for the traversing bit:
//   - The list may be optimized only by the goroutine that set the bit.
//   - Waking waiters also requires the bit. A releaser that cannot take it
//     only clears the owned bit, and whoever holds the bit sees that and wakes.
//   - Shared releasers may walk the list without the bit while multiple shared
//     owners exist, because nobody wakes waiters while the lock is owned.

const (
	lockOwned          = 0x1
	lockWaiters        = 0x2
	lockTraversing     = 0x4
	lockMultipleShared = 0x8
	lockFlags          = 0xf

	lockSharedShift = 4
	lockSharedInc   = 1 << lockSharedShift
)

func sharedOwners(value uint64) uint64 { return value >> lockSharedShift }

func headOf(value uint64) handle { return handle(value >> lockSharedShift) }

func packHead(h handle) uint64 { return uint64(h) << lockSharedShift }

// pushWaitBlock tries to push wb onto the list of a lock observed as value,
// which must be owned. It reports whether the push happened and, if so, the
// value it installed and whether the caller now owes an optimization run.
func (l *Lock) pushWaitBlock(value uint64, exclusive bool, h handle, wb *waitBlock) (newValue uint64, optimize, ok bool) {
	wb.previous.Store(0)
	if exclusive {
		wb.flags.Store(waiterExclusive | waiterSpinning)
	} else {
		wb.flags.Store(waiterSpinning)
	}

	if value&lockWaiters != 0 {
		// Not the first waiter. Take the traversing bit so that someone
		// optimizes the list; if it is already taken, its holder will.
		wb.last.Store(0)
		wb.next.Store(uint32(headOf(value)))
		wb.sharedOwners.Store(0)

		newValue = packHead(h) | value&lockFlags | lockTraversing
		optimize = value&lockTraversing == 0
	} else {
		wb.last.Store(uint32(h))
		wb.next.Store(0)
		wb.sharedOwners.Store(0)

		newValue = packHead(h) | lockOwned | lockWaiters
		if exclusive {
			// A shared waiter never gets here with shared owners present, it
			// would have acquired the lock instead.
			owners := sharedOwners(value)
			wb.sharedOwners.Store(uint32(owners))
			if owners > 1 {
				newValue |= lockMultipleShared
			}
		}
	}

	if !l.value.CompareAndSwap(value, newValue) {
		return 0, false, false
	}
	return newValue, optimize, true
}

// findLastWaitBlock returns the tail of the list. value must have waiters,
// and either the traversing bit or multiple shared owners.
func findLastWaitBlock(value uint64) *waitBlock {
	wb := blocks.block(headOf(value))
	for {
		if last := handle(wb.last.Load()); last != 0 {
			return blocks.block(last)
		}
		wb = blocks.block(handle(wb.next.Load()))
	}
}

// linkToTail walks from the head, setting previous on each block it passes,
// until it reaches a block that knows the tail. It returns the tail.
func linkToTail(first handle) (handle, *waitBlock) {
	h := first
	wb := blocks.block(h)
	for {
		if last := handle(wb.last.Load()); last != 0 {
			return last, blocks.block(last)
		}
		prev := h
		h = handle(wb.next.Load())
		wb = blocks.block(h)
		wb.previous.Store(uint32(prev))
	}
}

// optimizeList optimizes the list and then releases the traversing bit, which
// the caller must hold. If the lock was released meanwhile, it wakes waiters
// instead.
func (l *Lock) optimizeList(value uint64, ignoreOwned bool) {
	for {
		if value&lockTraversing == 0 {
			// The list was drained under us. Only a condition pulsed
			// without its lock gets here.
			return
		}
		if !ignoreOwned && value&lockOwned == 0 {
			// A releaser could not take the traversing bit and asked us
			// to wake waiters.
			l.wake(value)
			return
		}

		head := headOf(value)
		last, _ := linkToTail(head)
		blocks.block(head).last.Store(uint32(last))

		if l.value.CompareAndSwap(value, value-lockTraversing) {
			return
		}
		// A block was pushed or ownership was released.
		value = l.value.Load()
	}
}

// prepareToWake unlinks the blocks to wake and returns the oldest of them.
// The rest follow through previous. It returns 0 if nothing should be woken.
func (l *Lock) prepareToWake(value uint64, ignoreOwned, wakeAll bool) handle {
	for {
		// Nobody wakes while the lock is owned, so there is no point
		// in holding the traversing bit.
		for !ignoreOwned && value&lockOwned != 0 {
			if l.value.CompareAndSwap(value, value-lockTraversing) {
				return 0
			}
			value = l.value.Load()
		}

		first := headOf(value)
		tail, wb := linkToTail(first)

		if prev := wb.previous.Load(); !wakeAll && wb.flags.Load()&waiterExclusive != 0 && prev != 0 {
			// An exclusive waiter with others behind it is woken alone.
			// Blocks whose last still points at it are never reached,
			// because the walk stops at the head first.
			blocks.block(first).last.Store(prev)
			wb.previous.Store(0)
			if !ignoreOwned {
				l.value.Add(^uint64(lockTraversing - 1))
			}
			return tail
		}

		// Hand the whole list off.
		if l.value.CompareAndSwap(value, 0) {
			return tail
		}
		value = l.value.Load()
	}
}

// wake wakes waiters of a lock. value must have waiters and the traversing
// bit, and must not have multiple shared owners.
func (l *Lock) wake(value uint64) {
	l.wakeEx(value, false, false)
}

func (l *Lock) wakeEx(value uint64, ignoreOwned, wakeAll bool) {
	h := l.prepareToWake(value, ignoreOwned, wakeAll)
	for h != 0 {
		wb := blocks.block(h)
		prev := handle(wb.previous.Load())
		wb.unblock()
		h = prev
	}
}
