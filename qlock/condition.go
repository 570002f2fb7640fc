package qlock

import "sync"

// Condition is a condition variable. It reuses a queued lock as a plain FIFO
// list of waiters, and is always paired with a lock of the caller's choosing
// that protects the predicate. The zero value is ready to use.
//
// Wait, Pulse and PulseAll must all be called with that lock held exclusively.
// Wakeups may be spurious, so Wait belongs in a loop:
//
//	mu.Lock()
//	for !ready {
//	    cond.Wait(&mu)
//	}
//	mu.Unlock()
type Condition struct {
	list Lock
}

// Wait atomically releases l and suspends the calling goroutine until it is
// pulsed, then reacquires l before returning. l may be a *Lock, the result of
// Lock.RLocker, a *sync.Mutex or any other sync.Locker.
func (c *Condition) Wait(l sync.Locker) { c.wait(l, false) }

// SpinWait is like Wait but spins for a while before parking, for conditions
// that are usually pulsed quickly.
func (c *Condition) SpinWait(l sync.Locker) { c.wait(l, true) }

func (c *Condition) wait(l sync.Locker, spin bool) {
	h, wb := blocks.alloc()

	value := c.list.value.Load()
	for {
		newValue, optimize, ok := c.list.pushWaitBlock(value, true, h, wb)
		if ok {
			if optimize {
				c.list.optimizeList(newValue, true)
			}
			break
		}
		value = c.list.value.Load()
	}

	stats.conditionWaits.Add(1)
	l.Unlock()
	wb.block(spin)
	l.Lock()

	blocks.free(h)
}

// Pulse wakes the goroutine that has been waiting the longest, if any.
func (c *Condition) Pulse() {
	if value := c.list.value.Load(); value&lockWaiters != 0 {
		c.list.wakeEx(value, true, false)
	}
}

// PulseAll wakes every waiting goroutine, oldest first.
func (c *Condition) PulseAll() {
	if value := c.list.value.Load(); value&lockWaiters != 0 {
		c.list.wakeEx(value, true, true)
	}
}
