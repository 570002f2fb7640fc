package qlock

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/ahrav/queuedlock/keyedevent"
)

// ErrWaiterConsumed is the panic value when a Waiter is used after Wait or Cancel.
var ErrWaiterConsumed = errors.New("qlock: waiter used after it was woken")

// WakeEvent lets any number of goroutines wait for a signal. Setting the event
// wakes everyone queued at that moment and leaves the event empty again.
//
// It is designed to back many tiny locks that share one event to block on, so
// wakeups may be spurious. The usual pattern queues first and checks the
// predicate second, which closes the window for a lost wakeup:
//
//	for {
//	    w := ev.Queue()
//	    if ready() {
//	        w.Cancel()
//	        break
//	    }
//	    w.Wait(true, qlock.Infinite)
//	}
//
// The zero value is an empty event.
type WakeEvent struct {
	head atomic.Uint32
}

// Infinite makes Waiter.Wait block until the event is set.
const Infinite = keyedevent.Infinite

// Waiter is a wait queued on a WakeEvent. It must be finished with exactly one
// call to Wait or Cancel, by the goroutine that queued it.
type Waiter struct {
	event *WakeEvent
	h     handle
	wb    *waitBlock
}

// Queue queues a wait on e. The caller must then either Wait or Cancel.
func (e *WakeEvent) Queue() *Waiter {
	h, wb := blocks.alloc()
	wb.flags.Store(waiterSpinning)

	for {
		head := e.head.Load()
		wb.next.Store(head)
		if e.head.CompareAndSwap(head, uint32(h)) {
			break
		}
	}
	return &Waiter{event: e, h: h, wb: wb}
}

// Set wakes every goroutine queued on e.
func (e *WakeEvent) Set() { e.set(nil) }

func (e *WakeEvent) set(cancelled *waitBlock) {
	h := handle(e.head.Swap(0))
	for h != 0 {
		wb := blocks.block(h)
		next := handle(wb.next.Load())
		wb.unblock()
		h = next
	}

	if cancelled != nil && cancelled.flags.Load()&waiterSpinning != 0 {
		// Whoever popped the cancelled block may not have unblocked it
		// yet. Wait until it has, so the block is not recycled while
		// they still hold it.
		cancelled.block(false)
	}
}

func (w *Waiter) take() (handle, *waitBlock) {
	if w.wb == nil {
		panic(ErrWaiterConsumed)
	}
	h, wb := w.h, w.wb
	w.h, w.wb = 0, nil
	return h, wb
}

// Cancel abandons the wait. It also wakes everyone else queued on the event,
// since a single wait cannot be unlinked safely.
func (w *Waiter) Cancel() {
	h, wb := w.take()
	w.event.set(wb)
	blocks.free(h)
}

// Wait blocks until the event is set or the timeout elapses, spinning first if
// spin is true. A negative timeout waits forever. On timeout it returns
// ErrTimeout, after waking everyone else queued on the event.
func (w *Waiter) Wait(spin bool, timeout time.Duration) error {
	h, wb := w.take()
	stats.wakeEventWaits.Add(1)

	err := wb.blockTimeout(spin, timeout)
	if err != nil {
		stats.wakeEventTimeouts.Add(1)

		// Nobody can unlink our block but a setter, and the block's
		// spinning flag is already clear, so once the list has been
		// popped exactly one release for the block is on its way.
		// Consume it before the block is recycled.
		w.event.set(nil)
		rt := current()
		if cerr := rt.channel.Wait(&wb.key, keyedevent.Infinite); cerr != nil {
			rt.fatal("wait", cerr)
		}
	}

	blocks.free(h)
	return err
}
