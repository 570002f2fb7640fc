package qlock

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ahrav/queuedlock/keyedevent"
)

// ErrTimeout is returned when a wait gave up before it was woken.
var ErrTimeout = errors.New("qlock: wait timed out")

// errArenaExhausted is reported through the fatal path when every wait block
// handle is in use.
var errArenaExhausted = errors.New("wait block arena exhausted")

const (
	waiterExclusive = 0x1
	waiterSpinning  = 0x2

	// spinYieldEvery is how many polls a spinning waiter makes between yields.
	spinYieldEvery = 64
)

// handle identifies a wait block in the arena. The zero handle is nil.
type handle uint32

// waitBlock describes one pending acquire or wait. It belongs to the goroutine
// that pushed it until that goroutine is unblocked; after the unblock nobody
// else may read it.
type waitBlock struct {
	next         atomic.Uint32 // older block
	previous     atomic.Uint32 // newer block, set by list optimization
	last         atomic.Uint32 // tail shortcut; self on the first pushed block
	flags        atomic.Uint32
	sharedOwners atomic.Uint32 // valid on the tail only

	// key is the word the owner parks on in the blocking channel.
	key uint32

	freeNext atomic.Uint32
}

const (
	chunkShift = 8
	chunkSize  = 1 << chunkShift
	chunkMask  = chunkSize - 1
	maxChunks  = 1 << 12
	maxHandles = chunkSize * maxChunks
)

// arena is a slab of wait blocks addressed by handle. Chunks are never
// released, so reading a recycled block is a stale read, not a use after free.
type arena struct {
	// freeHead packs an ABA tag in the high 32 bits and a handle in the low 32.
	freeHead  atomic.Uint64
	allocated atomic.Uint32
	chunks    [maxChunks]atomic.Pointer[[chunkSize]waitBlock]
}

var blocks arena

func (a *arena) block(h handle) *waitBlock {
	return &a.chunks[h>>chunkShift].Load()[h&chunkMask]
}

func (a *arena) alloc() (handle, *waitBlock) {
	for {
		head := a.freeHead.Load()
		h := handle(head)
		if h == 0 {
			break
		}
		wb := a.block(h)
		next := uint64(wb.freeNext.Load())
		if a.freeHead.CompareAndSwap(head, (head>>32+1)<<32|next) {
			return h, wb
		}
	}

	// Handles start at 1: 0 is the nil handle, so slot 0 of chunk 0 is never
	// used. allocated keeps counting past maxHandles; the fatal path stops
	// every caller that gets there.
	n := a.allocated.Add(1)
	if n >= maxHandles {
		current().fatal("alloc", errArenaExhausted)
	}
	h := handle(n)
	c := &a.chunks[h>>chunkShift]
	if c.Load() == nil {
		if c.CompareAndSwap(nil, new([chunkSize]waitBlock)) {
			stats.arenaChunks.Add(1)
		}
	}
	return h, a.block(h)
}

func (a *arena) free(h handle) {
	wb := a.block(h)
	for {
		head := a.freeHead.Load()
		wb.freeNext.Store(uint32(head))
		if a.freeHead.CompareAndSwap(head, (head>>32+1)<<32|uint64(h)) {
			return
		}
	}
}

// block waits without a timeout.
func (wb *waitBlock) block(spin bool) {
	_ = wb.blockTimeout(spin, keyedevent.Infinite)
}

// blockTimeout waits for wb to be unblocked. The spinning flag is cleared
// exactly once, by whichever of the waiter and the waker gets there first; the
// waiter parks on the channel only if it cleared the flag itself.
func (wb *waitBlock) blockTimeout(spin bool, timeout time.Duration) error {
	rt := current()

	if spin {
		stats.blockSpins.Add(1)
		for i := rt.spinCount; i != 0; i-- {
			if wb.flags.Load()&waiterSpinning == 0 {
				return nil
			}
			if i%spinYieldEvery == 0 {
				runtime.Gosched()
			}
		}
	}

	if wb.flags.And(^uint32(waiterSpinning))&waiterSpinning == 0 {
		return nil
	}

	stats.blockWaits.Add(1)
	if err := rt.channel.Wait(&wb.key, timeout); err != nil {
		if errors.Is(err, keyedevent.ErrTimeout) {
			return ErrTimeout
		}
		rt.fatal("wait", err)
	}
	return nil
}

// unblock wakes the owner of wb. The caller must have saved anything it needs
// from wb beforehand.
func (wb *waitBlock) unblock() {
	if wb.flags.And(^uint32(waiterSpinning))&waiterSpinning != 0 {
		// Still spinning; it will notice on its own.
		return
	}
	rt := current()
	if err := rt.channel.Release(&wb.key); err != nil {
		rt.fatal("release", err)
	}
}
