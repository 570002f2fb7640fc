package qlock

import (
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/queuedlock/keyedevent"
)

// useRuntime swaps the process-wide runtime for the duration of a test. Tests
// using it must not leave waiters behind.
func useRuntime(t *testing.T, rt *runtimeState) {
	t.Helper()
	current()
	prev := state.Swap(rt)
	t.Cleanup(func() { state.Store(prev) })
}

// blockView is a printable copy of a wait block.
type blockView struct {
	Handle       handle
	Next         handle
	Previous     handle
	Last         handle
	SharedOwners uint32
	Exclusive    bool
	Spinning     bool
}

func viewOf(h handle) blockView {
	wb := blocks.block(h)
	flags := wb.flags.Load()
	return blockView{
		Handle:       h,
		Next:         handle(wb.next.Load()),
		Previous:     handle(wb.previous.Load()),
		Last:         handle(wb.last.Load()),
		SharedOwners: wb.sharedOwners.Load(),
		Exclusive:    flags&waiterExclusive != 0,
		Spinning:     flags&waiterSpinning != 0,
	}
}

// chainOf lists the waiters of l from newest to oldest. Nobody may be waking
// waiters of l while it runs.
func chainOf(l *Lock) []blockView {
	value := l.value.Load()
	if value&lockWaiters == 0 {
		return nil
	}
	tail := findLastWaitBlock(value)
	h := headOf(value)
	var views []blockView
	for {
		views = append(views, viewOf(h))
		if blocks.block(h) == tail {
			return views
		}
		h = handle(blocks.block(h).next.Load())
	}
}

func queuedWaiters(l *Lock) int { return len(chainOf(l)) }

// dump renders the lock word and its chain for failure messages.
func dump(l *Lock) string {
	return spew.Sdump(struct {
		Value uint64
		Chain []blockView
	}{l.value.Load(), chainOf(l)})
}

// waitQueued blocks until l has n queued waiters. The caller must own l.
func waitQueued(t *testing.T, l *Lock, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return queuedWaiters(l) == n },
		5*time.Second, time.Millisecond, "waiting for %d waiters", n)
}

// pushBlocks queues one wait block per mode onto an owned lock, as goroutines
// would, but without anyone blocking on them. true means exclusive.
func pushBlocks(t *testing.T, l *Lock, modes ...bool) []handle {
	t.Helper()
	hs := make([]handle, 0, len(modes))
	for _, exclusive := range modes {
		h, wb := blocks.alloc()
		for {
			value := l.value.Load()
			require.NotZero(t, value&lockOwned, "pushBlocks needs an owned lock")
			if newValue, optimize, ok := l.pushWaitBlock(value, exclusive, h, wb); ok {
				if optimize {
					l.optimizeList(newValue, false)
				}
				break
			}
		}
		hs = append(hs, h)
	}
	t.Cleanup(func() {
		for _, h := range hs {
			blocks.free(h)
		}
	})
	return hs
}

func spinning(h handle) bool { return blocks.block(h).flags.Load()&waiterSpinning != 0 }

// parkAll marks blocks as parked on the channel, so that waking them goes
// through Release instead of clearing the spinning flag.
func parkAll(hs []handle) {
	for _, h := range hs {
		blocks.block(h).flags.And(^uint32(waiterSpinning))
	}
}

// recordingChannel records releases instead of waking anyone.
type recordingChannel struct {
	mu       sync.Mutex
	released []*uint32
	err      error
}

func (c *recordingChannel) Wait(*uint32, time.Duration) error { return keyedevent.ErrTimeout }

func (c *recordingChannel) Release(key *uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.released = append(c.released, key)
	return nil
}

func (c *recordingChannel) order() []handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var hs []handle
	for _, key := range c.released {
		for i := range maxChunks {
			chunk := blocks.chunks[i].Load()
			if chunk == nil {
				break
			}
			for j := range chunk {
				if &chunk[j].key == key {
					hs = append(hs, handle(i<<chunkShift|j))
				}
			}
		}
	}
	return hs
}
