package qlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWakeEventSetWakesAllQueued(t *testing.T) {
	var ev WakeEvent
	const n = 32

	var (
		queued atomic.Int32
		woken  atomic.Int32
		wg     sync.WaitGroup
	)
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			w := ev.Queue()
			queued.Add(1)
			assert.NoError(t, w.Wait(i%2 == 0, Infinite))
			woken.Add(1)
		}()
	}

	require.Eventually(t, func() bool { return queued.Load() == n }, 5*time.Second, time.Millisecond)
	ev.Set()
	wg.Wait()

	assert.Equal(t, int32(n), woken.Load())
	assert.Zero(t, ev.head.Load())
}

func TestWakeEventPredicateLoop(t *testing.T) {
	var (
		ev    WakeEvent
		ready atomic.Bool
		wg    sync.WaitGroup
	)

	const n = 16
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			for {
				w := ev.Queue()
				if ready.Load() {
					w.Cancel()
					return
				}
				_ = w.Wait(true, Infinite)
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	ready.Store(true)
	ev.Set()
	wg.Wait()
	assert.Zero(t, ev.head.Load())
}

func TestWakeEventCancelWithoutSetter(t *testing.T) {
	var ev WakeEvent
	w := ev.Queue()
	assert.NotZero(t, ev.head.Load())

	w.Cancel()
	assert.Zero(t, ev.head.Load())
	assert.PanicsWithValue(t, ErrWaiterConsumed, func() { w.Cancel() })
}

func TestWakeEventCancelWakesOthers(t *testing.T) {
	var ev WakeEvent

	other := ev.Queue()
	done := make(chan error, 1)
	go func() { done <- other.Wait(false, Infinite) }()

	mine := ev.Queue()
	mine.Cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel should wake the other waiters")
	}
}

func TestWakeEventTimeout(t *testing.T) {
	var ev WakeEvent
	before := ReadStats().WakeEventTimeouts

	w := ev.Queue()
	start := time.Now()
	err := w.Wait(false, 10*time.Millisecond)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Zero(t, ev.head.Load(), "a timed out wait leaves nothing queued")
	assert.Equal(t, before+1, ReadStats().WakeEventTimeouts)
	assert.PanicsWithValue(t, ErrWaiterConsumed, func() { _ = w.Wait(false, Infinite) })
}

// Timeouts racing with setters must neither hang nor release a block twice.
func TestWakeEventTimeoutRacesSet(t *testing.T) {
	var (
		ev   WakeEvent
		stop atomic.Bool
		wg   sync.WaitGroup
	)

	setterDone := make(chan struct{})
	go func() {
		defer close(setterDone)
		for !stop.Load() {
			ev.Set()
			time.Sleep(20 * time.Microsecond)
		}
	}()

	const n = 16
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			for range 200 {
				w := ev.Queue()
				if err := w.Wait(false, 30*time.Microsecond); err != nil {
					assert.ErrorIs(t, err, ErrTimeout)
				}
			}
		}()
	}
	wg.Wait()
	stop.Store(true)
	<-setterDone
}

func TestWakeEventSetWithoutWaiters(t *testing.T) {
	var ev WakeEvent
	ev.Set()
	assert.Zero(t, ev.head.Load())
}
