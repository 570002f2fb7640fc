package keyedevent

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/ahrav/queuedlock/ticket"
)

// tableSize is the number of shards. Prime, so that key addresses which share
// their low bits still spread out.
const tableSize = 251

// Table is a Channel that parks goroutines in a sharded table keyed by address.
// The zero value is ready to use.
type Table struct {
	shards [tableSize]shard
}

type shard struct {
	mu      ticket.Lock
	entries map[uintptr]*entry
	_       cpu.CacheLinePad
}

// entry is either a parked waiter or, when it is the released sentinel, a
// release that arrived before its waiter.
type entry struct {
	ch chan struct{}
}

// released marks a key whose release arrived before its waiter.
var released = &entry{}

// entryPool recycles waiter entries together with their channels.
var entryPool = sync.Pool{
	New: func() any { return &entry{ch: make(chan struct{}, 1)} },
}

// NewTable returns an empty table.
func NewTable() *Table { return new(Table) }

func (t *Table) shardFor(key *uint32) (*shard, uintptr) {
	k := uintptr(unsafe.Pointer(key))
	return &t.shards[(k>>2)%tableSize], k
}

// Wait implements Channel.
func (t *Table) Wait(key *uint32, timeout time.Duration) error {
	s, k := t.shardFor(key)

	s.mu.Lock()
	if e, ok := s.entries[k]; ok {
		if e == released {
			delete(s.entries, k)
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		return ErrKeyBusy
	}
	e := entryPool.Get().(*entry)
	if s.entries == nil {
		s.entries = make(map[uintptr]*entry)
	}
	s.entries[k] = e
	s.mu.Unlock()

	if timeout < 0 {
		<-e.ch
		entryPool.Put(e)
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.ch:
		entryPool.Put(e)
		return nil
	case <-timer.C:
	}

	s.mu.Lock()
	if s.entries[k] == e {
		delete(s.entries, k)
		s.mu.Unlock()
		entryPool.Put(e)
		return ErrTimeout
	}
	s.mu.Unlock()

	// A release claimed the entry before we could withdraw it; its send is
	// already buffered.
	<-e.ch
	entryPool.Put(e)
	return nil
}

// Release implements Channel.
func (t *Table) Release(key *uint32) error {
	s, k := t.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok {
		if s.entries == nil {
			s.entries = make(map[uintptr]*entry)
		}
		s.entries[k] = released
		s.mu.Unlock()
		return nil
	}
	if e == released {
		s.mu.Unlock()
		return ErrDoubleRelease
	}
	delete(s.entries, k)
	s.mu.Unlock()

	e.ch <- struct{}{}
	return nil
}

// pending reports how many keys have a parked waiter or an unconsumed release.
func (t *Table) pending() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
