package qlock

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Stats counts events since the process started. Counters only increase.
type Stats struct {
	BlockSpins             uint64 // waits that spun before blocking
	BlockWaits             uint64 // waits that parked on the blocking channel
	AcquireExclusiveBlocks uint64
	AcquireSharedBlocks    uint64
	ConditionWaits         uint64
	WakeEventWaits         uint64
	WakeEventTimeouts      uint64
	ArenaChunks            uint64 // wait block chunks allocated
}

type counter struct {
	atomic.Uint64
	_ cpu.CacheLinePad
}

var stats struct {
	blockSpins             counter
	blockWaits             counter
	acquireExclusiveBlocks counter
	acquireSharedBlocks    counter
	conditionWaits         counter
	wakeEventWaits         counter
	wakeEventTimeouts      counter
	arenaChunks            counter
}

// ReadStats returns a snapshot of the counters.
func ReadStats() Stats {
	return Stats{
		BlockSpins:             stats.blockSpins.Load(),
		BlockWaits:             stats.blockWaits.Load(),
		AcquireExclusiveBlocks: stats.acquireExclusiveBlocks.Load(),
		AcquireSharedBlocks:    stats.acquireSharedBlocks.Load(),
		ConditionWaits:         stats.conditionWaits.Load(),
		WakeEventWaits:         stats.wakeEventWaits.Load(),
		WakeEventTimeouts:      stats.wakeEventTimeouts.Load(),
		ArenaChunks:            stats.arenaChunks.Load(),
	}
}
