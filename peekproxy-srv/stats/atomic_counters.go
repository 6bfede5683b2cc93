package stats

import (
	"sync/atomic"
)

// AtomicInt64Counter is a lock-free 64-bit integer counter
type AtomicInt64Counter int64

// Add atomically adds delta to the counter and returns the new value
func (c *AtomicInt64Counter) Add(delta int64) int64 {
	return atomic.AddInt64((*int64)(c), delta)
}

// Load atomically loads the current value
func (c *AtomicInt64Counter) Load() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Reset atomically resets the counter to 0 and returns the previous value
func (c *AtomicInt64Counter) Reset() int64 {
	return atomic.SwapInt64((*int64)(c), 0)
}

// AtomicBool is a lock-free boolean flag
type AtomicBool int32

// Set atomically sets the boolean value
func (b *AtomicBool) Set(value bool) {
	var i int32
	if value {
		i = 1
	}
	atomic.StoreInt32((*int32)(b), i)
}

// Load atomically loads the boolean value
func (b *AtomicBool) Load() bool {
	return atomic.LoadInt32((*int32)(b)) != 0
}

// AtomicCounters holds the counters kept by the in-memory collector
type AtomicCounters struct {
	TotalConnections   AtomicInt64Counter
	ActiveConnections  AtomicInt64Counter
	TotalErrors        AtomicInt64Counter
	TotalBytesIn       AtomicInt64Counter
	TotalBytesOut      AtomicInt64Counter
	DataTransferEvents AtomicInt64Counter
}

// Snapshot returns a copy of all counter values
func (a *AtomicCounters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		TotalConnections:   a.TotalConnections.Load(),
		ActiveConnections:  a.ActiveConnections.Load(),
		TotalErrors:        a.TotalErrors.Load(),
		TotalBytesIn:       a.TotalBytesIn.Load(),
		TotalBytesOut:      a.TotalBytesOut.Load(),
		DataTransferEvents: a.DataTransferEvents.Load(),
	}
}

// ResetAll resets all counters to 0 and returns the previous values
func (a *AtomicCounters) ResetAll() CounterSnapshot {
	return CounterSnapshot{
		TotalConnections:   a.TotalConnections.Reset(),
		ActiveConnections:  a.ActiveConnections.Reset(),
		TotalErrors:        a.TotalErrors.Reset(),
		TotalBytesIn:       a.TotalBytesIn.Reset(),
		TotalBytesOut:      a.TotalBytesOut.Reset(),
		DataTransferEvents: a.DataTransferEvents.Reset(),
	}
}

// CounterSnapshot represents a snapshot of counter values
type CounterSnapshot struct {
	TotalConnections   int64
	ActiveConnections  int64
	TotalErrors        int64
	TotalBytesIn       int64
	TotalBytesOut      int64
	DataTransferEvents int64
}
