// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import "sync/atomic"

// Progress holds the counters of a running transfer.  A single Progress is
// shared by the reader and every writer worker; all methods are safe to
// call from concurrent goroutines.
type Progress struct {
	itemsRead      int64
	itemsWritten   int64
	batchesRetried int64
	itemsFailed    int64
	bytesWritten   int64
	capacityUsed   int64 // multiplied by 10
}

// Stats is a point in time snapshot of a Progress.
type Stats struct {
	ItemsRead      int64
	ItemsWritten   int64
	BatchesRetried int64
	ItemsFailed    int64 // items that failed permanently
	BytesWritten   int64
	CapacityUsed   float64
}

// Stats returns the current counter values.
func (p *Progress) Stats() Stats {
	return Stats{
		ItemsRead:      atomic.LoadInt64(&p.itemsRead),
		ItemsWritten:   atomic.LoadInt64(&p.itemsWritten),
		BatchesRetried: atomic.LoadInt64(&p.batchesRetried),
		ItemsFailed:    atomic.LoadInt64(&p.itemsFailed),
		BytesWritten:   atomic.LoadInt64(&p.bytesWritten),
		CapacityUsed:   float64(atomic.LoadInt64(&p.capacityUsed)) / 10,
	}
}

func (p *Progress) addRead(n int64)    { atomic.AddInt64(&p.itemsRead, n) }
func (p *Progress) addWritten(n int64) { atomic.AddInt64(&p.itemsWritten, n) }
func (p *Progress) addRetry()          { atomic.AddInt64(&p.batchesRetried, 1) }
func (p *Progress) addFailed(n int64)  { atomic.AddInt64(&p.itemsFailed, n) }
func (p *Progress) addBytes(n int64)   { atomic.AddInt64(&p.bytesWritten, n) }

func (p *Progress) addCapacity(units float64) {
	atomic.AddInt64(&p.capacityUsed, int64(units*10))
}
