package download

import "sync/atomic"

const bytesPerMB = 1024 * 1024

// Counters tracks the progress of a run. They're updated by the workers and
// read concurrently by the progress notifier.
type Counters struct {
	FilesTotal atomic.Int64
	FilesDone  atomic.Int64
	BytesTotal atomic.Int64
	BytesDone  atomic.Int64
}

// Progress is a point in time copy of Counters.
type Progress struct {
	FilesDone, FilesTotal int64
	BytesDone, BytesTotal int64
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.FilesTotal.Store(0)
	c.FilesDone.Store(0)
	c.BytesTotal.Store(0)
	c.BytesDone.Store(0)
}

// Snapshot reads the counters.
func (c *Counters) Snapshot() Progress {
	return Progress{
		FilesDone:  c.FilesDone.Load(),
		FilesTotal: c.FilesTotal.Load(),
		BytesDone:  c.BytesDone.Load(),
		BytesTotal: c.BytesTotal.Load(),
	}
}

// BytesDoneMB returns the downloaded bytes in whole megabytes.
func (p Progress) BytesDoneMB() int64 {
	return p.BytesDone / bytesPerMB
}

// BytesTotalMB returns the total bytes in whole megabytes.
func (p Progress) BytesTotalMB() int64 {
	return p.BytesTotal / bytesPerMB
}
