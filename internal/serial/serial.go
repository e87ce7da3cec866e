package serial

import "sync/atomic"

// Invalid marks an operation whose serial has been revoked.
const Invalid int64 = -1

// Allocator hands out strictly increasing operation serials. It is a cheap
// generation counter: holders compare the serial they captured against the
// current one to find out whether their work is still wanted.
type Allocator struct {
	last atomic.Int64
}

// NewAllocator creates an allocator whose first serial is 1.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Next returns the next serial. Safe for concurrent use.
func (a *Allocator) Next() int64 {
	return a.last.Add(1)
}

// Valid reports whether s is a live serial.
func Valid(s int64) bool {
	return s >= 0
}
