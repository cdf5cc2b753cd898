package store

import "sync/atomic"

// Sequence is the monotonic logical clock that stamps ticket messages.
//
// Message order within a ticket is seq order, never wall-clock order, so two
// messages appended in the same nanosecond still have a defined order.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	seq atomic.Int64
}

// NewSequenceAt creates a sequence whose next value is start+1.
// Used on open and after restore to resume from the highest stored seq.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number and increments the clock.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
