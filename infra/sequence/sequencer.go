// Package sequence issues the global order and command sequence.
package sequence

import "sync/atomic"

// Sequencer hands out strictly increasing ids. Zero is never issued.
type Sequencer struct {
	last atomic.Uint64
}

// New starts after start: 0 on a fresh book, the recovered sequence after
// snapshot load and WAL replay.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last issued id.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Reset sets the last issued id. Only recovery calls it, before any
// writer runs.
func (s *Sequencer) Reset(v uint64) {
	s.last.Store(v)
}

// Observe raises the sequence to at least v.
func (s *Sequencer) Observe(v uint64) {
	for {
		cur := s.last.Load()
		if v <= cur || s.last.CompareAndSwap(cur, v) {
			return
		}
	}
}
