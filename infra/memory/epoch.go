package memory

import "sync/atomic"

// GlobalEpoch monotonically increases.
var GlobalEpoch atomic.Uint64

const inactive = ^uint64(0)

// ReaderEpoch marks when a reader entered a read section.
type ReaderEpoch struct {
	epoch atomic.Uint64
}

// NewReaderEpoch returns a reader that is not inside a read section.
func NewReaderEpoch() *ReaderEpoch {
	r := &ReaderEpoch{}
	r.epoch.Store(inactive)
	return r
}

// Enter publishes the current epoch. It re-reads the global epoch after
// publishing so a concurrent advance cannot slip between load and store.
func (r *ReaderEpoch) Enter() {
	for {
		e := GlobalEpoch.Load()
		r.epoch.Store(e)
		if GlobalEpoch.Load() == e {
			return
		}
	}
}

func (r *ReaderEpoch) Exit() {
	r.epoch.Store(inactive)
}

func (r *ReaderEpoch) Value() uint64 {
	return r.epoch.Load()
}

func (r *ReaderEpoch) Active() bool {
	return r.epoch.Load() != inactive
}

// ReaderSet is a fixed group of reader slots shared by concurrent callers.
// Enter blocks while every slot is in use.
type ReaderSet struct {
	slots []*ReaderEpoch
	free  chan *ReaderEpoch
}

func NewReaderSet(n int) *ReaderSet {
	if n <= 0 {
		n = 1
	}
	s := &ReaderSet{
		slots: make([]*ReaderEpoch, n),
		free:  make(chan *ReaderEpoch, n),
	}
	for i := range s.slots {
		s.slots[i] = NewReaderEpoch()
		s.free <- s.slots[i]
	}
	return s
}

// Enter claims a slot and marks it active at the current epoch.
func (s *ReaderSet) Enter() *ReaderEpoch {
	r := <-s.free
	r.Enter()
	return r
}

// Exit releases a slot claimed by Enter.
func (s *ReaderSet) Exit(r *ReaderEpoch) {
	r.Exit()
	s.free <- r
}

// Readers exposes every slot for reclaimers.
func (s *ReaderSet) Readers() []*ReaderEpoch {
	return s.slots
}

// Releaser is the ONLY requirement for reclamation.
type Releaser interface {
	Release(Handle)
}

// Retired is a handle waiting for every reader that could see it to leave.
type Retired struct {
	Handle Handle
	Epoch  uint64
}

// AdvanceEpochAndReclaim advances the epoch and releases retired
// handles that no active reader can still observe.
func AdvanceEpochAndReclaim(
	ring *RetireRing[Retired],
	pool Releaser,
	readers ...*ReaderEpoch,
) int {
	GlobalEpoch.Add(1)
	min := minReaderEpoch(readers...)

	n := 0
	for {
		r, ok := ring.Peek()
		if !ok {
			return n
		}
		// Not safe yet → FIFO guarantees newer ones aren't either
		if r.Epoch >= min {
			return n
		}
		ring.Dequeue()
		pool.Release(r.Handle)
		n++
	}
}

func minReaderEpoch(rs ...*ReaderEpoch) uint64 {
	min := inactive
	for _, r := range rs {
		if r == nil {
			continue
		}
		v := r.Value()
		if v < min {
			min = v
		}
	}
	return min
}
