package snapshot

import "limitbook/infra/memory"

// Reader marks the span of a snapshot traversal with a reader epoch taken
// from the arena's reader set.
type Reader struct {
	set   *memory.ReaderSet
	epoch *memory.ReaderEpoch
}

func NewReader(set *memory.ReaderSet) *Reader {
	return &Reader{set: set}
}

// Begin blocks until a reader slot is free, then pins the current epoch.
func (r *Reader) Begin() {
	r.epoch = r.set.Enter()
}

func (r *Reader) End() {
	if r.epoch != nil {
		r.set.Exit(r.epoch)
		r.epoch = nil
	}
}

// Epoch is the pinned epoch, or nil outside Begin/End.
func (r *Reader) Epoch() *memory.ReaderEpoch {
	return r.epoch
}
