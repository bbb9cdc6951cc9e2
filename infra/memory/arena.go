package memory

import (
	"errors"
	"sync"
	"sync/atomic"
)

const (
	chunkBits = 10
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1
)

var (
	ErrArenaExhausted = errors.New("memory: arena exhausted")
	ErrRetireRingFull = errors.New("memory: retire ring full")
	ErrStaleHandle    = errors.New("memory: stale handle")
)

type slot[T any] struct {
	gen atomic.Uint32
	val T
}

type chunk[T any] [chunkSize]slot[T]

// Arena owns values of T in fixed-size chunks that never move, and hands
// out generation-tagged Handles instead of pointers. Get is lock-free;
// Alloc, Retire and Reclaim serialize on the arena mutex.
//
// A slot is reused only after Retire and a Reclaim pass that proves no
// reader registered in the arena's ReaderSet can still hold its handle.
type Arena[T any] struct {
	chunks atomic.Pointer[[]*chunk[T]]
	live   atomic.Int64

	mu      sync.Mutex
	next    uint32 // first never-used index
	limit   uint32
	free    []uint32
	retired *RetireRing[Retired]
	readers *ReaderSet
}

// NewArena creates an arena holding at most capacity values. retireSize
// must be a power of two.
func NewArena[T any](capacity uint32, retireSize uint64, readers *ReaderSet) *Arena[T] {
	if readers == nil {
		readers = NewReaderSet(1)
	}
	a := &Arena[T]{
		limit:   capacity,
		retired: NewRetireRing[Retired](retireSize),
		readers: readers,
	}
	empty := make([]*chunk[T], 0)
	a.chunks.Store(&empty)
	return a
}

// Alloc reserves a slot. The value keeps whatever the previous occupant
// left behind unless T implements Reset; callers initialise it.
func (a *Arena[T]) Alloc() (Handle, *T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	switch {
	case len(a.free) > 0:
		idx = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	case a.next < a.limit:
		idx = a.next
		if idx&chunkMask == 0 {
			a.grow()
		}
		a.next++
	default:
		if a.reclaimLocked() == 0 || len(a.free) == 0 {
			return Nil, nil, ErrArenaExhausted
		}
		idx = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	}

	s := a.slotAt(idx)
	a.live.Add(1)
	return makeHandle(idx, s.gen.Load()), &s.val, nil
}

// Get resolves h. It returns nil for Nil and for handles whose slot has
// been reclaimed since h was issued.
func (a *Arena[T]) Get(h Handle) *T {
	if h.IsNil() {
		return nil
	}
	tbl := *a.chunks.Load()
	idx := h.index()
	ci := int(idx >> chunkBits)
	if ci >= len(tbl) {
		return nil
	}
	s := &tbl[ci][idx&chunkMask]
	if s.gen.Load() != h.generation() {
		return nil
	}
	return &s.val
}

// Retire queues h for reuse once every reader that entered before now
// has left. The caller must not dereference h afterwards.
func (a *Arena[T]) Retire(h Handle) error {
	if a.Get(h) == nil {
		return ErrStaleHandle
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	r := Retired{Handle: h, Epoch: GlobalEpoch.Load()}
	if a.retired.Enqueue(r) {
		return nil
	}
	a.reclaimLocked()
	if a.retired.Enqueue(r) {
		return nil
	}
	return ErrRetireRingFull
}

// Reclaim advances the epoch and frees every retired slot that is safe.
func (a *Arena[T]) Reclaim() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reclaimLocked()
}

// Release implements Releaser. It must only be reached through reclamation.
func (a *Arena[T]) Release(h Handle) {
	s := a.slotAt(h.index())
	if r, ok := any(&s.val).(interface{ Reset() }); ok {
		r.Reset()
	}
	s.gen.Add(1)
	a.free = append(a.free, h.index())
	a.live.Add(-1)
}

// Readers returns the reader set guarding this arena.
func (a *Arena[T]) Readers() *ReaderSet { return a.readers }

// Live reports slots currently allocated, retired-but-unreclaimed included.
func (a *Arena[T]) Live() int64 { return a.live.Load() }

func (a *Arena[T]) Cap() int { return int(a.limit) }

// Pending reports retired slots waiting for reclamation.
func (a *Arena[T]) Pending() int { return a.retired.Len() }

func (a *Arena[T]) reclaimLocked() int {
	return AdvanceEpochAndReclaim(a.retired, a, a.readers.Readers()...)
}

func (a *Arena[T]) grow() {
	old := *a.chunks.Load()
	tbl := make([]*chunk[T], len(old), len(old)+1)
	copy(tbl, old)
	tbl = append(tbl, new(chunk[T]))
	a.chunks.Store(&tbl)
}

func (a *Arena[T]) slotAt(idx uint32) *slot[T] {
	tbl := *a.chunks.Load()
	return &tbl[idx>>chunkBits][idx&chunkMask]
}
