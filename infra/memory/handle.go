package memory

import (
	"fmt"
	"sync/atomic"
)

// Handle is a stable reference to an Arena slot.
//
// Layout: [generation:32][index+1:32]. The zero Handle is Nil.
// A slot's generation moves on every reuse, so a Handle kept past
// reclamation never resolves to the new occupant.
type Handle uint64

// Nil is the empty handle.
const Nil Handle = 0

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index+1))
}

func (h Handle) IsNil() bool { return h == Nil }

func (h Handle) index() uint32 { return uint32(h) - 1 }

func (h Handle) generation() uint32 { return uint32(h >> 32) }

func (h Handle) String() string {
	if h.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("%d@%d", h.index(), h.generation())
}

// AtomicHandle is a Handle that can be loaded, stored and swapped atomically.
type AtomicHandle struct {
	v atomic.Uint64
}

func (a *AtomicHandle) Load() Handle { return Handle(a.v.Load()) }

func (a *AtomicHandle) Store(h Handle) { a.v.Store(uint64(h)) }

func (a *AtomicHandle) CompareAndSwap(old, new Handle) bool {
	return a.v.CompareAndSwap(uint64(old), uint64(new))
}
