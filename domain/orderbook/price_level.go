package orderbook

import (
	"fmt"
	"sync"
	"sync/atomic"

	"limitbook/infra/memory"
)

var levelIDs atomic.Uint64

// PriceLevel is the FIFO queue of resting orders at one price and side.
//
// Concurrency contract:
//   - Insert appends with a CAS loop on tail. Any number of inserts run
//     in parallel; they share the read side of mu only to exclude unlinking.
//   - Remove, DequeueHead, Fill, Walk, Validate and Seal hold the write
//     side of mu, so unlinking never races an insert or another unlink,
//     and traversal never sees a tail whose forward link is unpublished.
//   - Size and Volume are lock-free reads. Insert bumps them only after
//     the order is linked, so outside the write section they may lag the
//     chain but never lead it.
type PriceLevel struct {
	Price float64
	Side  Side

	id    uint64
	arena *memory.Arena[Order]

	mu     sync.RWMutex
	sealed bool

	head       memory.AtomicHandle
	tail       memory.AtomicHandle
	size       atomic.Int64
	volume     atomic.Int64
	casRetries atomic.Uint64
}

// NewPriceLevel creates an empty level whose orders live in arena.
func NewPriceLevel(arena *memory.Arena[Order], side Side, price float64) *PriceLevel {
	return &PriceLevel{
		Price: price,
		Side:  side,
		id:    levelIDs.Add(1),
		arena: arena,
	}
}

// Insert appends o at the tail.
func (l *PriceLevel) Insert(o *Order) error {
	if o == nil {
		return l.violation("insert", nil, ErrNilOrder)
	}
	if o.Side != l.Side || o.Price != l.Price {
		return l.violation("insert", o, ErrMismatch)
	}
	if o.Status().Terminal() {
		return l.violation("insert", o, ErrTerminal)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.sealed {
		return ErrLevelSealed
	}
	if !o.owner.CompareAndSwap(0, l.id) {
		return l.violation("insert", o, ErrAlreadyLinked)
	}

	h := o.self
	o.next.Store(memory.Nil)
	for {
		t := l.tail.Load()
		o.prev.Store(t)
		if l.tail.CompareAndSwap(t, h) {
			// Only the winner of the swap may write t.next, so a losing
			// attempt can never leave a forward link behind.
			if t.IsNil() {
				l.head.Store(h)
			} else {
				l.arena.Get(t).next.Store(h)
			}
			break
		}
		l.casRetries.Add(1)
	}

	l.size.Add(1)
	l.volume.Add(int64(o.shares.Load()))
	return nil
}

// Remove unlinks o wherever it sits and stores st, which must be FULL or
// CANCEL. Volume drops by the shares o holds now, not what it opened with.
// A nil order is a no-op.
func (l *PriceLevel) Remove(o *Order, st Status) error {
	if o == nil {
		return nil
	}
	if !st.Terminal() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, st)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlinkLocked("remove", o, st)
}

// DequeueHead detaches the oldest order and marks it FULL. It returns
// ErrLevelEmpty when there is nothing to detach.
func (l *PriceLevel) DequeueHead() (*Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o := l.arena.Get(l.head.Load())
	if o == nil {
		return nil, ErrLevelEmpty
	}
	if err := l.unlinkLocked("dequeue", o, Full); err != nil {
		return nil, err
	}
	return o, nil
}

// Fill consumes qty shares of a linked order and returns what remains.
// The order stays linked at zero; the caller removes it with FULL.
func (l *PriceLevel) Fill(o *Order, qty uint32) (uint32, error) {
	if o == nil {
		return 0, l.violation("fill", nil, ErrNilOrder)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOwner("fill", o); err != nil {
		return 0, err
	}
	cur := o.shares.Load()
	if qty == 0 {
		return cur, nil
	}
	if qty > cur {
		return cur, l.violation("fill", o, ErrOverfill)
	}
	if l.volume.Load() < int64(qty) {
		return cur, l.violation("fill", o, ErrUnderflow)
	}

	rem := cur - qty
	o.shares.Store(rem)
	o.status.Store(uint32(Partial))
	l.volume.Add(-int64(qty))
	return rem, nil
}

func (l *PriceLevel) unlinkLocked(op string, o *Order, st Status) error {
	if err := l.checkOwner(op, o); err != nil {
		return err
	}
	shares := int64(o.shares.Load())
	if l.size.Load() < 1 || l.volume.Load() < shares {
		return l.violation(op, o, ErrUnderflow)
	}

	o.status.Store(uint32(st))

	prev, next := o.prev.Load(), o.next.Load()
	if prev.IsNil() {
		l.head.Store(next)
	} else {
		l.arena.Get(prev).next.Store(next)
	}
	if next.IsNil() {
		l.tail.Store(prev)
	} else {
		l.arena.Get(next).prev.Store(prev)
	}

	o.prev.Store(memory.Nil)
	o.next.Store(memory.Nil)
	o.owner.Store(0)

	l.size.Add(-1)
	l.volume.Add(-shares)
	return nil
}

func (l *PriceLevel) checkOwner(op string, o *Order) error {
	switch owner := o.owner.Load(); {
	case owner == 0:
		return l.violation(op, o, ErrNotLinked)
	case owner != l.id:
		return l.violation(op, o, ErrForeignOrder)
	}
	return nil
}

func (l *PriceLevel) violation(op string, o *Order, err error) error {
	e := &InvariantError{Op: op, Side: l.Side, Price: l.Price, Err: err}
	if o != nil {
		e.Sequence = o.Sequence
	}
	return e
}

// ---- reads ----

func (l *PriceLevel) Size() int64 { return l.size.Load() }

func (l *PriceLevel) Volume() int64 { return l.volume.Load() }

func (l *PriceLevel) Empty() bool { return l.size.Load() == 0 }

// CASRetries counts failed tail swaps since the level was created.
func (l *PriceLevel) CASRetries() uint64 { return l.casRetries.Load() }

// Front returns the oldest order without detaching it, or nil.
func (l *PriceLevel) Front() *Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.arena.Get(l.head.Load())
}

// Walk visits orders head to tail until fn returns false.
func (l *PriceLevel) Walk(fn func(*Order) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for h := l.head.Load(); !h.IsNil(); {
		o := l.arena.Get(h)
		if o == nil || !fn(o) {
			return
		}
		h = o.next.Load()
	}
}

// Entries copies the level in time priority.
func (l *PriceLevel) Entries() []Entry {
	out := make([]Entry, 0, l.Size())
	l.Walk(func(o *Order) bool {
		out = append(out, o.Entry())
		return true
	})
	return out
}

// Validate walks the chain both ways and checks it against the aggregates.
func (l *PriceLevel) Validate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	size, volume := l.size.Load(), l.volume.Load()
	corrupt := func(format string, args ...any) error {
		return l.violation("validate", nil, fmt.Errorf("%w: "+format, append([]any{ErrCorrupt}, args...)...))
	}

	var count, sum int64
	prev := memory.Nil
	for h := l.head.Load(); !h.IsNil(); {
		o := l.arena.Get(h)
		switch {
		case o == nil:
			return corrupt("stale handle %s after %d orders", h, count)
		case o.prev.Load() != prev:
			return corrupt("seq %d back link %s, want %s", o.Sequence, o.prev.Load(), prev)
		case o.owner.Load() != l.id:
			return corrupt("seq %d owned by level %d", o.Sequence, o.owner.Load())
		case o.Status().Terminal():
			return corrupt("seq %d linked with status %s", o.Sequence, o.Status())
		}
		count++
		sum += int64(o.shares.Load())
		if count > size {
			return corrupt("forward walk exceeds size %d", size)
		}
		prev = h
		h = o.next.Load()
	}

	if tail := l.tail.Load(); prev != tail {
		return corrupt("forward walk ends at %s, tail is %s", prev, tail)
	}
	if count != size {
		return corrupt("forward walk found %d orders, size %d", count, size)
	}
	if sum != volume {
		return corrupt("linked shares %d, volume %d", sum, volume)
	}
	return nil
}

// Seal marks an empty level dead so the price index can drop it. A sealed
// level rejects inserts with ErrLevelSealed. It returns false if the level
// still holds orders.
func (l *PriceLevel) Seal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed {
		return true
	}
	if l.size.Load() != 0 || !l.head.Load().IsNil() {
		return false
	}
	l.sealed = true
	return true
}

func (l *PriceLevel) Sealed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sealed
}

func (l *PriceLevel) String() string {
	return fmt.Sprintf("PriceLevel{side=%s, price=%g, size=%d, volume=%d}",
		l.Side, l.Price, l.Size(), l.Volume())
}
