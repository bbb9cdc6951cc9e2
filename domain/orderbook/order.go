package orderbook

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"limitbook/infra/memory"
)

type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "BID"
	case Ask:
		return "ASK"
	default:
		return fmt.Sprintf("Side(%d)", uint8(s))
	}
}

func (s Side) Valid() bool { return s == Bid || s == Ask }

// ParseSide accepts BID/ASK in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(v) {
	case "BID":
		return Bid, nil
	case "ASK":
		return Ask, nil
	}
	return 0, fmt.Errorf("%w: side %q", ErrInvalidOrder, v)
}

// Status is the lifecycle tag of an order.
// WAIT → {PARTIAL, FULL, CANCEL}; PARTIAL repeats until FULL or CANCEL.
type Status uint32

const (
	Wait Status = iota
	Partial
	Full
	Cancel
)

func (s Status) String() string {
	switch s {
	case Wait:
		return "WAIT"
	case Partial:
		return "PARTIAL"
	case Full:
		return "FULL"
	case Cancel:
		return "CANCEL"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// Terminal reports FULL or CANCEL. A terminal order is never linked.
func (s Status) Terminal() bool { return s == Full || s == Cancel }

// Entry is the externally exchanged form of an order. Entry time, status
// and links are process-local and never leave the engine.
type Entry struct {
	Sequence uint64
	Side     Side
	Price    float64
	Shares   uint32
}

// Order is one resting order. It lives in a memory.Arena and is addressed
// by handle; shares, status and links are only mutated by the PriceLevel
// that currently links it.
type Order struct {
	Sequence  uint64
	Side      Side
	Price     float64
	EntryTime time.Time

	shares atomic.Uint32
	status atomic.Uint32
	owner  atomic.Uint64 // id of the linking PriceLevel, 0 when unlinked
	self   memory.Handle
	next   memory.AtomicHandle
	prev   memory.AtomicHandle
}

// NewOrder constructs an order inside arena with status WAIT and no links.
func NewOrder(
	arena *memory.Arena[Order],
	seq uint64,
	side Side,
	price float64,
	shares uint32,
) (*Order, error) {
	if err := validate(side, price, shares); err != nil {
		return nil, err
	}
	h, o, err := arena.Alloc()
	if err != nil {
		return nil, fmt.Errorf("orderbook: new order %d: %w", seq, err)
	}
	o.Sequence = seq
	o.Side = side
	o.Price = price
	o.EntryTime = time.Now().UTC()
	o.shares.Store(shares)
	o.status.Store(uint32(Wait))
	o.owner.Store(0)
	o.self = h
	o.next.Store(memory.Nil)
	o.prev.Store(memory.Nil)
	return o, nil
}

// RestoreOrder rebuilds a resting order from a snapshot. Unlike NewOrder
// it keeps the recorded entry time and status, which must not be terminal.
func RestoreOrder(
	arena *memory.Arena[Order],
	e Entry,
	status Status,
	entryTime time.Time,
) (*Order, error) {
	if status.Terminal() {
		return nil, fmt.Errorf("%w: restore seq %d with status %s", ErrInvalidOrder, e.Sequence, status)
	}
	o, err := NewOrder(arena, e.Sequence, e.Side, e.Price, e.Shares)
	if err != nil {
		return nil, err
	}
	o.EntryTime = entryTime
	o.status.Store(uint32(status))
	return o, nil
}

func validate(side Side, price float64, shares uint32) error {
	switch {
	case !side.Valid():
		return fmt.Errorf("%w: side %d", ErrInvalidOrder, side)
	case math.IsNaN(price) || math.IsInf(price, 0) || price <= 0:
		return fmt.Errorf("%w: price %v", ErrInvalidOrder, price)
	case shares == 0:
		return fmt.Errorf("%w: zero shares", ErrInvalidOrder)
	}
	return nil
}

func (o *Order) Shares() uint32 { return o.shares.Load() }

func (o *Order) Status() Status { return Status(o.status.Load()) }

// Handle is the arena handle this order was allocated under.
func (o *Order) Handle() memory.Handle { return o.self }

// Linked reports whether a PriceLevel currently holds the order.
func (o *Order) Linked() bool { return o.owner.Load() != 0 }

func (o *Order) Entry() Entry {
	return Entry{
		Sequence: o.Sequence,
		Side:     o.Side,
		Price:    o.Price,
		Shares:   o.shares.Load(),
	}
}

// Clone copies the scalar state onto the heap. Links, owner and handle
// are reset: they describe membership of this instance only.
func (o *Order) Clone() *Order {
	c := &Order{
		Sequence:  o.Sequence,
		Side:      o.Side,
		Price:     o.Price,
		EntryTime: o.EntryTime,
	}
	c.shares.Store(o.shares.Load())
	c.status.Store(o.status.Load())
	return c
}

// Reset clears the order when its arena slot is reclaimed.
func (o *Order) Reset() {
	o.Sequence = 0
	o.Side = Bid
	o.Price = 0
	o.EntryTime = time.Time{}
	o.shares.Store(0)
	o.status.Store(uint32(Wait))
	o.owner.Store(0)
	o.self = memory.Nil
	o.next.Store(memory.Nil)
	o.prev.Store(memory.Nil)
}

func (o *Order) String() string {
	return fmt.Sprintf("Order{seq=%d side=%s price=%g shares=%d status=%s}",
		o.Sequence, o.Side, o.Price, o.Shares(), o.Status())
}
