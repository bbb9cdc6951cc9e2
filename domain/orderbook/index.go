package orderbook

import (
	"sync"

	"limitbook/infra/memory"
)

// Index maps (side, price) to its PriceLevel. It only creates, finds and
// drops levels; it never decides where an order should trade.
//
// Lock order: Index.mu before PriceLevel.mu.
type Index struct {
	arena *memory.Arena[Order]

	mu   sync.RWMutex
	bids *rbTree
	asks *rbTree
}

func NewIndex(arena *memory.Arena[Order]) *Index {
	return &Index{
		arena: arena,
		bids:  newRBTree(),
		asks:  newRBTree(),
	}
}

func (x *Index) tree(side Side) *rbTree {
	if side == Ask {
		return x.asks
	}
	return x.bids
}

// GetOrCreate returns the live level at price, creating it if needed.
func (x *Index) GetOrCreate(side Side, price float64) *PriceLevel {
	x.mu.RLock()
	lvl := x.tree(side).find(price)
	x.mu.RUnlock()
	if lvl != nil {
		return lvl
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	return x.tree(side).upsert(price, func() *PriceLevel {
		return NewPriceLevel(x.arena, side, price)
	})
}

func (x *Index) Find(side Side, price float64) *PriceLevel {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.tree(side).find(price)
}

// Drop seals lvl and removes it from the index if it is empty. Inserts
// that already hold lvl get ErrLevelSealed and must route again.
func (x *Index) Drop(lvl *PriceLevel) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	t := x.tree(lvl.Side)
	if t.find(lvl.Price) != lvl {
		return false
	}
	if !lvl.Seal() {
		return false
	}
	return t.delete(lvl.Price)
}

// Best returns the highest bid or the lowest ask.
func (x *Index) Best(side Side) *PriceLevel {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if side == Ask {
		return x.asks.min()
	}
	return x.bids.max()
}

// Levels returns up to n levels best-first; n <= 0 means all.
func (x *Index) Levels(side Side, n int) []*PriceLevel {
	x.mu.RLock()
	defer x.mu.RUnlock()

	t := x.tree(side)
	out := make([]*PriceLevel, 0, t.size)
	visit := func(l *PriceLevel) bool {
		out = append(out, l)
		return n <= 0 || len(out) < n
	}
	if side == Ask {
		t.ascend(visit)
	} else {
		t.descend(visit)
	}
	return out
}

func (x *Index) Len(side Side) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.tree(side).size
}
