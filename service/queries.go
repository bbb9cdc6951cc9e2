package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"limitbook/domain/orderbook"
)

// LevelDepth summarises one price level.
type LevelDepth struct {
	Side     orderbook.Side
	Price    float64
	Orders   int64
	Volume   int64
	Notional decimal.Decimal
}

func depthOf(lvl *orderbook.PriceLevel) LevelDepth {
	vol := lvl.Volume()
	return LevelDepth{
		Side:     lvl.Side,
		Price:    lvl.Price,
		Orders:   lvl.Size(),
		Volume:   vol,
		Notional: decimal.NewFromFloat(lvl.Price).Mul(decimal.NewFromInt(vol)),
	}
}

// Depth returns up to n non-empty levels of side, best first. n <= 0
// means all. Counters are read without locks and may trail in-flight
// inserts.
func (s *Service) Depth(side orderbook.Side, n int) []LevelDepth {
	levels := s.index.Levels(side, 0)
	out := make([]LevelDepth, 0, len(levels))
	for _, lvl := range levels {
		if lvl.Empty() {
			continue
		}
		out = append(out, depthOf(lvl))
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// Best returns the best non-empty level of side.
func (s *Service) Best(side orderbook.Side) (LevelDepth, bool) {
	d := s.Depth(side, 1)
	if len(d) == 0 {
		return LevelDepth{}, false
	}
	return d[0], true
}

// Orders lists the level at (side, price) in time priority.
func (s *Service) Orders(side orderbook.Side, price float64) []orderbook.Entry {
	lvl := s.index.Find(side, price)
	if lvl == nil {
		return nil
	}
	return lvl.Entries()
}

// Resting reports how many orders the service is tracking.
func (s *Service) Resting() int {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	return len(s.orders)
}

// Validate pauses writers and checks every level plus the order registry
// against the levels.
func (s *Service) Validate() error {
	s.quiesce.Lock()
	defer s.quiesce.Unlock()

	var errs []error
	var linked int64
	for _, side := range []orderbook.Side{orderbook.Bid, orderbook.Ask} {
		for _, lvl := range s.index.Levels(side, 0) {
			if err := lvl.Validate(); err != nil {
				errs = append(errs, s.fail("validate", err))
			}
			linked += lvl.Size()
		}
	}
	if n := int64(s.Resting()); n != linked {
		errs = append(errs, fmt.Errorf("validate: %d registered orders, %d linked", n, linked))
	}
	return errors.Join(errs...)
}
