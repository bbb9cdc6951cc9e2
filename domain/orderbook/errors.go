package orderbook

import (
	"errors"
	"fmt"
)

var (
	ErrLevelEmpty    = errors.New("orderbook: price level empty")
	ErrLevelSealed   = errors.New("orderbook: price level sealed")
	ErrInvalidStatus = errors.New("orderbook: status is not terminal")
	ErrInvalidOrder  = errors.New("orderbook: invalid order")
)

// ErrInvariant matches every *InvariantError.
var ErrInvariant = errors.New("orderbook: invariant violation")

var (
	ErrNilOrder      = errors.New("nil order")
	ErrAlreadyLinked = errors.New("order already linked")
	ErrNotLinked     = errors.New("order not linked")
	ErrForeignOrder  = errors.New("order linked into another level")
	ErrMismatch      = errors.New("order side or price differs from level")
	ErrTerminal      = errors.New("order already terminal")
	ErrUnderflow     = errors.New("aggregate underflow")
	ErrOverfill      = errors.New("fill exceeds remaining shares")
	ErrCorrupt       = errors.New("level chain corrupt")
)

// InvariantError is a programming error detected by a PriceLevel. The
// level is left untouched when one is returned.
type InvariantError struct {
	Op       string
	Sequence uint64
	Side     Side
	Price    float64
	Err      error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("orderbook: %s seq=%d at %s@%g: %v", e.Op, e.Sequence, e.Side, e.Price, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }
