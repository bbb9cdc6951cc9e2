// Package codec encodes order commands in protobuf wire format without
// generated code. The layout is stable and shared by the entry WAL and
// the audit outbox.
package codec

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers.
const (
	fieldSeq    protowire.Number = 1
	fieldSide   protowire.Number = 2
	fieldPrice  protowire.Number = 3
	fieldShares protowire.Number = 4
	fieldQty    protowire.Number = 5
)

var ErrCorrupt = errors.New("codec: corrupt command")

// Command is the wire form of an order or an action on one.
// Side uses the orderbook encoding (0 bid, 1 ask).
type Command struct {
	Seq    uint64
	Side   uint8
	Price  float64
	Shares uint32
	Qty    uint32
}

// Marshal appends the encoding of c to b. Zero fields are omitted.
func Marshal(b []byte, c Command) []byte {
	if c.Seq != 0 {
		b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, c.Seq)
	}
	if c.Side != 0 {
		b = protowire.AppendTag(b, fieldSide, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Side))
	}
	if c.Price != 0 {
		b = protowire.AppendTag(b, fieldPrice, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(c.Price))
	}
	if c.Shares != 0 {
		b = protowire.AppendTag(b, fieldShares, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Shares))
	}
	if c.Qty != 0 {
		b = protowire.AppendTag(b, fieldQty, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Qty))
	}
	return b
}

// Unmarshal decodes b. Unknown fields are skipped.
func Unmarshal(b []byte) (Command, error) {
	var c Command
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Command{}, fmt.Errorf("%w: tag: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPrice && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Command{}, fmt.Errorf("%w: price: %v", ErrCorrupt, protowire.ParseError(n))
			}
			c.Price = math.Float64frombits(v)
			b = b[n:]

		case typ == protowire.VarintType && num >= fieldSeq && num <= fieldQty:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Command{}, fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := c.set(num, v); err != nil {
				return Command{}, err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Command{}, fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}

func (c *Command) set(num protowire.Number, v uint64) error {
	switch num {
	case fieldSeq:
		c.Seq = v
	case fieldSide:
		if v > math.MaxUint8 {
			return fmt.Errorf("%w: side %d", ErrCorrupt, v)
		}
		c.Side = uint8(v)
	case fieldShares:
		if v > math.MaxUint32 {
			return fmt.Errorf("%w: shares %d", ErrCorrupt, v)
		}
		c.Shares = uint32(v)
	case fieldQty:
		if v > math.MaxUint32 {
			return fmt.Errorf("%w: qty %d", ErrCorrupt, v)
		}
		c.Qty = uint32(v)
	default:
		return fmt.Errorf("%w: field %d", ErrCorrupt, num)
	}
	return nil
}
