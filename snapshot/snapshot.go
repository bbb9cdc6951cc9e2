package snapshot

import "time"

const fileName = "snapshot.bin"

// Snapshot is every resting order as of Seq, bids then asks, each side
// best level first and each level in time priority.
type Snapshot struct {
	Seq     uint64
	Created time.Time
	Orders  []OrderEntry
}

type OrderEntry struct {
	Seq       uint64
	Side      uint8
	Price     float64
	Shares    uint32
	Status    uint32
	EntryTime time.Time
}
