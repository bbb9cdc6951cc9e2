// Package orderbook holds the price-level queue of a limit order book:
// the Order entity, the concurrent FIFO PriceLevel that links orders at
// one price, and the Index that maps prices to levels.
//
// Orders are owned by a memory.Arena and linked by handle, never by
// pointer. Appends are lock-free among themselves; every unlink on a
// level is serialized by that level.
package orderbook
