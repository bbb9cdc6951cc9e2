package snapshot

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"limitbook/domain/orderbook"
)

type Writer struct {
	Dir    string
	Reader *Reader
}

// Write captures idx as of seq and atomically replaces the snapshot file.
// The caller must stop writes to the book, or accept that orders placed
// after seq may be included and skipped again on replay.
func (w *Writer) Write(seq uint64, idx *orderbook.Index) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", err
	}

	s := Snapshot{
		Seq:     seq,
		Created: time.Now().UTC(),
		Orders:  make([]OrderEntry, 0, 1024),
	}

	if w.Reader != nil {
		w.Reader.Begin()
	}
	for _, side := range []orderbook.Side{orderbook.Bid, orderbook.Ask} {
		for _, lvl := range idx.Levels(side, 0) {
			lvl.Walk(func(o *orderbook.Order) bool {
				s.Orders = append(s.Orders, OrderEntry{
					Seq:       o.Sequence,
					Side:      uint8(o.Side),
					Price:     o.Price,
					Shares:    o.Shares(),
					Status:    uint32(o.Status()),
					EntryTime: o.EntryTime,
				})
				return true
			})
		}
	}
	if w.Reader != nil {
		w.Reader.End()
	}

	tmp, err := os.CreateTemp(w.Dir, fileName+".*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(&s); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	path := filepath.Join(w.Dir, fileName)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}
