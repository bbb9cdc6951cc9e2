// Package exit is the audit outbox: every order that leaves the book in a
// terminal state is recorded here before its arena slot is retired, and
// the broadcaster drains it to Kafka.
package exit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"limitbook/domain/orderbook"
	"limitbook/infra/codec"
)

// -------------------- State --------------------

type ExitState uint8

const (
	StateNew ExitState = iota
	StateSent
	StateAcked
	StateFailed
)

func (s ExitState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrNotFound    = errors.New("exit: record not found")
	ErrBadRecord   = errors.New("exit: invalid record")
	ErrNotTerminal = errors.New("exit: order is not terminal")
)

// -------------------- Record --------------------

// ExitRecord is one terminal order plus its delivery state. Order.Shares
// is what was still open when the order left the book; Order.Qty is what
// the terminating command executed (0 for a cancel).
type ExitRecord struct {
	Seq         uint64
	State       ExitState
	Retries     uint32
	LastAttempt int64
	Status      orderbook.Status
	Order       codec.Command
}

const recordHeader = 1 + 4 + 8 + 1

// binary encoding: [state:1][retries:4][lastAttempt:8][status:1][command]
func encodeRecord(r ExitRecord) []byte {
	buf := make([]byte, recordHeader, recordHeader+32)
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	buf[13] = byte(r.Status)
	return codec.Marshal(buf, r.Order)
}

func decodeRecord(seq uint64, b []byte) (ExitRecord, error) {
	if len(b) < recordHeader {
		return ExitRecord{}, fmt.Errorf("%w: length %d", ErrBadRecord, len(b))
	}
	cmd, err := codec.Unmarshal(b[recordHeader:])
	if err != nil {
		return ExitRecord{}, fmt.Errorf("%w: seq %d: %v", ErrBadRecord, seq, err)
	}
	return ExitRecord{
		Seq:         seq,
		State:       ExitState(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Status:      orderbook.Status(b[13]),
		Order:       cmd,
	}, nil
}

// -------------------- WAL --------------------

type ExitWAL struct {
	db *pebble.DB
	// serialises read-modify-write state transitions
	mu sync.Mutex
}

func Open(dir string) (*ExitWAL, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &ExitWAL{db: db}, nil
}

func (w *ExitWAL) Close() error {
	return w.db.Close()
}

// -------------------- API --------------------

// PutTerminal records o as NEW with the quantity its final command
// executed. Recording the same sequence twice keeps the first record and
// its delivery state.
func (w *ExitWAL) PutTerminal(o *orderbook.Order, executed uint32) error {
	st := o.Status()
	if !st.Terminal() {
		return fmt.Errorf("%w: seq %d is %s", ErrNotTerminal, o.Sequence, st)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.get(o.Sequence); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	rec := ExitRecord{
		Seq:    o.Sequence,
		State:  StateNew,
		Status: st,
		Order: codec.Command{
			Seq:    o.Sequence,
			Side:   uint8(o.Side),
			Price:  o.Price,
			Shares: o.Shares(),
			Qty:    executed,
		},
	}
	return w.db.Set(keyFor(o.Sequence), encodeRecord(rec), pebble.Sync)
}

func (w *ExitWAL) MarkSent(seq uint64) error {
	return w.transition(seq, func(r *ExitRecord) { r.State = StateSent })
}

func (w *ExitWAL) MarkAcked(seq uint64) error {
	return w.transition(seq, func(r *ExitRecord) { r.State = StateAcked })
}

// MarkFailed flags a delivery attempt as failed and counts the retry.
func (w *ExitWAL) MarkFailed(seq uint64) error {
	return w.transition(seq, func(r *ExitRecord) {
		r.State = StateFailed
		r.Retries++
	})
}

func (w *ExitWAL) transition(seq uint64, fn func(*ExitRecord)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, err := w.get(seq)
	if err != nil {
		return err
	}
	fn(&rec)
	rec.LastAttempt = time.Now().UnixNano()
	return w.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync)
}

// Get returns the current record for an order sequence.
func (w *ExitWAL) Get(seq uint64) (ExitRecord, error) {
	return w.get(seq)
}

func (w *ExitWAL) get(seq uint64) (ExitRecord, error) {
	val, closer, err := w.db.Get(keyFor(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return ExitRecord{}, fmt.Errorf("%w: seq %d", ErrNotFound, seq)
	}
	if err != nil {
		return ExitRecord{}, err
	}
	defer closer.Close()

	return decodeRecord(seq, val)
}

// DeleteAcked removes every ACKED record in one batch.
func (w *ExitWAL) DeleteAcked() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	b := w.db.NewBatch()
	defer b.Close()

	n := 0
	err := w.scan(func(rec ExitRecord) error {
		if rec.State != StateAcked {
			return nil
		}
		n++
		return b.Delete(keyFor(rec.Seq), nil)
	})
	if err != nil || n == 0 {
		return 0, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return n, nil
}

// -------------------- Scan --------------------

// ScanByState iterates records in the given state in sequence order. The
// iterator is a point-in-time view, so fn may move the records it visits.
func (w *ExitWAL) ScanByState(state ExitState, fn func(ExitRecord) error) error {
	return w.scan(func(rec ExitRecord) error {
		if rec.State != state {
			return nil
		}
		return fn(rec)
	})
}

func (w *ExitWAL) scan(fn func(ExitRecord) error) error {
	iter, err := w.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(seq, iter.Value())
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// -------------------- Helpers --------------------

const keyPrefix = "order/"

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf(keyPrefix+"%020d", seq))
}

func parseKey(b []byte) (uint64, error) {
	id, err := strconv.ParseUint(string(b[len(keyPrefix):]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q", ErrBadRecord, b)
	}
	return id, nil
}
