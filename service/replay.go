package service

import (
	"errors"
	"fmt"
	"time"

	"limitbook/domain/orderbook"
	"limitbook/infra/codec"
	entrywal "limitbook/infra/wal/entry"
	"limitbook/snapshot"
)

type RecoveryStats struct {
	SnapshotSeq uint64
	Restored    int
	Replayed    int
	Skipped     int
	LastSeq     uint64
}

/*
Recover rebuilds the book: load the snapshot, replay every log record
after it, resume sequencing after the highest sequence seen.

IMPORTANT:
  - This MUST run before accepting traffic
  - The audit outbox is NOT replayed; re-finalized orders are deduplicated
    by the store
*/
func (s *Service) Recover(snapDir, walDir string) (RecoveryStats, error) {
	var st RecoveryStats

	snap, err := snapshot.Load(snapDir)
	if err != nil {
		return st, fmt.Errorf("recover: %w", err)
	}
	if snap != nil {
		st.SnapshotSeq = snap.Seq
		for _, e := range snap.Orders {
			o, err := orderbook.RestoreOrder(s.arena, orderbook.Entry{
				Sequence: e.Seq,
				Side:     orderbook.Side(e.Side),
				Price:    e.Price,
				Shares:   e.Shares,
			}, orderbook.Status(e.Status), e.EntryTime)
			if err != nil {
				return st, fmt.Errorf("recover: snapshot order %d: %w", e.Seq, err)
			}
			if err := s.place(o); err != nil {
				return st, fmt.Errorf("recover: snapshot order %d: %w", e.Seq, err)
			}
			st.Restored++
		}
	}

	last, err := entrywal.Replay(walDir, st.SnapshotSeq, func(rec *entrywal.Record) error {
		skipped, err := s.apply(rec)
		if err != nil {
			return fmt.Errorf("record %d (%s): %w", rec.Seq, rec.Type, err)
		}
		if skipped {
			st.Skipped++
		} else {
			st.Replayed++
		}
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("recover: %w", err)
	}

	st.LastSeq = max(last, st.SnapshotSeq)
	s.seq.Reset(st.LastSeq)

	s.log.Info("recovery complete",
		"snapshot_seq", st.SnapshotSeq,
		"restored", st.Restored,
		"replayed", st.Replayed,
		"skipped", st.Skipped,
		"last_seq", st.LastSeq,
	)
	return st, nil
}

// apply re-executes one logged command without logging it again. A
// command on an order that is already gone is skipped: fills and
// removals of one order are logged after they apply, so a racing pair
// may be logged in the opposite order.
func (s *Service) apply(rec *entrywal.Record) (skipped bool, err error) {
	cmd, err := codec.Unmarshal(rec.Data)
	if err != nil {
		return false, err
	}

	switch rec.Type {
	case entrywal.RecordPlace:
		o, err := orderbook.RestoreOrder(s.arena, orderbook.Entry{
			Sequence: cmd.Seq,
			Side:     orderbook.Side(cmd.Side),
			Price:    cmd.Price,
			Shares:   cmd.Shares,
		}, orderbook.Wait, time.Unix(0, rec.Time))
		if err != nil {
			return false, err
		}
		return false, s.place(o)
	case entrywal.RecordFill:
		_, _, err = s.fill(cmd.Seq, cmd.Qty)
	case entrywal.RecordCancel:
		_, err = s.remove(cmd.Seq, orderbook.Cancel)
	case entrywal.RecordConsume:
		_, err = s.remove(cmd.Seq, orderbook.Full)
	default:
		return false, fmt.Errorf("unknown record type %d", rec.Type)
	}

	switch {
	case errors.Is(err, ErrUnknownOrder):
		s.log.Warn("replay skipped command for missing order", "type", rec.Type, "order", cmd.Seq)
		return true, nil
	case errors.Is(err, ErrAuditFailed):
		// applied; the order waits in the backlog for the next snapshot
		return false, nil
	}
	return false, err
}
