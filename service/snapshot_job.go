package service

import (
	"context"
	"fmt"
	"time"

	"limitbook/snapshot"
)

// TakeSnapshot pauses writers, captures the book at the current sequence
// and, when truncate is set, drops log segments the snapshot covers.
//
// No snapshot is taken while the audit backlog cannot be flushed: the
// terminal orders in it only survive a restart through log replay.
func (s *Service) TakeSnapshot(w *snapshot.Writer, truncate bool) (uint64, error) {
	s.quiesce.Lock()
	if err := s.flushAudit(); err != nil {
		s.quiesce.Unlock()
		s.countSnapshot("error")
		return 0, fmt.Errorf("snapshot: %w", err)
	}
	seq := s.seq.Current()
	path, err := w.Write(seq, s.index)
	s.quiesce.Unlock()

	if err != nil {
		s.countSnapshot("error")
		return 0, err
	}
	s.countSnapshot("ok")

	removed := 0
	if truncate && s.wal != nil {
		if removed, err = s.wal.TruncateBefore(seq); err != nil {
			s.log.Warn("wal truncate failed", "seq", seq, "err", err)
		}
	}
	s.log.Info("snapshot written", "seq", seq, "path", path, "segments_removed", removed)
	return seq, nil
}

// RunSnapshots snapshots every interval until ctx ends.
func (s *Service) RunSnapshots(ctx context.Context, w *snapshot.Writer, interval time.Duration, truncate bool) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.TakeSnapshot(w, truncate); err != nil {
				s.log.Error("snapshot failed", "err", err)
			}
		}
	}
}

func (s *Service) countSnapshot(result string) {
	if s.metrics != nil {
		s.metrics.Snapshots.WithLabelValues(result).Inc()
	}
}

//
// ──────────────────────────────────────────────────────────
// Reclamation
// ──────────────────────────────────────────────────────────
//

// AdvanceEpoch advances the global epoch and recycles retired slots no
// reader can still see.
func (s *Service) AdvanceEpoch() int {
	n := s.arena.Reclaim()
	if s.metrics != nil {
		s.metrics.Reclaimed.Add(float64(n))
		s.metrics.ArenaLive.Set(float64(s.arena.Live()))
		s.metrics.ArenaPending.Set(float64(s.arena.Pending()))
	}
	return n
}

// RunEpochs calls AdvanceEpoch every interval until ctx ends.
func (s *Service) RunEpochs(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.AdvanceEpoch()
		}
	}
}
