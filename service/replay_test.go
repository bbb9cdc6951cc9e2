package service

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitbook/domain/orderbook"
	"limitbook/infra/memory"
	"limitbook/infra/sequence"
)

// book is a comparable picture of every level.
type book map[orderbook.Side]map[float64][]orderbook.Entry

func capture(s *Service) book {
	out := book{}
	for _, side := range []orderbook.Side{orderbook.Bid, orderbook.Ask} {
		out[side] = map[float64][]orderbook.Entry{}
		for _, d := range s.Depth(side, 0) {
			out[side][d.Price] = s.Orders(side, d.Price)
		}
	}
	return out
}

func fresh() *Service {
	return New(Deps{
		Arena: memory.NewArena[orderbook.Order](1<<12, 1<<10, memory.NewReaderSet(4)),
		Seq:   sequence.New(0),
	})
}

// workload runs a mix of every command.
func workload(t *testing.T, s *Service, base float64) {
	t.Helper()
	var seqs []uint64
	for i := 0; i < 12; i++ {
		side := orderbook.Side(i % 2)
		seq, err := s.Submit(side, base+float64(i%3), uint32(100+i))
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	_, _, err := s.Fill(seqs[0], 40)
	require.NoError(t, err)
	_, _, err = s.Fill(seqs[1], 101)
	require.NoError(t, err)
	_, err = s.Cancel(seqs[2])
	require.NoError(t, err)
	_, err = s.ConsumeHead(orderbook.Ask, base+1)
	require.NoError(t, err)
}

func TestRecoverFromLogOnly(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	workload(t, h.svc, 50)
	want := capture(h.svc)
	wantSeq := h.svc.Sequencer().Current()
	require.NoError(t, h.wal.Close())

	s := fresh()
	st, err := s.Recover(filepath.Join(dir, "none"), h.walDir)
	require.NoError(t, err)

	assert.Zero(t, st.SnapshotSeq)
	assert.Zero(t, st.Skipped)
	assert.Equal(t, wantSeq, st.LastSeq)
	assert.Equal(t, wantSeq, s.Sequencer().Current())
	assert.Equal(t, want, capture(s))
	assert.NoError(t, s.Validate())

	next, err := s.Submit(orderbook.Bid, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, wantSeq+1, next)
}

func TestRecoverFromSnapshotAndLog(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	workload(t, h.svc, 50)

	snapSeq, err := h.svc.TakeSnapshot(h.writer(), true)
	require.NoError(t, err)
	assert.Equal(t, h.svc.Sequencer().Current(), snapSeq)

	workload(t, h.svc, 70)
	// touch an order that only the snapshot knows about
	_, err = h.svc.ConsumeHead(orderbook.Bid, 50)
	require.NoError(t, err)

	want := capture(h.svc)
	wantSeq := h.svc.Sequencer().Current()
	require.NoError(t, h.wal.Close())

	s := fresh()
	st, err := s.Recover(h.snapDir, h.walDir)
	require.NoError(t, err)

	assert.Equal(t, snapSeq, st.SnapshotSeq)
	assert.Positive(t, st.Restored)
	assert.Positive(t, st.Replayed)
	assert.Equal(t, wantSeq, s.Sequencer().Current())
	assert.Equal(t, want, capture(s))
	assert.NoError(t, s.Validate())
}

func TestRecoverKeepsTimePriority(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	const workers, per = 16, 40

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if _, err := h.svc.Submit(orderbook.Bid, 10, 1); err != nil {
					t.Errorf("submit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	live := h.svc.Orders(orderbook.Bid, 10)
	require.Len(t, live, workers*per)
	seqs := make([]uint64, len(live))
	for i, e := range live {
		seqs[i] = e.Sequence
	}
	assert.IsIncreasing(t, seqs, "queue position follows sequence")
	require.NoError(t, h.wal.Close())

	s := fresh()
	_, err := s.Recover(h.snapDir, h.walDir)
	require.NoError(t, err)
	assert.Equal(t, live, s.Orders(orderbook.Bid, 10))
}

func TestRecoverEmpty(t *testing.T) {
	dir := t.TempDir()
	s := fresh()
	st, err := s.Recover(filepath.Join(dir, "snap"), filepath.Join(dir, "wal"))
	require.NoError(t, err)
	assert.Equal(t, RecoveryStats{}, st)
	assert.Zero(t, s.Sequencer().Current())
}
