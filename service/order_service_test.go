package service

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitbook/domain/orderbook"
	"limitbook/infra/memory"
	"limitbook/infra/metrics"
	"limitbook/infra/sequence"
	entrywal "limitbook/infra/wal/entry"
	exitwal "limitbook/infra/wal/exit"
	"limitbook/snapshot"
)

type harness struct {
	svc     *Service
	wal     *entrywal.WAL
	outbox  *exitwal.ExitWAL
	metrics *metrics.Metrics
	walDir  string
	snapDir string
}

func newHarness(t *testing.T, dir string) *harness {
	t.Helper()
	h := &harness{
		walDir:  filepath.Join(dir, "wal"),
		snapDir: filepath.Join(dir, "snap"),
		metrics: metrics.New(),
	}

	var err error
	h.wal, err = entrywal.Open(entrywal.Config{Dir: h.walDir})
	require.NoError(t, err)
	h.outbox, err = exitwal.Open(filepath.Join(dir, "outbox"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.wal.Close()
		_ = h.outbox.Close()
	})

	readers := memory.NewReaderSet(8)
	h.svc = New(Deps{
		Arena:   memory.NewArena[orderbook.Order](1<<12, 1<<10, readers),
		Seq:     sequence.New(0),
		Log:     h.wal,
		Audit:   h.outbox,
		Metrics: h.metrics,
	})
	return h
}

func (h *harness) writer() *snapshot.Writer {
	return &snapshot.Writer{Dir: h.snapDir, Reader: snapshot.NewReader(h.svc.arena.Readers())}
}

func TestSubmitAndDepth(t *testing.T) {
	h := newHarness(t, t.TempDir())
	a, err := h.svc.Submit(orderbook.Bid, 100, 500)
	require.NoError(t, err)
	b, err := h.svc.Submit(orderbook.Bid, 100, 300)
	require.NoError(t, err)
	_, err = h.svc.Submit(orderbook.Bid, 99.5, 10)
	require.NoError(t, err)
	assert.Less(t, a, b)

	depth := h.svc.Depth(orderbook.Bid, 0)
	require.Len(t, depth, 2)
	assert.Equal(t, 100.0, depth[0].Price)
	assert.EqualValues(t, 2, depth[0].Orders)
	assert.EqualValues(t, 800, depth[0].Volume)
	assert.Equal(t, "80000", depth[0].Notional.String())
	assert.Equal(t, "995", depth[1].Notional.String())

	best, ok := h.svc.Best(orderbook.Bid)
	require.True(t, ok)
	assert.Equal(t, 100.0, best.Price)
	_, ok = h.svc.Best(orderbook.Ask)
	assert.False(t, ok)

	entries := h.svc.Orders(orderbook.Bid, 100)
	require.Len(t, entries, 2)
	assert.Equal(t, a, entries[0].Sequence)
	assert.Equal(t, b, entries[1].Sequence)
	assert.NoError(t, h.svc.Validate())
}

func TestSubmitRejectsInvalidOrder(t *testing.T) {
	h := newHarness(t, t.TempDir())
	_, err := h.svc.Submit(orderbook.Ask, -1, 10)
	assert.ErrorIs(t, err, orderbook.ErrInvalidOrder)
	_, err = h.svc.Submit(orderbook.Ask, 1, 0)
	assert.ErrorIs(t, err, orderbook.ErrInvalidOrder)
	assert.Zero(t, h.svc.Resting())
}

func TestFillPartialThenFull(t *testing.T) {
	h := newHarness(t, t.TempDir())
	seq, err := h.svc.Submit(orderbook.Ask, 10, 1000)
	require.NoError(t, err)

	rem, st, err := h.svc.Fill(seq, 600)
	require.NoError(t, err)
	assert.EqualValues(t, 400, rem)
	assert.Equal(t, orderbook.Partial, st)
	assert.EqualValues(t, 400, h.svc.Depth(orderbook.Ask, 1)[0].Volume)

	rem, st, err = h.svc.Fill(seq, 400)
	require.NoError(t, err)
	assert.Zero(t, rem)
	assert.Equal(t, orderbook.Full, st)

	assert.Empty(t, h.svc.Depth(orderbook.Ask, 0))
	assert.Nil(t, h.svc.Index().Find(orderbook.Ask, 10), "empty level is dropped")
	assert.Zero(t, h.svc.Resting())

	rec, err := h.outbox.Get(seq)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Full, rec.Status)
	assert.Zero(t, rec.Order.Shares)
	assert.EqualValues(t, 400, rec.Order.Qty, "executed by the final fill")

	_, _, err = h.svc.Fill(seq, 1)
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestOverfillIsAnInvariantViolation(t *testing.T) {
	h := newHarness(t, t.TempDir())
	seq, err := h.svc.Submit(orderbook.Bid, 5, 10)
	require.NoError(t, err)

	_, _, err = h.svc.Fill(seq, 11)
	assert.ErrorIs(t, err, orderbook.ErrInvariant)
	assert.ErrorIs(t, err, orderbook.ErrOverfill)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Violations.WithLabelValues("fill")))
	assert.EqualValues(t, 10, h.svc.Depth(orderbook.Bid, 1)[0].Volume)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, t.TempDir())
	seq, err := h.svc.Submit(orderbook.Bid, 7, 300)
	require.NoError(t, err)

	e, err := h.svc.Cancel(seq)
	require.NoError(t, err)
	assert.Equal(t, seq, e.Sequence)
	assert.EqualValues(t, 300, e.Shares)

	rec, err := h.outbox.Get(seq)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Cancel, rec.Status)
	assert.Equal(t, exitwal.StateNew, rec.State)
	assert.EqualValues(t, 300, rec.Order.Shares)
	assert.Zero(t, rec.Order.Qty)

	_, err = h.svc.Cancel(seq)
	assert.ErrorIs(t, err, ErrUnknownOrder)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Removals.WithLabelValues("CANCEL")))
}

func TestConsumeHeadFIFO(t *testing.T) {
	h := newHarness(t, t.TempDir())
	var seqs []uint64
	for i := 0; i < 3; i++ {
		seq, err := h.svc.Submit(orderbook.Ask, 20, uint32(10*(i+1)))
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	for i, want := range seqs {
		e, err := h.svc.ConsumeHead(orderbook.Ask, 20)
		require.NoError(t, err)
		assert.Equal(t, want, e.Sequence)

		rec, err := h.outbox.Get(want)
		require.NoError(t, err)
		assert.EqualValues(t, 10*(i+1), rec.Order.Qty)
		assert.Equal(t, rec.Order.Shares, rec.Order.Qty)
	}

	_, err := h.svc.ConsumeHead(orderbook.Ask, 20)
	assert.ErrorIs(t, err, orderbook.ErrLevelEmpty)
	_, err = h.svc.ConsumeHead(orderbook.Bid, 1)
	assert.ErrorIs(t, err, orderbook.ErrLevelEmpty)
}

func TestReclaimAfterTerminal(t *testing.T) {
	h := newHarness(t, t.TempDir())
	for i := 0; i < 5; i++ {
		seq, err := h.svc.Submit(orderbook.Bid, 1, 1)
		require.NoError(t, err)
		_, err = h.svc.Cancel(seq)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 5, h.svc.arena.Live())
	assert.Equal(t, 5, h.svc.arena.Pending())

	assert.Equal(t, 5, h.svc.AdvanceEpoch())
	assert.Zero(t, h.svc.arena.Live())
	assert.Zero(t, testutil.ToFloat64(h.metrics.ArenaLive))
}

func TestConcurrentSubmitFillCancel(t *testing.T) {
	h := newHarness(t, t.TempDir())
	const workers, per = 8, 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			side := orderbook.Side(w % 2)
			for i := 0; i < per; i++ {
				seq, err := h.svc.Submit(side, float64(100+i%3), 10)
				if err != nil {
					t.Errorf("submit: %v", err)
					return
				}
				switch i % 3 {
				case 0:
					_, err = h.svc.Cancel(seq)
				case 1:
					_, _, err = h.svc.Fill(seq, 10)
				}
				if err != nil {
					t.Errorf("seq %d: %v", seq, err)
					return
				}
				if i%10 == 0 {
					h.svc.AdvanceEpoch()
				}
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, h.svc.Validate())
	// one in three orders is left resting
	assert.Equal(t, workers*33, h.svc.Resting())
	var volume int64
	for _, side := range []orderbook.Side{orderbook.Bid, orderbook.Ask} {
		for _, d := range h.svc.Depth(side, 0) {
			volume += d.Volume
		}
	}
	assert.EqualValues(t, workers*33*10, volume)
}
