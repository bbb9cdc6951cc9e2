package exit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitbook/domain/orderbook"
	"limitbook/infra/memory"
)

func openTemp(t *testing.T) *ExitWAL {
	t.Helper()
	w, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

// terminal builds an order that has left a level with status st.
func terminal(t *testing.T, seq uint64, shares uint32, st orderbook.Status) *orderbook.Order {
	t.Helper()
	a := memory.NewArena[orderbook.Order](4, 4, nil)
	lvl := orderbook.NewPriceLevel(a, orderbook.Ask, 12.5)
	o, err := orderbook.NewOrder(a, seq, orderbook.Ask, 12.5, shares)
	require.NoError(t, err)
	require.NoError(t, lvl.Insert(o))
	require.NoError(t, lvl.Remove(o, st))
	return o.Clone()
}

func TestPutTerminalAndGet(t *testing.T) {
	w := openTemp(t)
	require.NoError(t, w.PutTerminal(terminal(t, 42, 300, orderbook.Cancel), 0))

	rec, err := w.Get(42)
	require.NoError(t, err)
	assert.EqualValues(t, 42, rec.Seq)
	assert.Equal(t, StateNew, rec.State)
	assert.Equal(t, orderbook.Cancel, rec.Status)
	assert.EqualValues(t, 42, rec.Order.Seq)
	assert.EqualValues(t, orderbook.Ask, rec.Order.Side)
	assert.Equal(t, 12.5, rec.Order.Price)
	assert.EqualValues(t, 300, rec.Order.Shares)
	assert.Zero(t, rec.Order.Qty)
}

func TestPutTerminalRejectsRestingOrder(t *testing.T) {
	w := openTemp(t)
	a := memory.NewArena[orderbook.Order](4, 4, nil)
	o, err := orderbook.NewOrder(a, 1, orderbook.Bid, 1, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, w.PutTerminal(o, 0), ErrNotTerminal)
	_, err = w.Get(1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutTerminalIsIdempotent(t *testing.T) {
	w := openTemp(t)
	o := terminal(t, 7, 10, orderbook.Full)
	require.NoError(t, w.PutTerminal(o, 10))
	require.NoError(t, w.MarkSent(7))
	require.NoError(t, w.PutTerminal(o, 4))

	rec, err := w.Get(7)
	require.NoError(t, err)
	assert.Equal(t, StateSent, rec.State, "second put must not reset delivery state")
	assert.EqualValues(t, 10, rec.Order.Qty)
}

func TestStateTransitions(t *testing.T) {
	w := openTemp(t)
	require.NoError(t, w.PutTerminal(terminal(t, 1, 10, orderbook.Full), 10))

	require.NoError(t, w.MarkSent(1))
	require.NoError(t, w.MarkFailed(1))
	require.NoError(t, w.MarkFailed(1))

	rec, err := w.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.EqualValues(t, 2, rec.Retries)
	assert.NotZero(t, rec.LastAttempt)
	assert.Equal(t, orderbook.Full, rec.Status, "transitions keep the payload")
	assert.EqualValues(t, 10, rec.Order.Qty)

	require.NoError(t, w.MarkAcked(1))
	rec, err = w.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StateAcked, rec.State)

	assert.ErrorIs(t, w.MarkSent(99), ErrNotFound)
}

func TestScanByStateAndDeleteAcked(t *testing.T) {
	w := openTemp(t)
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, w.PutTerminal(terminal(t, seq, 1, orderbook.Full), 1))
	}
	require.NoError(t, w.MarkAcked(2))
	require.NoError(t, w.MarkAcked(4))

	var pending []uint64
	require.NoError(t, w.ScanByState(StateNew, func(r ExitRecord) error {
		pending = append(pending, r.Seq)
		// moving a record mid-scan is allowed
		return w.MarkSent(r.Seq)
	}))
	assert.Equal(t, []uint64{1, 3, 5}, pending)

	n, err := w.DeleteAcked()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = w.Get(2)
	assert.ErrorIs(t, err, ErrNotFound)

	var sent []uint64
	require.NoError(t, w.ScanByState(StateSent, func(r ExitRecord) error {
		sent = append(sent, r.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{1, 3, 5}, sent)

	n, err = w.DeleteAcked()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "FAILED", StateFailed.String())
	assert.Equal(t, "UNKNOWN", ExitState(9).String())
}
