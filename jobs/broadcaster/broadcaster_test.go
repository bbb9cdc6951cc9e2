package broadcaster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitbook/domain/orderbook"
	"limitbook/infra/kafka"
	"limitbook/infra/memory"
	"limitbook/infra/metrics"
	exitwal "limitbook/infra/wal/exit"
)

type fakePublisher struct {
	mu     sync.Mutex
	fail   int
	sent   [][]byte
	closed bool
}

func (p *fakePublisher) Publish(_ context.Context, _, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail > 0 {
		p.fail--
		return errors.New("broker down")
	}
	p.sent = append(p.sent, value)
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *fakePublisher) events(t *testing.T) []Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.sent))
	for i, b := range p.sent {
		require.NoError(t, json.Unmarshal(b, &out[i]))
	}
	return out
}

func newOutbox(t *testing.T, statuses ...orderbook.Status) *exitwal.ExitWAL {
	t.Helper()
	w, err := exitwal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	a := memory.NewArena[orderbook.Order](64, 16, nil)
	lvl := orderbook.NewPriceLevel(a, orderbook.Bid, 10.25)
	for i, st := range statuses {
		o, err := orderbook.NewOrder(a, uint64(i+1), orderbook.Bid, 10.25, 100)
		require.NoError(t, err)
		require.NoError(t, lvl.Insert(o))
		require.NoError(t, lvl.Remove(o, st))
		var executed uint32
		if st == orderbook.Full {
			executed = o.Shares()
		}
		require.NoError(t, w.PutTerminal(o.Clone(), executed))
	}
	return w
}

func TestDrainPublishesAndDeletes(t *testing.T) {
	outbox := newOutbox(t, orderbook.Full, orderbook.Cancel)
	pub := &fakePublisher{}
	m := metrics.New()
	b := New(outbox, pub, Config{MaxRetries: 3}, nil, m)

	n, err := b.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	evs := pub.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, "order.filled", evs[0].Type)
	assert.Equal(t, "order.cancelled", evs[1].Type)
	assert.Equal(t, "BID", evs[0].Side)
	assert.Equal(t, 10.25, evs[0].Price)
	assert.EqualValues(t, 100, evs[0].Shares)
	assert.EqualValues(t, 100, evs[0].Executed)
	assert.EqualValues(t, 100, evs[1].Shares)
	assert.Zero(t, evs[1].Executed)
	assert.Equal(t, 1, evs[0].V)

	_, err = outbox.Get(1)
	assert.ErrorIs(t, err, exitwal.ErrNotFound, "acked records are removed")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Published.WithLabelValues("acked")))

	n, err = b.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainRetriesFailures(t *testing.T) {
	outbox := newOutbox(t, orderbook.Full)
	pub := &fakePublisher{fail: 1}
	b := New(outbox, pub, Config{MaxRetries: 3}, nil, nil)

	n, err := b.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "a failed record is not retried within the same pass")

	rec, err := outbox.Get(1)
	require.NoError(t, err)
	assert.Equal(t, exitwal.StateFailed, rec.State)
	assert.EqualValues(t, 1, rec.Retries)

	n, err = b.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, pub.events(t), 1)
}

func TestDrainGivesUpAfterMaxRetries(t *testing.T) {
	outbox := newOutbox(t, orderbook.Cancel)
	pub := &fakePublisher{fail: 10}
	b := New(outbox, pub, Config{MaxRetries: 2}, nil, nil)

	for i := 0; i < 4; i++ {
		_, err := b.DrainOnce(context.Background())
		require.NoError(t, err)
	}

	rec, err := outbox.Get(1)
	require.NoError(t, err)
	assert.Equal(t, exitwal.StateFailed, rec.State)
	assert.EqualValues(t, 2, rec.Retries)
}

func TestDrainResendsSentAfterCrash(t *testing.T) {
	outbox := newOutbox(t, orderbook.Full)
	require.NoError(t, outbox.MarkSent(1))

	pub := &fakePublisher{}
	n, err := New(outbox, pub, Config{}, nil, nil).DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEventIDIsStable(t *testing.T) {
	rec := exitwal.ExitRecord{Seq: 9, Status: orderbook.Full}
	assert.Equal(t, NewEvent(rec).ID, NewEvent(rec).ID)
	assert.NotEqual(t, NewEvent(rec).ID, NewEvent(exitwal.ExitRecord{Seq: 10}).ID)
}

func TestDrainThroughSarama(t *testing.T) {
	outbox := newOutbox(t, orderbook.Full, orderbook.Full)
	mock := mocks.NewSyncProducer(t, kafka.SaramaConfig(3))
	mock.ExpectSendMessageAndSucceed()
	mock.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	b := New(outbox, kafka.WrapSarama(mock, "audit"), Config{MaxRetries: 3}, nil, nil)
	n, err := b.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := outbox.Get(2)
	require.NoError(t, err)
	assert.Equal(t, exitwal.StateFailed, rec.State)
	require.NoError(t, b.Close())
}

func TestRunStopsOnCancel(t *testing.T) {
	outbox := newOutbox(t, orderbook.Full)
	pub := &fakePublisher{}
	b := New(outbox, pub, Config{Interval: time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
