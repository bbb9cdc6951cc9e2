package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitbook/domain/orderbook"
	"limitbook/snapshot"
)

func TestBackgroundJobs(t *testing.T) {
	h := newHarness(t, t.TempDir())
	for i := 0; i < 3; i++ {
		_, err := h.svc.Submit(orderbook.Ask, 20, 5)
		require.NoError(t, err)
	}
	seq, err := h.svc.Submit(orderbook.Ask, 21, 5)
	require.NoError(t, err)
	_, err = h.svc.Cancel(seq)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- h.svc.RunEpochs(ctx, 5*time.Millisecond) }()
	go func() { done <- h.svc.RunSnapshots(ctx, h.writer(), 5*time.Millisecond, false) }()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Snapshots.WithLabelValues("ok")) >= 1 &&
			testutil.ToFloat64(h.metrics.Reclaimed) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("job did not stop")
		}
	}

	snap, err := snapshot.Load(h.snapDir)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Orders, 3)
	assert.Equal(t, 3, h.svc.Resting())
	assert.EqualValues(t, 3, testutil.ToFloat64(h.metrics.ArenaLive))
}
