package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelGauges(t *testing.T) {
	m := New()
	m.SetLevel("BID", 101.5, 3, 900, 2)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.levelSize.WithLabelValues("BID", "101.5")))
	assert.Equal(t, 900.0, testutil.ToFloat64(m.levelVolume.WithLabelValues("BID", "101.5")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.levelRetries))

	m.DropLevel("BID", 101.5)
	assert.Equal(t, 0, testutil.CollectAndCount(m.levelSize))
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Inserts.WithLabelValues("ASK").Inc()
	m.Removals.WithLabelValues("CANCEL").Add(2)
	m.Since("submit", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Removals.WithLabelValues("CANCEL")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `limitbook_orders_inserted_total{side="ASK"} 1`)
	assert.Contains(t, string(body), "limitbook_op_latency_seconds_count")
}
