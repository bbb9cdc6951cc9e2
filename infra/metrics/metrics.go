// Package metrics exposes book and pipeline instrumentation on a private
// Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "limitbook"

type Metrics struct {
	registry *prometheus.Registry

	Inserts    *prometheus.CounterVec
	Removals   *prometheus.CounterVec
	Violations *prometheus.CounterVec
	OpLatency  *prometheus.HistogramVec

	levelSize    *prometheus.GaugeVec
	levelVolume  *prometheus.GaugeVec
	levelRetries *prometheus.GaugeVec

	ArenaLive    prometheus.Gauge
	ArenaPending prometheus.Gauge
	Reclaimed    prometheus.Counter

	WALAppends    prometheus.Counter
	AuditFailures prometheus.Counter
	Published     *prometheus.CounterVec
	Snapshots     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		Inserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_inserted_total",
			Help:      "Orders linked into a price level",
		}, []string{"side"}),

		Removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_removed_total",
			Help:      "Orders unlinked from a price level by terminal status",
		}, []string{"status"}),

		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Invariant violations reported by price levels",
		}, []string{"op"}),

		OpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_latency_seconds",
			Help:      "Service operation latency",
			Buckets:   []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2},
		}, []string{"op"}),

		levelSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "level_orders",
			Help:      "Resting orders per price level",
		}, []string{"side", "price"}),

		levelVolume: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "level_volume_shares",
			Help:      "Resting shares per price level",
		}, []string{"side", "price"}),

		levelRetries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "level_cas_retries",
			Help:      "Failed tail swaps per price level since it was created",
		}, []string{"side", "price"}),

		ArenaLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "arena_live_slots",
			Help:      "Allocated order slots not yet reclaimed",
		}),

		ArenaPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "arena_retired_slots",
			Help:      "Retired slots waiting for readers to leave their epoch",
		}),

		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arena_reclaimed_total",
			Help:      "Slots returned to the free list",
		}),

		WALAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_appends_total",
			Help:      "Records appended to the command log",
		}),

		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Terminal orders the audit store refused; retried before the next snapshot",
		}),

		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_published_total",
			Help:      "Audit events handed to Kafka by result",
		}, []string{"result"}),

		Snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshot attempts by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.Inserts, m.Removals, m.Violations, m.OpLatency,
		m.levelSize, m.levelVolume, m.levelRetries,
		m.ArenaLive, m.ArenaPending, m.Reclaimed,
		m.WALAppends, m.AuditFailures, m.Published, m.Snapshots,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetLevel publishes the aggregates of one price level.
func (m *Metrics) SetLevel(side string, price float64, size, volume int64, retries uint64) {
	p := formatPrice(price)
	m.levelSize.WithLabelValues(side, p).Set(float64(size))
	m.levelVolume.WithLabelValues(side, p).Set(float64(volume))
	m.levelRetries.WithLabelValues(side, p).Set(float64(retries))
}

// DropLevel forgets a level removed from the index.
func (m *Metrics) DropLevel(side string, price float64) {
	p := formatPrice(price)
	m.levelSize.DeleteLabelValues(side, p)
	m.levelVolume.DeleteLabelValues(side, p)
	m.levelRetries.DeleteLabelValues(side, p)
}

// Since records the latency of op started at start.
func (m *Metrics) Since(op string, start time.Time) {
	m.OpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
