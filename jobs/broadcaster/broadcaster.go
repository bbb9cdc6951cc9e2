// Package broadcaster drains the audit outbox to Kafka with
// at-least-once delivery.
package broadcaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"limitbook/domain/orderbook"
	"limitbook/infra/metrics"
	exitwal "limitbook/infra/wal/exit"
)

// Publisher delivers one message and returns once the broker has it.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}

// Outbox is the part of the audit store the broadcaster drives.
type Outbox interface {
	ScanByState(state exitwal.ExitState, fn func(exitwal.ExitRecord) error) error
	MarkSent(seq uint64) error
	MarkAcked(seq uint64) error
	MarkFailed(seq uint64) error
	DeleteAcked() (int, error)
}

// eventNamespace seeds deterministic event ids so redelivery of the same
// record carries the same id.
var eventNamespace = uuid.MustParse("7d0f6c8e-58a4-4c1e-9b8e-1f4c0b2a9d31")

// Event is the published form of a terminal order. Shares is the
// quantity still open when the order left the book, Executed the quantity
// the terminating command filled. A fill to zero has Shares 0; a consumed
// head has Shares == Executed; a cancel has Executed 0.
type Event struct {
	V        int     `json:"v"`
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	Seq      uint64  `json:"seq"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Shares   uint32  `json:"shares"`
	Executed uint32  `json:"executed"`
}

func NewEvent(rec exitwal.ExitRecord) Event {
	typ := "order.filled"
	if rec.Status == orderbook.Cancel {
		typ = "order.cancelled"
	}
	return Event{
		V:        1,
		ID:       uuid.NewSHA1(eventNamespace, []byte(strconv.FormatUint(rec.Seq, 10))).String(),
		Type:     typ,
		Seq:      rec.Seq,
		Side:     orderbook.Side(rec.Order.Side).String(),
		Price:    rec.Order.Price,
		Shares:   rec.Order.Shares,
		Executed: rec.Order.Qty,
	}
}

type Config struct {
	Interval   time.Duration
	MaxRetries int
}

type Broadcaster struct {
	outbox  Outbox
	pub     Publisher
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func New(outbox Outbox, pub Publisher, cfg Config, log *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		outbox:  outbox,
		pub:     pub,
		log:     log.With("component", "broadcaster"),
		metrics: m,
		cfg:     cfg,
	}
}

// ------------------------------------------------
// LOOP
// ------------------------------------------------

// Run drains on every tick until ctx ends. It returns nil on cancellation.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.log.Info("started", "interval", b.cfg.Interval)

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("stopped")
			return nil
		case <-ticker.C:
			if _, err := b.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.log.Error("drain failed", "err", err)
			}
		}
	}
}

// ------------------------------------------------
// DRAIN
// ------------------------------------------------

// DrainOnce publishes every NEW record, every SENT record left behind by
// a crash, and every FAILED record still under the retry limit. It
// returns how many were acknowledged.
func (b *Broadcaster) DrainOnce(ctx context.Context) (int, error) {
	acked := 0
	tried := make(map[uint64]bool)
	for _, st := range []exitwal.ExitState{exitwal.StateNew, exitwal.StateSent, exitwal.StateFailed} {
		err := b.outbox.ScanByState(st, func(rec exitwal.ExitRecord) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if tried[rec.Seq] {
				return nil
			}
			if st == exitwal.StateFailed && b.cfg.MaxRetries > 0 && int(rec.Retries) >= b.cfg.MaxRetries {
				return nil
			}
			tried[rec.Seq] = true
			ok, err := b.deliver(ctx, rec)
			if ok {
				acked++
			}
			return err
		})
		if err != nil {
			return acked, err
		}
	}

	if _, err := b.outbox.DeleteAcked(); err != nil {
		return acked, fmt.Errorf("delete acked: %w", err)
	}
	return acked, nil
}

// deliver reports a publish failure through the outbox, not as an error;
// only outbox failures stop the scan.
func (b *Broadcaster) deliver(ctx context.Context, rec exitwal.ExitRecord) (bool, error) {
	if err := b.outbox.MarkSent(rec.Seq); err != nil {
		return false, err
	}

	ev := NewEvent(rec)
	value, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}

	if err := b.pub.Publish(ctx, []byte(strconv.FormatUint(rec.Seq, 10)), value); err != nil {
		b.log.Warn("publish failed", "seq", rec.Seq, "retries", rec.Retries, "err", err)
		b.count("failed")
		return false, b.outbox.MarkFailed(rec.Seq)
	}

	b.count("acked")
	return true, b.outbox.MarkAcked(rec.Seq)
}

func (b *Broadcaster) count(result string) {
	if b.metrics != nil {
		b.metrics.Published.WithLabelValues(result).Inc()
	}
}

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

func (b *Broadcaster) Close() error {
	return b.pub.Close()
}
