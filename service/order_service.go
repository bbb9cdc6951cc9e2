package service

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"limitbook/domain/orderbook"
	"limitbook/infra/codec"
	"limitbook/infra/memory"
	"limitbook/infra/metrics"
	"limitbook/infra/sequence"
	entrywal "limitbook/infra/wal/entry"
)

var (
	ErrUnknownOrder = errors.New("service: unknown order")
	ErrAuditFailed  = errors.New("service: audit write failed")
)

// AuditStore receives every order that leaves the book together with the
// quantity its final command executed.
type AuditStore interface {
	PutTerminal(o *orderbook.Order, executed uint32) error
}

// CommandLog is the durable record of accepted commands.
type CommandLog interface {
	Append(r *entrywal.Record) error
	TruncateBefore(seq uint64) (int, error)
}

// Deps wires a Service. Log, Audit and Metrics are optional.
type Deps struct {
	Arena   *memory.Arena[orderbook.Order]
	Seq     *sequence.Sequencer
	Log     CommandLog
	Audit   AuditStore
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

/*
Service is the ONLY write entry point into the book.

Place is logged and linked under logMu, so log order is link order.
Fill, cancel and consume are logged after they took effect. Either way
the caller only hears success once the record is in the log, and logMu
keeps log sequences increasing.

Every mutation holds quiesce for reading; TakeSnapshot holds it for
writing so a snapshot never sees a half-applied command.
*/
type Service struct {
	arena   *memory.Arena[orderbook.Order]
	index   *orderbook.Index
	seq     *sequence.Sequencer
	wal     CommandLog
	audit   AuditStore
	metrics *metrics.Metrics
	log     *slog.Logger

	quiesce sync.RWMutex
	logMu   sync.Mutex

	ordersMu sync.RWMutex
	orders   map[uint64]memory.Handle

	auditMu sync.Mutex
	backlog []pendingAudit
}

type pendingAudit struct {
	order    *orderbook.Order
	executed uint32
}

func New(d Deps) *Service {
	if d.Arena == nil {
		d.Arena = memory.NewArena[orderbook.Order](1<<16, 1<<12, nil)
	}
	if d.Seq == nil {
		d.Seq = sequence.New(0)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		arena:   d.Arena,
		index:   orderbook.NewIndex(d.Arena),
		seq:     d.Seq,
		wal:     d.Log,
		audit:   d.Audit,
		metrics: d.Metrics,
		log:     d.Logger.With("component", "service"),
		orders:  make(map[uint64]memory.Handle),
	}
}

// Index exposes the price index for read-only callers such as snapshots.
func (s *Service) Index() *orderbook.Index { return s.index }

func (s *Service) Sequencer() *sequence.Sequencer { return s.seq }

//
// ──────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────
//

// Submit rests a new order at the tail of its level and returns its
// sequence.
func (s *Service) Submit(side orderbook.Side, price float64, shares uint32) (uint64, error) {
	defer s.observe("submit", time.Now())
	s.quiesce.RLock()
	defer s.quiesce.RUnlock()

	// linked under logMu: every level's FIFO order is its place order in
	// the log, which is the order replay links them in
	s.logMu.Lock()
	defer s.logMu.Unlock()

	seq := s.seq.Next()
	o, err := orderbook.NewOrder(s.arena, seq, side, price, shares)
	if err != nil {
		return 0, fmt.Errorf("submit: %w", err)
	}
	cmd := codec.Command{Seq: seq, Side: uint8(side), Price: price, Shares: shares}
	if err := s.appendLocked(entrywal.RecordPlace, seq, cmd); err != nil {
		_ = s.arena.Retire(o.Handle())
		return 0, fmt.Errorf("submit: %w", err)
	}

	if err := s.place(o); err != nil {
		return 0, s.fail("submit", err)
	}
	return seq, nil
}

// Fill takes qty shares from a resting order. An order filled to zero is
// removed as FULL and handed to the audit store.
//
// An ErrAuditFailed error means the fill took effect and was logged but
// the audit store refused the terminal order.
func (s *Service) Fill(seq uint64, qty uint32) (uint32, orderbook.Status, error) {
	defer s.observe("fill", time.Now())
	s.quiesce.RLock()
	defer s.quiesce.RUnlock()

	rem, st, err := s.fill(seq, qty)
	if err != nil && !errors.Is(err, ErrAuditFailed) {
		return 0, 0, s.fail("fill", err)
	}
	if lerr := s.record(entrywal.RecordFill, codec.Command{Seq: seq, Qty: qty}); lerr != nil {
		return 0, 0, fmt.Errorf("fill: %w", lerr)
	}
	if err != nil {
		return rem, st, fmt.Errorf("fill: %w", err)
	}
	return rem, st, nil
}

// Cancel removes a resting order as CANCEL.
func (s *Service) Cancel(seq uint64) (orderbook.Entry, error) {
	defer s.observe("cancel", time.Now())
	s.quiesce.RLock()
	defer s.quiesce.RUnlock()

	e, err := s.remove(seq, orderbook.Cancel)
	if err != nil && !errors.Is(err, ErrAuditFailed) {
		return orderbook.Entry{}, s.fail("cancel", err)
	}
	if lerr := s.record(entrywal.RecordCancel, codec.Command{Seq: seq}); lerr != nil {
		return orderbook.Entry{}, fmt.Errorf("cancel: %w", lerr)
	}
	if err != nil {
		return e, fmt.Errorf("cancel: %w", err)
	}
	return e, nil
}

// ConsumeHead detaches the oldest order at (side, price) as FULL.
func (s *Service) ConsumeHead(side orderbook.Side, price float64) (orderbook.Entry, error) {
	defer s.observe("consume", time.Now())
	s.quiesce.RLock()
	defer s.quiesce.RUnlock()

	e, err := s.consume(side, price)
	if err != nil && !errors.Is(err, ErrAuditFailed) {
		return orderbook.Entry{}, s.fail("consume", err)
	}
	// logged as the removal of that exact order, so replay does not depend
	// on which order happened to be at the head
	if lerr := s.record(entrywal.RecordConsume, codec.Command{Seq: e.Sequence}); lerr != nil {
		return orderbook.Entry{}, fmt.Errorf("consume: %w", lerr)
	}
	if err != nil {
		return e, fmt.Errorf("consume: %w", err)
	}
	return e, nil
}

//
// ──────────────────────────────────────────────────────────
// Apply (shared with replay)
// ──────────────────────────────────────────────────────────
//

// place links o, routing again when it races a level being dropped.
func (s *Service) place(o *orderbook.Order) error {
	for {
		lvl := s.index.GetOrCreate(o.Side, o.Price)
		err := lvl.Insert(o)
		if errors.Is(err, orderbook.ErrLevelSealed) {
			continue
		}
		if err != nil {
			return err
		}

		s.ordersMu.Lock()
		s.orders[o.Sequence] = o.Handle()
		s.ordersMu.Unlock()

		if s.metrics != nil {
			s.metrics.Inserts.WithLabelValues(o.Side.String()).Inc()
			s.publishLevel(lvl)
		}
		return nil
	}
}

func (s *Service) fill(seq uint64, qty uint32) (uint32, orderbook.Status, error) {
	r := s.arena.Readers().Enter()
	defer s.arena.Readers().Exit(r)

	o, lvl, err := s.resolve(seq)
	if err != nil {
		return 0, 0, err
	}
	rem, err := lvl.Fill(o, qty)
	if err != nil {
		return 0, 0, err
	}
	if rem > 0 || qty == 0 {
		s.publishLevel(lvl)
		return rem, o.Status(), nil
	}

	err = lvl.Remove(o, orderbook.Full)
	if errors.Is(err, orderbook.ErrNotLinked) {
		// a concurrent cancel or consume finished it first
		return 0, o.Status(), nil
	}
	if err != nil {
		return 0, 0, err
	}
	return 0, orderbook.Full, s.finalize(lvl, o, qty)
}

func (s *Service) remove(seq uint64, st orderbook.Status) (orderbook.Entry, error) {
	r := s.arena.Readers().Enter()
	defer s.arena.Readers().Exit(r)

	o, lvl, err := s.resolve(seq)
	if err != nil {
		return orderbook.Entry{}, err
	}
	if err := lvl.Remove(o, st); err != nil {
		if errors.Is(err, orderbook.ErrNotLinked) {
			return orderbook.Entry{}, fmt.Errorf("%w: %d", ErrUnknownOrder, seq)
		}
		return orderbook.Entry{}, err
	}
	e := o.Entry()
	var executed uint32
	if st == orderbook.Full {
		executed = e.Shares
	}
	return e, s.finalize(lvl, o, executed)
}

func (s *Service) consume(side orderbook.Side, price float64) (orderbook.Entry, error) {
	r := s.arena.Readers().Enter()
	defer s.arena.Readers().Exit(r)

	lvl := s.index.Find(side, price)
	if lvl == nil {
		return orderbook.Entry{}, orderbook.ErrLevelEmpty
	}
	o, err := lvl.DequeueHead()
	if err != nil {
		return orderbook.Entry{}, err
	}
	e := o.Entry()
	return e, s.finalize(lvl, o, e.Shares)
}

// resolve maps a live sequence to its order and level. The caller must be
// inside a reader epoch.
func (s *Service) resolve(seq uint64) (*orderbook.Order, *orderbook.PriceLevel, error) {
	s.ordersMu.RLock()
	h, ok := s.orders[seq]
	s.ordersMu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownOrder, seq)
	}
	o := s.arena.Get(h)
	if o == nil || o.Sequence != seq {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownOrder, seq)
	}
	lvl := s.index.Find(o.Side, o.Price)
	if lvl == nil {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownOrder, seq)
	}
	return o, lvl, nil
}

// finalize runs after o left lvl in a terminal state: audit, forget,
// drop the level if it emptied, retire the slot. executed is what the
// terminating command filled.
//
// The book is cleaned up even when the audit store fails; the order is
// then kept in the backlog and the error, wrapping ErrAuditFailed, goes
// back to the caller.
func (s *Service) finalize(lvl *orderbook.PriceLevel, o *orderbook.Order, executed uint32) error {
	c := o.Clone()
	var auditErr error
	if s.audit != nil {
		if err := s.audit.PutTerminal(c, executed); err != nil {
			s.log.Error("audit write failed", "seq", c.Sequence, "status", c.Status(), "err", err)
			s.auditMu.Lock()
			s.backlog = append(s.backlog, pendingAudit{order: c, executed: executed})
			s.auditMu.Unlock()
			if s.metrics != nil {
				s.metrics.AuditFailures.Inc()
			}
			auditErr = fmt.Errorf("%w: seq %d: %w", ErrAuditFailed, c.Sequence, err)
		}
	}

	s.ordersMu.Lock()
	delete(s.orders, o.Sequence)
	s.ordersMu.Unlock()

	dropped := lvl.Empty() && s.index.Drop(lvl)
	if s.metrics != nil {
		s.metrics.Removals.WithLabelValues(c.Status().String()).Inc()
		if dropped {
			s.metrics.DropLevel(lvl.Side.String(), lvl.Price)
		} else {
			s.publishLevel(lvl)
		}
	}

	if err := s.arena.Retire(o.Handle()); err != nil {
		s.log.Error("retire failed", "seq", c.Sequence, "handle", o.Handle(), "err", err)
	}
	return auditErr
}

// flushAudit hands the backlog to the audit store again. It returns
// ErrAuditFailed while anything is left.
func (s *Service) flushAudit() error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	kept := s.backlog[:0]
	var errs []error
	for _, p := range s.backlog {
		if err := s.audit.PutTerminal(p.order, p.executed); err != nil {
			kept = append(kept, p)
			errs = append(errs, err)
		}
	}
	clear(s.backlog[len(kept):])
	s.backlog = kept
	if len(kept) > 0 {
		return fmt.Errorf("%w: %d orders pending: %w", ErrAuditFailed, len(kept), errors.Join(errs...))
	}
	return nil
}

// AuditBacklog reports terminal orders waiting for the audit store.
func (s *Service) AuditBacklog() int {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	return len(s.backlog)
}

//
// ──────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────
//

func (s *Service) record(t entrywal.RecordType, cmd codec.Command) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return s.appendLocked(t, s.seq.Next(), cmd)
}

func (s *Service) appendLocked(t entrywal.RecordType, seq uint64, cmd codec.Command) error {
	if s.wal == nil {
		return nil
	}
	if err := s.wal.Append(entrywal.NewRecord(t, seq, codec.Marshal(nil, cmd))); err != nil {
		return fmt.Errorf("wal append %s: %w", t, err)
	}
	if s.metrics != nil {
		s.metrics.WALAppends.Inc()
	}
	return nil
}

// fail logs invariant violations loudly and wraps err with op.
func (s *Service) fail(op string, err error) error {
	var inv *orderbook.InvariantError
	if errors.As(err, &inv) {
		s.log.Error("invariant violation", "op", op, "level_op", inv.Op, "seq", inv.Sequence,
			"side", inv.Side, "price", inv.Price, "err", inv.Err)
		if s.metrics != nil {
			s.metrics.Violations.WithLabelValues(inv.Op).Inc()
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Service) publishLevel(lvl *orderbook.PriceLevel) {
	if s.metrics == nil {
		return
	}
	s.metrics.SetLevel(lvl.Side.String(), lvl.Price, lvl.Size(), lvl.Volume(), lvl.CASRetries())
}

func (s *Service) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.Since(op, start)
	}
}
