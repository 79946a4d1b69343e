package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/minivenue/internal/database"
	"github.com/user/minivenue/internal/models"
	"github.com/user/minivenue/internal/orderbook"
	"github.com/user/minivenue/internal/symbols"
)

// Engine routes commands to per-symbol single-writer workers. Commands for
// one symbol are totally ordered; distinct symbols run in parallel.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	registry *symbols.Registry
	balances BalanceStore
	orders   OrderStore
	trades   TradeStore
	pub      EventPublisher

	workers map[string]*worker
	started bool
}

// New wires an Engine. Call Start before submitting commands.
func New(cfg Config, log *zap.Logger, registry *symbols.Registry,
	balances BalanceStore, orders OrderStore, trades TradeStore, pub EventPublisher) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		log:      log.Named("engine"),
		registry: registry,
		balances: balances,
		orders:   orders,
		trades:   trades,
		pub:      pub,
		workers:  make(map[string]*worker),
	}
}

// Start creates a worker per registered symbol and hydrates every book from
// the order store before any worker begins accepting commands.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return fmt.Errorf("engine already started")
	}

	pairs := e.registry.List()
	for _, pair := range pairs {
		w := newWorker(pair, e.cfg, e.log, e.balances, e.orders, e.trades, e.pub)
		if err := w.hydrate(ctx); err != nil {
			return err
		}
		e.workers[pair.Symbol] = w
	}
	for _, w := range e.workers {
		go w.run()
	}

	e.started = true
	e.log.Info("matching engine started", zap.Int("symbols", len(pairs)))
	return nil
}

// Stop signals every worker to drain its queue and waits for them, bounded
// by the drain grace period.
func (e *Engine) Stop() {
	for _, w := range e.workers {
		close(w.quit)
	}
	deadline := time.After(e.cfg.DrainGrace + time.Second)
	for _, w := range e.workers {
		select {
		case <-w.stopped:
		case <-deadline:
			e.log.Warn("worker did not drain in time", zap.String("symbol", w.symbol))
		}
	}
	e.log.Info("matching engine stopped")
}

// Halted reports whether any symbol worker has halted on a fatal invariant
// violation. The process exits non-zero when this is set.
func (e *Engine) Halted() bool {
	for _, w := range e.workers {
		if w.halted {
			return true
		}
	}
	return false
}

func (e *Engine) worker(symbol string) (*worker, error) {
	w, ok := e.workers[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return w, nil
}

// Submit enqueues a submit-order command on its symbol's worker and waits
// for the outcome. Returns ErrBusy when the queue is full.
func (e *Engine) Submit(ctx context.Context, req *SubmitRequest) (*models.Order, error) {
	w, err := e.worker(req.Symbol)
	if err != nil {
		return nil, err
	}
	res := w.enqueue(ctx, command{submit: req, reply: make(chan cmdResult, 1)})
	return res.order, res.err
}

// Cancel enqueues a cancel command for the order's symbol. Idempotent:
// cancelling a terminal order succeeds with AlreadyTerminal set.
func (e *Engine) Cancel(ctx context.Context, userID, orderID uuid.UUID) (*CancelResult, error) {
	// Route by the order's symbol; ownership is checked again in the worker.
	order, err := e.orders.Get(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, database.ErrNotFound)
	}

	w, err := e.worker(order.Symbol)
	if err != nil {
		return nil, err
	}
	res := w.enqueue(ctx, command{
		cancel: &cancelRequest{orderID: orderID, userID: userID},
		reply:  make(chan cmdResult, 1),
	})
	if res.err != nil {
		return nil, res.err
	}
	return &CancelResult{Order: res.order, AlreadyTerminal: res.alreadyTerminal}, nil
}

// Depth returns the aggregated book for a symbol, capped per side.
func (e *Engine) Depth(symbol string, limit int) (*orderbook.Depth, error) {
	w, err := e.worker(symbol)
	if err != nil {
		return nil, err
	}
	return w.book.Depth(limit), nil
}
