package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/user/minivenue/internal/database"
	"github.com/user/minivenue/internal/events"
	"github.com/user/minivenue/internal/models"
	"github.com/user/minivenue/internal/orderbook"
	"github.com/user/minivenue/internal/symbols"
)

// BalanceStore is the slice of the ledger the engine needs. The pgx-backed
// store in internal/database implements it; tests use an in-memory fake.
type BalanceStore interface {
	Lock(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal) error
	Unlock(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal) error
	Settle(ctx context.Context, p database.SettleParams) error
}

// OrderStore persists order lifecycle transitions for the engine.
type OrderStore interface {
	Insert(ctx context.Context, order *models.Order) error
	UpdateFill(ctx context.Context, orderID uuid.UUID, newFilled decimal.Decimal) error
	MarkCancelled(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error)
	MarkRejected(ctx context.Context, orderID uuid.UUID, reason string) error
	Get(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error)
	OpenBySymbol(ctx context.Context, symbol string, limit int) ([]*models.Order, error)
}

// TradeStore appends executed fills.
type TradeStore interface {
	Insert(ctx context.Context, trade *models.Trade) error
}

// EventPublisher receives the engine's emissions. Publication never fails
// back into the engine.
type EventPublisher interface {
	Publish(channel events.Channel, symbol string, data any)
}

// SubmitRequest is the submit-order command.
type SubmitRequest struct {
	UserID        uuid.UUID
	ClientOrderID string
	Symbol        string
	Side          models.Side
	Type          models.OrderType
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	IcebergQty    decimal.Decimal
	TimeInForce   models.TimeInForce
}

// CancelResult is the cancel-order command's outcome. AlreadyTerminal marks
// the idempotent path: the order was already in a final state and nothing
// changed.
type CancelResult struct {
	Order           *models.Order
	AlreadyTerminal bool
}

type cancelRequest struct {
	orderID uuid.UUID
	userID  uuid.UUID
}

type cmdResult struct {
	order           *models.Order
	alreadyTerminal bool
	err             error
}

type command struct {
	submit *SubmitRequest
	cancel *cancelRequest
	reply  chan cmdResult
}

// worker is the single writer for one symbol. All book, order, trade and
// balance mutations for the symbol funnel through its command loop; distinct
// symbols run their workers in parallel.
type worker struct {
	symbol string
	pair   symbols.Pair
	cfg    Config
	log    *zap.Logger

	book     *orderbook.Book
	balances BalanceStore
	orders   OrderStore
	trades   TradeStore
	pub      EventPublisher

	cmds    chan command
	quit    chan struct{}
	stopped chan struct{}
	halted  bool // only touched from the command loop
}

func newWorker(pair symbols.Pair, cfg Config, log *zap.Logger,
	balances BalanceStore, orders OrderStore, trades TradeStore, pub EventPublisher) *worker {
	return &worker{
		symbol:   pair.Symbol,
		pair:     pair,
		cfg:      cfg,
		log:      log.With(zap.String("symbol", pair.Symbol)),
		book:     orderbook.New(pair.Symbol),
		balances: balances,
		orders:   orders,
		trades:   trades,
		pub:      pub,
		cmds:     make(chan command, cfg.QueueSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// hydrate rebuilds the book from persisted open orders. Runs before the
// command loop starts accepting.
func (w *worker) hydrate(ctx context.Context) error {
	open, err := w.orders.OpenBySymbol(ctx, w.symbol, w.cfg.HydrationLimit)
	if err != nil {
		return fmt.Errorf("hydrating %s: %w", w.symbol, err)
	}
	for _, o := range open {
		w.book.Insert(o)
	}
	if len(open) > 0 {
		w.log.Info("order book hydrated", zap.Int("orders", len(open)))
	}
	return nil
}

func (w *worker) run() {
	defer close(w.stopped)
	for {
		select {
		case cmd := <-w.cmds:
			w.process(cmd)
		case <-w.quit:
			w.drain()
			return
		}
	}
}

// drain keeps processing queued commands after shutdown begins, up to the
// grace period, so accepted commands are not dropped.
func (w *worker) drain() {
	deadline := time.NewTimer(w.cfg.DrainGrace)
	defer deadline.Stop()
	for {
		select {
		case cmd := <-w.cmds:
			w.process(cmd)
		case <-deadline.C:
			return
		default:
			return
		}
	}
}

func (w *worker) enqueue(ctx context.Context, cmd command) cmdResult {
	select {
	case <-w.quit:
		return cmdResult{err: ErrBusy}
	default:
	}

	select {
	case w.cmds <- cmd:
	default:
		return cmdResult{err: ErrBusy}
	}

	select {
	case res := <-cmd.reply:
		return res
	case <-ctx.Done():
		// The command stays queued and will still execute; the caller just
		// stopped waiting for the answer.
		return cmdResult{err: ctx.Err()}
	}
}

func (w *worker) process(cmd command) {
	if w.halted {
		cmd.reply <- cmdResult{err: ErrHalted}
		return
	}
	switch {
	case cmd.submit != nil:
		order, err := w.handleSubmit(cmd.submit)
		cmd.reply <- cmdResult{order: order, err: err}
	case cmd.cancel != nil:
		res, err := w.handleCancel(cmd.cancel)
		if res == nil {
			cmd.reply <- cmdResult{err: err}
		} else {
			cmd.reply <- cmdResult{order: res.Order, alreadyTerminal: res.AlreadyTerminal, err: err}
		}
	}
}

// storeCtx bounds one persistence or balance-store call.
func (w *worker) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), w.cfg.CommandTimeout)
}

// snapshot returns a copy safe to hand to the publisher while the engine
// keeps mutating the original.
func snapshot(o *models.Order) *models.Order {
	cp := *o
	return &cp
}

func (w *worker) emitOrder(o *models.Order) {
	w.pub.Publish(events.ChannelOrder, w.symbol, snapshot(o))
}

func (w *worker) emitDepth() {
	w.pub.Publish(events.ChannelDepth, w.symbol, w.book.Depth(w.cfg.DepthLevels))
}

// validate checks a submit request. Validation failures surface to the
// caller without creating an order.
func (w *worker) validate(req *SubmitRequest) error {
	if req.Quantity.Sign() <= 0 {
		return fmt.Errorf("quantity must be positive: %w", ErrValidation)
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return fmt.Errorf("invalid side %q: %w", req.Side, ErrValidation)
	}
	switch req.Type {
	case models.TypeLimit:
		if req.Price.Sign() <= 0 {
			return fmt.Errorf("limit orders require a positive price: %w", ErrValidation)
		}
	case models.TypeMarket:
		if !req.Price.IsZero() {
			return fmt.Errorf("market orders must not carry a price: %w", ErrValidation)
		}
	case models.TypeStop, models.TypeStopLimit:
		if req.StopPrice.Sign() <= 0 {
			return fmt.Errorf("stop orders require a positive stop price: %w", ErrValidation)
		}
	default:
		return fmt.Errorf("invalid order type %q: %w", req.Type, ErrValidation)
	}
	switch req.TimeInForce {
	case models.TIFGoodTillCancel, models.TIFImmediateOrCancel, models.TIFFillOrKill:
	case "":
	default:
		return fmt.Errorf("invalid time in force %q: %w", req.TimeInForce, ErrValidation)
	}
	return nil
}

// rejectOrder persists a rejected order so the user can retrieve it, and
// emits the update. Rejected orders never touch the book or the ledger.
func (w *worker) rejectOrder(req *SubmitRequest, reason string) (*models.Order, error) {
	order := w.orderFromRequest(req)
	order.Status = models.StatusRejected
	order.RejectReason = reason

	ctx, cancel := w.storeCtx()
	defer cancel()
	if err := w.orders.Insert(ctx, order); err != nil {
		return nil, err
	}
	w.emitOrder(order)
	return order, nil
}

func (w *worker) orderFromRequest(req *SubmitRequest) *models.Order {
	tif := req.TimeInForce
	if tif == "" {
		tif = models.TIFGoodTillCancel
	}
	if req.Type == models.TypeMarket && tif == models.TIFGoodTillCancel {
		// Market orders never rest; GTC degenerates to IOC.
		tif = models.TIFImmediateOrCancel
	}
	return &models.Order{
		UserID:        req.UserID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        w.symbol,
		Type:          req.Type,
		Side:          req.Side,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		FilledQty:     decimal.Zero,
		IcebergQty:    req.IcebergQty,
		Status:        models.StatusOpen,
		TimeInForce:   tif,
	}
}

// lockRequirement computes what to reserve before the order may match.
func (w *worker) lockRequirement(req *SubmitRequest) (asset string, amount decimal.Decimal, capPrice decimal.Decimal, err error) {
	if req.Side == models.SideSell {
		return w.pair.Base, req.Quantity, decimal.Zero, nil
	}
	if req.Type == models.TypeLimit {
		return w.pair.Quote, req.Price.Mul(req.Quantity), decimal.Zero, nil
	}
	// Market buy: pre-lock a slippage-capped quote amount anchored at the
	// current best ask.
	bestAsk, ok := w.book.BestAsk()
	if !ok {
		return "", decimal.Zero, decimal.Zero, fmt.Errorf("no resting liquidity for market buy")
	}
	capPrice = bestAsk.Mul(w.cfg.SlippageCap)
	return w.pair.Quote, capPrice.Mul(req.Quantity), capPrice, nil
}

// marketSellFloor anchors the lowest acceptable bid for a market sell at the
// best bid present at submission, divided by the slippage cap.
func (w *worker) marketSellFloor() (decimal.Decimal, error) {
	bestBid, ok := w.book.BestBid()
	if !ok {
		return decimal.Zero, fmt.Errorf("no resting liquidity for market sell")
	}
	return bestBid.DivRound(w.cfg.SlippageCap, FeeScale), nil
}

func (w *worker) handleSubmit(req *SubmitRequest) (*models.Order, error) {
	if err := w.validate(req); err != nil {
		return nil, err
	}
	if req.Type == models.TypeStop || req.Type == models.TypeStopLimit {
		order, err := w.rejectOrder(req, "stop orders are not accepted on this venue")
		if err != nil {
			return nil, err
		}
		return order, fmt.Errorf("stop orders are not accepted: %w", ErrValidation)
	}

	lockAsset, lockAmount, capPrice, liqErr := w.lockRequirement(req)
	if liqErr == nil && req.Type == models.TypeMarket && req.Side == models.SideSell {
		capPrice, liqErr = w.marketSellFloor()
	}
	if liqErr != nil {
		order, err := w.rejectOrder(req, liqErr.Error())
		if err != nil {
			return nil, err
		}
		return order, fmt.Errorf("%s: %w", liqErr, database.ErrInsufficientFunds)
	}

	// FOK: the whole quantity must be fillable at acceptable prices before
	// anything is applied. No insertion, no lock on failure.
	if req.TimeInForce == models.TIFFillOrKill {
		var limit *decimal.Decimal
		if req.Type == models.TypeLimit {
			limit = &req.Price
		} else {
			limit = &capPrice
		}
		available := w.book.SumRemainingWithin(req.Side.Opposite(), limit)
		if available.LessThan(req.Quantity) {
			order, err := w.rejectOrder(req, "fill-or-kill: insufficient liquidity")
			if err != nil {
				return nil, err
			}
			return order, fmt.Errorf("fill-or-kill liquidity %s < %s: %w",
				available, req.Quantity, database.ErrInsufficientFunds)
		}
	}

	// Reserve funds. The per-command timeout bounds this wait; pgx aborts
	// the transaction on deadline, so an unfinished lock is rolled back.
	lockCtx, cancelLock := w.storeCtx()
	err := w.balances.Lock(lockCtx, req.UserID, lockAsset, lockAmount)
	cancelLock()
	if err != nil {
		if errors.Is(err, database.ErrInsufficientFunds) {
			order, rejErr := w.rejectOrder(req, fmt.Sprintf("insufficient %s balance", lockAsset))
			if rejErr != nil {
				return nil, rejErr
			}
			return order, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("locking %s %s: %w", lockAmount, lockAsset, ErrTimedOut)
		}
		return nil, fmt.Errorf("locking %s %s: %w", lockAmount, lockAsset, err)
	}

	order := w.orderFromRequest(req)
	insCtx, cancelIns := w.storeCtx()
	err = w.orders.Insert(insCtx, order)
	cancelIns()
	if err != nil {
		w.unlock(req.UserID, lockAsset, lockAmount)
		return nil, err
	}
	w.emitOrder(order)

	spent, matchErr := w.matchLoop(order, capPrice)
	if matchErr != nil {
		return snapshot(order), matchErr
	}

	w.settleResidual(order, lockAmount, spent)
	w.emitDepth()
	return snapshot(order), nil
}

// matchLoop walks the opposite side of the book while the incoming order
// still crosses. The resting order is always the maker and sets the trade
// price; price improvement accrues to the taker. Returns the quote amount
// the taker's fills consumed (buy-side lock accounting).
func (w *worker) matchLoop(taker *models.Order, capPrice decimal.Decimal) (decimal.Decimal, error) {
	spent := decimal.Zero

	for taker.Remaining().Sign() > 0 {
		maker := w.book.PeekTop(taker.Side.Opposite())
		if maker == nil {
			break
		}
		if !w.crosses(taker, maker.Price, capPrice) {
			break
		}

		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		price := maker.Price

		buyer, seller := taker, maker
		if taker.Side == models.SideSell {
			buyer, seller = maker, taker
		}
		buyerFee := qty.Mul(w.cfg.FeeRate).RoundBank(FeeScale)
		sellerFee := qty.Mul(price).Mul(w.cfg.FeeRate).RoundBank(FeeScale)

		// Settlement is the point of no return for this fill: balances move
		// first, in one transaction. If it fails nothing else is applied and
		// the book is exactly as it was.
		settleCtx, cancelSettle := w.storeCtx()
		err := w.balances.Settle(settleCtx, database.SettleParams{
			Buyer:      buyer.UserID,
			Seller:     seller.UserID,
			Base:       w.pair.Base,
			Quote:      w.pair.Quote,
			Qty:        qty,
			Price:      price,
			BuyerFee:   buyerFee,
			SellerFee:  sellerFee,
			FeeAccount: w.cfg.FeeAccount,
		})
		cancelSettle()
		if err != nil {
			if errors.Is(err, database.ErrInvariantViolation) {
				w.halt(taker, maker, qty, price, err)
				return spent, err
			}
			w.log.Error("settlement failed, aborting match",
				zap.String("taker", taker.ID.String()), zap.String("maker", maker.ID.String()),
				zap.Error(err))
			return spent, fmt.Errorf("settling %s @ %s: %w", qty, price, err)
		}

		w.applyFill(maker, qty)
		w.applyFill(taker, qty)
		spent = spent.Add(qty.Mul(price))

		trade := &models.Trade{
			Symbol:         w.symbol,
			MakerOrderID:   maker.ID,
			TakerOrderID:   taker.ID,
			BuyerUserID:    buyer.UserID,
			SellerUserID:   seller.UserID,
			Price:          price,
			Quantity:       qty,
			BuyerFee:       buyerFee,
			SellerFee:      sellerFee,
			BuyerFeeAsset:  w.pair.Base,
			SellerFeeAsset: w.pair.Quote,
			BuyerIsMaker:   maker.Side == models.SideBuy,
		}
		tradeCtx, cancelTrade := w.storeCtx()
		if err := w.trades.Insert(tradeCtx, trade); err != nil {
			// Balances and fills are already committed; the fill happened.
			w.log.Error("failed to record trade", zap.Error(err),
				zap.String("maker", maker.ID.String()), zap.String("taker", taker.ID.String()))
		}
		cancelTrade()

		if maker.Remaining().Sign() == 0 {
			w.book.Remove(maker.ID)
		}

		w.emitOrder(maker)
		w.emitOrder(taker)
		w.pub.Publish(events.ChannelTrade, w.symbol, trade)
	}

	return spent, nil
}

// crosses reports whether the incoming order is willing to trade at the
// maker's price. Market orders are bounded by the slippage cap instead of a
// limit price.
func (w *worker) crosses(taker *models.Order, makerPrice, capPrice decimal.Decimal) bool {
	if taker.Type == models.TypeMarket {
		if taker.Side == models.SideBuy {
			return makerPrice.LessThanOrEqual(capPrice)
		}
		// Market sell: capPrice is the floor anchored at submission time.
		return makerPrice.GreaterThanOrEqual(capPrice)
	}
	if taker.Side == models.SideBuy {
		return makerPrice.LessThanOrEqual(taker.Price)
	}
	return makerPrice.GreaterThanOrEqual(taker.Price)
}

// applyFill advances an order's filled quantity in the store and mirrors the
// transition in memory so book entries and emitted snapshots agree.
func (w *worker) applyFill(o *models.Order, qty decimal.Decimal) {
	o.FilledQty = o.FilledQty.Add(qty)

	ctx, cancel := w.storeCtx()
	defer cancel()
	if err := w.orders.UpdateFill(ctx, o.ID, o.FilledQty); err != nil {
		w.log.Error("failed to persist fill", zap.String("order", o.ID.String()),
			zap.String("filled", o.FilledQty.String()), zap.Error(err))
	}

	now := time.Now().UTC()
	o.UpdatedAt = now
	if o.Remaining().Sign() == 0 {
		o.Status = models.StatusFilled
		o.ClosedAt = &now
	} else {
		o.Status = models.StatusPartiallyFilled
	}
}

// settleResidual resolves whatever is left of the taker after the matching
// loop: rest it, cancel it, or reject it, and release any quote locked
// beyond what the fills consumed.
func (w *worker) settleResidual(order *models.Order, lockAmount, spent decimal.Decimal) {
	remaining := order.Remaining()

	if remaining.Sign() == 0 {
		// Fully filled. A buy that filled below its limit (or below the
		// market cap) still holds the difference; release it.
		if order.Side == models.SideBuy {
			w.unlockExcess(order, lockAmount.Sub(spent))
		}
		return
	}

	rests := order.Type == models.TypeLimit && order.TimeInForce == models.TIFGoodTillCancel
	if rests {
		w.book.Insert(order)
		if order.Side == models.SideBuy {
			// Keep price*remaining locked for the resting part; release the
			// price improvement on the filled part.
			w.unlockExcess(order, lockAmount.Sub(spent).Sub(order.Price.Mul(remaining)))
		}
		return
	}

	// IOC residual cancels; an untouched market order is rejected outright
	// (market orders never rest, and one that could not fill at all never
	// really happened).
	if order.Side == models.SideBuy {
		w.unlockExcess(order, lockAmount.Sub(spent))
	} else {
		w.unlockExcess(order, remaining)
	}

	ctx, cancel := w.storeCtx()
	defer cancel()
	now := time.Now().UTC()
	if order.Type == models.TypeMarket && order.FilledQty.Sign() == 0 {
		if err := w.orders.MarkRejected(ctx, order.ID, "market order found no liquidity within the slippage cap"); err != nil {
			w.log.Error("failed to reject market residual", zap.String("order", order.ID.String()), zap.Error(err))
			return
		}
		order.Status = models.StatusRejected
		order.RejectReason = "market order found no liquidity within the slippage cap"
	} else {
		if _, err := w.orders.MarkCancelled(ctx, order.ID, order.UserID); err != nil {
			w.log.Error("failed to cancel residual", zap.String("order", order.ID.String()), zap.Error(err))
			return
		}
		order.Status = models.StatusCancelled
	}
	order.UpdatedAt = now
	order.ClosedAt = &now
	w.emitOrder(order)
}

// unlockExcess releases surplus locked funds for the order's locked asset.
// Amount may legitimately be zero.
func (w *worker) unlockExcess(order *models.Order, amount decimal.Decimal) {
	if amount.Sign() <= 0 {
		return
	}
	asset := w.pair.Base
	if order.Side == models.SideBuy {
		asset = w.pair.Quote
	}
	w.unlock(order.UserID, asset, amount)
}

func (w *worker) unlock(userID uuid.UUID, asset string, amount decimal.Decimal) {
	ctx, cancel := w.storeCtx()
	defer cancel()
	if err := w.balances.Unlock(ctx, userID, asset, amount); err != nil {
		if errors.Is(err, database.ErrInvariantViolation) {
			w.haltWith(err, zap.String("user", userID.String()),
				zap.String("asset", asset), zap.String("amount", amount.String()))
			return
		}
		w.log.Error("failed to unlock funds", zap.String("user", userID.String()),
			zap.String("asset", asset), zap.String("amount", amount.String()), zap.Error(err))
	}
}

func (w *worker) handleCancel(req *cancelRequest) (*CancelResult, error) {
	getCtx, cancelGet := w.storeCtx()
	order, err := w.orders.Get(getCtx, req.orderID, req.userID)
	cancelGet()
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", req.orderID, database.ErrNotFound)
	}
	if order.Status.Terminal() {
		// Idempotent: re-cancelling a finished order succeeds with no change.
		return &CancelResult{Order: order, AlreadyTerminal: true}, nil
	}

	markCtx, cancelMark := w.storeCtx()
	pre, err := w.orders.MarkCancelled(markCtx, req.orderID, req.userID)
	cancelMark()
	if err != nil {
		if errors.Is(err, database.ErrNotCancellable) && pre != nil {
			return &CancelResult{Order: pre, AlreadyTerminal: true}, nil
		}
		return nil, err
	}

	w.book.Remove(order.ID)

	remaining := pre.Quantity.Sub(pre.FilledQty)
	if remaining.Sign() > 0 {
		if pre.Side == models.SideBuy {
			w.unlock(pre.UserID, w.pair.Quote, pre.Price.Mul(remaining))
		} else {
			w.unlock(pre.UserID, w.pair.Base, remaining)
		}
	}

	now := time.Now().UTC()
	pre.Status = models.StatusCancelled
	pre.UpdatedAt = now
	pre.ClosedAt = &now
	w.emitOrder(pre)
	w.emitDepth()

	return &CancelResult{Order: pre}, nil
}

// halt records a fatal accounting failure with full context and stops the
// worker. Requires manual intervention; queued and future commands for this
// symbol fail with ErrHalted.
func (w *worker) halt(taker, maker *models.Order, qty, price decimal.Decimal, err error) {
	w.haltWith(err,
		zap.String("taker", taker.ID.String()),
		zap.String("taker_user", taker.UserID.String()),
		zap.String("maker", maker.ID.String()),
		zap.String("maker_user", maker.UserID.String()),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()),
		zap.String("taker_filled", taker.FilledQty.String()),
		zap.String("maker_filled", maker.FilledQty.String()),
	)
}

func (w *worker) haltWith(err error, fields ...zap.Field) {
	w.halted = true
	fields = append(fields, zap.Error(err))
	w.log.Error("FATAL: balance invariant violated, halting symbol engine", fields...)
}
