package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/user/minivenue/internal/database"
	"github.com/user/minivenue/internal/events"
	"github.com/user/minivenue/internal/models"
	"github.com/user/minivenue/internal/symbols"
)

var feeAccount = uuid.MustParse("00000000-0000-0000-0000-00000000feee")

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type testVenue struct {
	eng      *Engine
	balances *memBalances
	orders   *memOrders
	trades   *memTrades
	pub      *memPublisher
}

func newTestVenue(t *testing.T, balances BalanceStore, mem *memBalances) *testVenue {
	t.Helper()

	registry := symbols.NewRegistry()
	if err := registry.Register("BTCUSDT", "BTC", "USDT"); err != nil {
		t.Fatalf("register symbol: %v", err)
	}

	orders := newMemOrders()
	trades := newMemTrades()
	pub := newMemPublisher()

	eng := New(Config{FeeAccount: feeAccount}, zap.NewNop(), registry, balances, orders, trades, pub)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(eng.Stop)

	return &testVenue{eng: eng, balances: mem, orders: orders, trades: trades, pub: pub}
}

func newVenue(t *testing.T) *testVenue {
	mem := newMemBalances()
	return newTestVenue(t, mem, mem)
}

func (v *testVenue) submit(t *testing.T, user uuid.UUID, side models.Side, typ models.OrderType,
	price, qty string, tif models.TimeInForce) (*models.Order, error) {
	t.Helper()
	return v.eng.Submit(context.Background(), &SubmitRequest{
		UserID:      user,
		Symbol:      "BTCUSDT",
		Side:        side,
		Type:        typ,
		Price:       d(price),
		Quantity:    d(qty),
		TimeInForce: tif,
	})
}

func (v *testVenue) mustSubmit(t *testing.T, user uuid.UUID, side models.Side, typ models.OrderType,
	price, qty string, tif models.TimeInForce) *models.Order {
	t.Helper()
	order, err := v.submit(t, user, side, typ, price, qty, tif)
	if err != nil {
		t.Fatalf("submit %s %s %s@%s: %v", side, typ, qty, price, err)
	}
	return order
}

func wantDecimal(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func TestSimpleCross(t *testing.T) {
	v := newVenue(t)
	sellerA := uuid.New()
	buyerB := uuid.New()
	v.balances.fund(sellerA, "BTC", d("1"))
	v.balances.fund(buyerB, "USDT", d("30000"))

	btcBefore := v.balances.totalSupply("BTC")
	usdtBefore := v.balances.totalSupply("USDT")

	sell := v.mustSubmit(t, sellerA, models.SideSell, models.TypeLimit, "30000", "1", models.TIFGoodTillCancel)
	buy := v.mustSubmit(t, buyerB, models.SideBuy, models.TypeLimit, "30000", "1", models.TIFGoodTillCancel)

	trades := v.trades.all()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	wantDecimal(t, "trade price", tr.Price, d("30000"))
	wantDecimal(t, "trade qty", tr.Quantity, d("1"))
	if tr.MakerOrderID != sell.ID || tr.TakerOrderID != buy.ID {
		t.Errorf("maker/taker = %s/%s, want %s/%s", tr.MakerOrderID, tr.TakerOrderID, sell.ID, buy.ID)
	}
	if tr.BuyerIsMaker {
		t.Error("buyer was the aggressor, BuyerIsMaker should be false")
	}

	aFreeBTC, aLockedBTC := v.balances.balance(sellerA, "BTC")
	aFreeUSDT, _ := v.balances.balance(sellerA, "USDT")
	wantDecimal(t, "seller free BTC", aFreeBTC, d("0"))
	wantDecimal(t, "seller locked BTC", aLockedBTC, d("0"))
	wantDecimal(t, "seller free USDT", aFreeUSDT, d("29970"))

	bFreeBTC, _ := v.balances.balance(buyerB, "BTC")
	bFreeUSDT, bLockedUSDT := v.balances.balance(buyerB, "USDT")
	wantDecimal(t, "buyer free BTC", bFreeBTC, d("0.999"))
	wantDecimal(t, "buyer free USDT", bFreeUSDT, d("0"))
	wantDecimal(t, "buyer locked USDT", bLockedUSDT, d("0"))

	// Conservation: commission only moved supply to the fee account.
	wantDecimal(t, "BTC supply", v.balances.totalSupply("BTC"), btcBefore)
	wantDecimal(t, "USDT supply", v.balances.totalSupply("USDT"), usdtBefore)
	feeBTC, _ := v.balances.balance(feeAccount, "BTC")
	feeUSDT, _ := v.balances.balance(feeAccount, "USDT")
	wantDecimal(t, "fee BTC", feeBTC, d("0.001"))
	wantDecimal(t, "fee USDT", feeUSDT, d("30"))

	if !v.balances.nonNegative() {
		t.Error("a balance went negative")
	}
}

func TestPartialFill(t *testing.T) {
	v := newVenue(t)
	sellerA := uuid.New()
	buyerB := uuid.New()
	v.balances.fund(sellerA, "BTC", d("2"))
	v.balances.fund(buyerB, "USDT", d("100"))

	sell := v.mustSubmit(t, sellerA, models.SideSell, models.TypeLimit, "100", "2", models.TIFGoodTillCancel)
	buy := v.mustSubmit(t, buyerB, models.SideBuy, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)

	trades := v.trades.all()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	wantDecimal(t, "trade qty", trades[0].Quantity, d("1"))
	wantDecimal(t, "trade price", trades[0].Price, d("100"))

	sellNow, _ := v.orders.Get(context.Background(), sell.ID, sellerA)
	if sellNow.Status != models.StatusPartiallyFilled {
		t.Errorf("seller status = %s, want partially_filled", sellNow.Status)
	}
	wantDecimal(t, "seller filled", sellNow.FilledQty, d("1"))

	buyNow, _ := v.orders.Get(context.Background(), buy.ID, buyerB)
	if buyNow.Status != models.StatusFilled {
		t.Errorf("buyer status = %s, want filled", buyNow.Status)
	}

	// Seller's remainder stays at the top of the asks.
	depth, err := v.eng.Depth("BTCUSDT", 10)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if len(depth.Asks) != 1 {
		t.Fatalf("expected 1 ask level, got %d", len(depth.Asks))
	}
	wantDecimal(t, "top ask price", depth.Asks[0].Price, d("100"))
	wantDecimal(t, "top ask qty", depth.Asks[0].Quantity, d("1"))
	if len(depth.Bids) != 0 {
		t.Errorf("expected empty bids, got %d levels", len(depth.Bids))
	}
}

func TestPricePriority(t *testing.T) {
	v := newVenue(t)
	seller1 := uuid.New()
	seller2 := uuid.New()
	buyer := uuid.New()
	v.balances.fund(seller1, "BTC", d("1"))
	v.balances.fund(seller2, "BTC", d("1"))
	v.balances.fund(buyer, "USDT", d("101"))

	v.mustSubmit(t, seller1, models.SideSell, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)
	v.mustSubmit(t, seller2, models.SideSell, models.TypeLimit, "99", "1", models.TIFGoodTillCancel)
	v.mustSubmit(t, buyer, models.SideBuy, models.TypeLimit, "101", "1", models.TIFGoodTillCancel)

	trades := v.trades.all()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	// Best-priced ask wins and sets the price: improvement goes to the taker.
	wantDecimal(t, "trade price", trades[0].Price, d("99"))
	if trades[0].SellerUserID != seller2 {
		t.Error("trade should have matched the better-priced seller")
	}

	depth, _ := v.eng.Depth("BTCUSDT", 10)
	if len(depth.Asks) != 1 {
		t.Fatalf("expected 1 remaining ask level, got %d", len(depth.Asks))
	}
	wantDecimal(t, "top of asks after", depth.Asks[0].Price, d("100"))

	// The taker paid 99, not its 101 limit; the unused lock came back free.
	freeUSDT, lockedUSDT := v.balances.balance(buyer, "USDT")
	wantDecimal(t, "buyer locked USDT", lockedUSDT, d("0"))
	wantDecimal(t, "buyer free USDT", freeUSDT, d("2"))
}

func TestTimePriority(t *testing.T) {
	v := newVenue(t)
	early := uuid.New()
	late := uuid.New()
	buyer := uuid.New()
	v.balances.fund(early, "BTC", d("1"))
	v.balances.fund(late, "BTC", d("1"))
	v.balances.fund(buyer, "USDT", d("100"))

	first := v.mustSubmit(t, early, models.SideSell, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)
	v.mustSubmit(t, late, models.SideSell, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)
	v.mustSubmit(t, buyer, models.SideBuy, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)

	trades := v.trades.all()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].SellerUserID != early {
		t.Error("equal-priced orders must match the earlier seller first")
	}
	if trades[0].MakerOrderID != first.ID {
		t.Errorf("maker = %s, want the earlier order %s", trades[0].MakerOrderID, first.ID)
	}
}

func TestInsufficientFundsRejection(t *testing.T) {
	v := newVenue(t)
	buyer := uuid.New() // zero USDT

	order, err := v.submit(t, buyer, models.SideBuy, models.TypeLimit, "30000", "1", models.TIFGoodTillCancel)
	if !errors.Is(err, database.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if order == nil || order.Status != models.StatusRejected {
		t.Fatalf("rejected order must be persisted and returned, got %+v", order)
	}
	if order.RejectReason == "" {
		t.Error("rejected order should carry a reason")
	}

	depth, _ := v.eng.Depth("BTCUSDT", 10)
	if len(depth.Bids) != 0 || len(depth.Asks) != 0 {
		t.Error("rejection must not touch the book")
	}
	free, locked := v.balances.balance(buyer, "USDT")
	wantDecimal(t, "free", free, d("0"))
	wantDecimal(t, "locked", locked, d("0"))

	if len(v.trades.all()) != 0 {
		t.Error("rejection must not trade")
	}
}

func TestIOCResidualCancelled(t *testing.T) {
	v := newVenue(t)
	seller := uuid.New()
	buyer := uuid.New()
	v.balances.fund(seller, "BTC", d("1"))
	v.balances.fund(buyer, "USDT", d("200"))

	v.mustSubmit(t, seller, models.SideSell, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)
	buy := v.mustSubmit(t, buyer, models.SideBuy, models.TypeLimit, "100", "2", models.TIFImmediateOrCancel)

	trades := v.trades.all()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	wantDecimal(t, "trade qty", trades[0].Quantity, d("1"))
	wantDecimal(t, "trade price", trades[0].Price, d("100"))

	buyNow, _ := v.orders.Get(context.Background(), buy.ID, buyer)
	if buyNow.Status != models.StatusCancelled {
		t.Errorf("IOC residual status = %s, want cancelled", buyNow.Status)
	}
	wantDecimal(t, "IOC filled", buyNow.FilledQty, d("1"))

	depth, _ := v.eng.Depth("BTCUSDT", 10)
	if len(depth.Asks) != 0 {
		t.Error("asks should be empty after the IOC sweep")
	}
	if len(depth.Bids) != 0 {
		t.Error("IOC residual must not rest on the bids")
	}

	// The unfilled half's lock is back in free.
	free, locked := v.balances.balance(buyer, "USDT")
	wantDecimal(t, "buyer locked USDT", locked, d("0"))
	wantDecimal(t, "buyer free USDT", free, d("100"))
}

func TestCancelUnlocks(t *testing.T) {
	v := newVenue(t)
	buyer := uuid.New()
	v.balances.fund(buyer, "USDT", d("150"))

	order := v.mustSubmit(t, buyer, models.SideBuy, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)

	free, locked := v.balances.balance(buyer, "USDT")
	wantDecimal(t, "free after lock", free, d("50"))
	wantDecimal(t, "locked after lock", locked, d("100"))

	res, err := v.eng.Cancel(context.Background(), buyer, order.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.AlreadyTerminal {
		t.Error("first cancel should not be already-terminal")
	}
	if res.Order.Status != models.StatusCancelled {
		t.Errorf("status = %s, want cancelled", res.Order.Status)
	}

	free, locked = v.balances.balance(buyer, "USDT")
	wantDecimal(t, "free after cancel", free, d("150"))
	wantDecimal(t, "locked after cancel", locked, d("0"))

	depth, _ := v.eng.Depth("BTCUSDT", 10)
	if len(depth.Bids) != 0 {
		t.Error("cancelled order must leave the book")
	}
}

func TestIdempotentCancel(t *testing.T) {
	v := newVenue(t)
	buyer := uuid.New()
	v.balances.fund(buyer, "USDT", d("100"))

	order := v.mustSubmit(t, buyer, models.SideBuy, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)

	if _, err := v.eng.Cancel(context.Background(), buyer, order.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	free1, locked1 := v.balances.balance(buyer, "USDT")

	res, err := v.eng.Cancel(context.Background(), buyer, order.ID)
	if err != nil {
		t.Fatalf("second cancel must succeed idempotently: %v", err)
	}
	if !res.AlreadyTerminal {
		t.Error("second cancel should report already-terminal")
	}

	free2, locked2 := v.balances.balance(buyer, "USDT")
	wantDecimal(t, "free unchanged", free2, free1)
	wantDecimal(t, "locked unchanged", locked2, locked1)
}

func TestCancelForeignOrder(t *testing.T) {
	v := newVenue(t)
	owner := uuid.New()
	stranger := uuid.New()
	v.balances.fund(owner, "USDT", d("100"))

	order := v.mustSubmit(t, owner, models.SideBuy, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)

	if _, err := v.eng.Cancel(context.Background(), stranger, order.ID); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for a foreign order", err)
	}
}

func TestFOKRejectsWithoutFullLiquidity(t *testing.T) {
	v := newVenue(t)
	seller := uuid.New()
	buyer := uuid.New()
	v.balances.fund(seller, "BTC", d("1"))
	v.balances.fund(buyer, "USDT", d("1000"))

	v.mustSubmit(t, seller, models.SideSell, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)

	order, err := v.submit(t, buyer, models.SideBuy, models.TypeLimit, "100", "2", models.TIFFillOrKill)
	if !errors.Is(err, database.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want liquidity rejection", err)
	}
	if order == nil || order.Status != models.StatusRejected {
		t.Fatalf("FOK rejection must persist a rejected order, got %+v", order)
	}

	// Nothing locked, nothing traded, book untouched.
	free, locked := v.balances.balance(buyer, "USDT")
	wantDecimal(t, "free", free, d("1000"))
	wantDecimal(t, "locked", locked, d("0"))
	if len(v.trades.all()) != 0 {
		t.Error("FOK rejection must not trade")
	}
	depth, _ := v.eng.Depth("BTCUSDT", 10)
	if len(depth.Asks) != 1 {
		t.Error("resting ask must survive a FOK rejection")
	}
}

func TestFOKFillsWhenLiquiditySuffices(t *testing.T) {
	v := newVenue(t)
	seller := uuid.New()
	buyer := uuid.New()
	v.balances.fund(seller, "BTC", d("2"))
	v.balances.fund(buyer, "USDT", d("200"))

	v.mustSubmit(t, seller, models.SideSell, models.TypeLimit, "100", "2", models.TIFGoodTillCancel)
	buy := v.mustSubmit(t, buyer, models.SideBuy, models.TypeLimit, "100", "2", models.TIFFillOrKill)

	if buy.Status != models.StatusFilled {
		t.Errorf("status = %s, want filled", buy.Status)
	}
	wantDecimal(t, "filled", buy.FilledQty, d("2"))
}

func TestMarketBuyWalksAsksWithinSlippageCap(t *testing.T) {
	v := newVenue(t)
	s1 := uuid.New()
	s2 := uuid.New()
	buyer := uuid.New()
	v.balances.fund(s1, "BTC", d("1"))
	v.balances.fund(s2, "BTC", d("1"))
	v.balances.fund(buyer, "USDT", d("1000"))

	v.mustSubmit(t, s1, models.SideSell, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)
	v.mustSubmit(t, s2, models.SideSell, models.TypeLimit, "110", "1", models.TIFGoodTillCancel)

	// Cap = 100 * 1.05 = 105: the 110 level is out of reach, the residual
	// cancels instead of resting.
	buy := v.mustSubmit(t, buyer, models.SideBuy, models.TypeMarket, "0", "2", models.TIFImmediateOrCancel)

	trades := v.trades.all()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	wantDecimal(t, "trade price", trades[0].Price, d("100"))

	if buy.Status != models.StatusCancelled {
		t.Errorf("market residual status = %s, want cancelled", buy.Status)
	}
	wantDecimal(t, "filled", buy.FilledQty, d("1"))

	// The whole slippage-capped lock is released minus what the fill spent.
	free, locked := v.balances.balance(buyer, "USDT")
	wantDecimal(t, "buyer locked USDT", locked, d("0"))
	wantDecimal(t, "buyer free USDT", free, d("900"))

	depth, _ := v.eng.Depth("BTCUSDT", 10)
	if len(depth.Bids) != 0 {
		t.Error("market orders must never rest")
	}
}

func TestMarketBuyEmptyBookRejected(t *testing.T) {
	v := newVenue(t)
	buyer := uuid.New()
	v.balances.fund(buyer, "USDT", d("1000"))

	order, err := v.submit(t, buyer, models.SideBuy, models.TypeMarket, "0", "1", models.TIFImmediateOrCancel)
	if err == nil {
		t.Fatal("market buy into an empty book must be rejected")
	}
	if order == nil || order.Status != models.StatusRejected {
		t.Fatalf("want a persisted rejected order, got %+v", order)
	}
	free, locked := v.balances.balance(buyer, "USDT")
	wantDecimal(t, "free", free, d("1000"))
	wantDecimal(t, "locked", locked, d("0"))
}

func TestDuplicateClientOrderIDUnlocks(t *testing.T) {
	v := newVenue(t)
	buyer := uuid.New()
	v.balances.fund(buyer, "USDT", d("500"))

	req := &SubmitRequest{
		UserID:        buyer,
		Symbol:        "BTCUSDT",
		Side:          models.SideBuy,
		Type:          models.TypeLimit,
		Price:         d("100"),
		Quantity:      d("1"),
		TimeInForce:   models.TIFGoodTillCancel,
		ClientOrderID: "dup-1",
	}
	if _, err := v.eng.Submit(context.Background(), req); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err := v.eng.Submit(context.Background(), req)
	if !errors.Is(err, database.ErrDuplicateClientOrderID) {
		t.Fatalf("err = %v, want ErrDuplicateClientOrderID", err)
	}

	// Only the first order's lock remains.
	free, locked := v.balances.balance(buyer, "USDT")
	wantDecimal(t, "free", free, d("400"))
	wantDecimal(t, "locked", locked, d("100"))
}

func TestHaltOnSettlementInvariantViolation(t *testing.T) {
	mem := newMemBalances()
	fb := &failingBalances{memBalances: mem}
	v := newTestVenue(t, fb, mem)

	seller := uuid.New()
	buyer := uuid.New()
	mem.fund(seller, "BTC", d("1"))
	mem.fund(buyer, "USDT", d("100"))

	v.mustSubmit(t, seller, models.SideSell, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)

	fb.failSettle = true
	_, err := v.submit(t, buyer, models.SideBuy, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)
	if !errors.Is(err, database.ErrInvariantViolation) {
		t.Fatalf("err = %v, want ErrInvariantViolation", err)
	}
	if !v.eng.Halted() {
		t.Fatal("engine must report halted after an invariant violation")
	}

	// No fill was applied and no trade recorded.
	if len(v.trades.all()) != 0 {
		t.Error("aborted match must not record a trade")
	}
	depth, _ := v.eng.Depth("BTCUSDT", 10)
	if len(depth.Asks) != 1 {
		t.Error("aborted match must leave the book unchanged")
	}

	// The symbol stops serving commands.
	if _, err := v.submit(t, buyer, models.SideBuy, models.TypeLimit, "1", "1", models.TIFGoodTillCancel); !errors.Is(err, ErrHalted) {
		t.Fatalf("err = %v, want ErrHalted", err)
	}
}

func TestValidationErrors(t *testing.T) {
	v := newVenue(t)
	user := uuid.New()

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"zero quantity", SubmitRequest{Side: models.SideBuy, Type: models.TypeLimit, Price: d("10"), Quantity: d("0")}},
		{"negative quantity", SubmitRequest{Side: models.SideBuy, Type: models.TypeLimit, Price: d("10"), Quantity: d("-1")}},
		{"limit without price", SubmitRequest{Side: models.SideBuy, Type: models.TypeLimit, Quantity: d("1")}},
		{"bad side", SubmitRequest{Side: "hold", Type: models.TypeLimit, Price: d("10"), Quantity: d("1")}},
		{"bad type", SubmitRequest{Side: models.SideBuy, Type: "trailing", Price: d("10"), Quantity: d("1")}},
		{"market with price", SubmitRequest{Side: models.SideBuy, Type: models.TypeMarket, Price: d("10"), Quantity: d("1")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			req.UserID = user
			req.Symbol = "BTCUSDT"
			if _, err := v.eng.Submit(context.Background(), &req); !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}

	if _, err := v.submit(t, user, models.SideBuy, models.TypeLimit, "10", "1", "GTD"); !errors.Is(err, ErrValidation) {
		t.Errorf("bad tif: err = %v, want ErrValidation", err)
	}
}

func TestUnknownSymbol(t *testing.T) {
	v := newVenue(t)
	_, err := v.eng.Submit(context.Background(), &SubmitRequest{
		UserID: uuid.New(), Symbol: "DOGEUSDT", Side: models.SideBuy,
		Type: models.TypeLimit, Price: d("1"), Quantity: d("1"),
	})
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("err = %v, want ErrUnknownSymbol", err)
	}
}

func TestEventOrderingPerSymbol(t *testing.T) {
	v := newVenue(t)
	seller := uuid.New()
	buyer := uuid.New()
	v.balances.fund(seller, "BTC", d("1"))
	v.balances.fund(buyer, "USDT", d("100"))

	v.mustSubmit(t, seller, models.SideSell, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)
	v.mustSubmit(t, buyer, models.SideBuy, models.TypeLimit, "100", "1", models.TIFGoodTillCancel)

	// Order-channel emissions follow the engine's command order: seller
	// accepted, buyer accepted, then the fill updates both sides.
	orderEvents := v.pub.byChannel(events.ChannelOrder)
	var statuses []models.OrderStatus
	var users []uuid.UUID
	for _, e := range orderEvents {
		o := e.data.(*models.Order)
		statuses = append(statuses, o.Status)
		users = append(users, o.UserID)
	}
	want := []models.OrderStatus{models.StatusOpen, models.StatusOpen, models.StatusFilled, models.StatusFilled}
	if len(statuses) != len(want) {
		t.Fatalf("order events = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("order events = %v, want %v", statuses, want)
		}
	}
	if users[0] != seller || users[1] != buyer {
		t.Error("acceptance events out of command order")
	}
	// Maker's fill update is emitted before the taker's.
	if users[2] != seller || users[3] != buyer {
		t.Error("fill events out of emission order")
	}

	if got := len(v.pub.byChannel(events.ChannelTrade)); got != 1 {
		t.Errorf("trade events = %d, want 1", got)
	}
	// One depth snapshot per book-mutating command.
	if got := len(v.pub.byChannel(events.ChannelDepth)); got != 2 {
		t.Errorf("depth events = %d, want 2", got)
	}
}

func TestHydrationRestoresBook(t *testing.T) {
	v := newVenue(t)
	seller := uuid.New()
	buyer := uuid.New()
	v.balances.fund(seller, "BTC", d("2"))
	v.balances.fund(buyer, "USDT", d("1000"))

	v.mustSubmit(t, seller, models.SideSell, models.TypeLimit, "101", "1", models.TIFGoodTillCancel)
	v.mustSubmit(t, seller, models.SideSell, models.TypeLimit, "102", "1", models.TIFGoodTillCancel)
	v.mustSubmit(t, buyer, models.SideBuy, models.TypeLimit, "99", "1", models.TIFGoodTillCancel)

	// A second engine over the same stores simulates a restart.
	registry := symbols.NewRegistry()
	if err := registry.Register("BTCUSDT", "BTC", "USDT"); err != nil {
		t.Fatal(err)
	}
	restarted := New(Config{FeeAccount: feeAccount}, zap.NewNop(), registry,
		v.balances, v.orders, v.trades, newMemPublisher())
	if err := restarted.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer restarted.Stop()

	depth, err := restarted.Depth("BTCUSDT", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(depth.Asks) != 2 || len(depth.Bids) != 1 {
		t.Fatalf("hydrated book has %d asks / %d bids, want 2 / 1", len(depth.Asks), len(depth.Bids))
	}
	wantDecimal(t, "best ask", depth.Asks[0].Price, d("101"))
	wantDecimal(t, "best bid", depth.Bids[0].Price, d("99"))
}
