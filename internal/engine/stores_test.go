package engine

// In-memory store fakes with the same semantics (and sentinel errors) as the
// pgx-backed stores, so engine behaviour is testable without a database.

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/user/minivenue/internal/database"
	"github.com/user/minivenue/internal/events"
	"github.com/user/minivenue/internal/models"
)

type balKey struct {
	user  uuid.UUID
	asset string
}

type memBalances struct {
	mu   sync.Mutex
	bals map[balKey]*models.Balance
}

func newMemBalances() *memBalances {
	return &memBalances{bals: make(map[balKey]*models.Balance)}
}

func (m *memBalances) fund(user uuid.UUID, asset string, free decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(user, asset).Free = free
}

// get returns the live record, creating a zero one on first touch.
// Callers hold m.mu.
func (m *memBalances) get(user uuid.UUID, asset string) *models.Balance {
	k := balKey{user, asset}
	b, ok := m.bals[k]
	if !ok {
		b = &models.Balance{UserID: user, Asset: asset, Free: decimal.Zero, Locked: decimal.Zero}
		m.bals[k] = b
	}
	return b
}

func (m *memBalances) balance(user uuid.UUID, asset string) (free, locked decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.get(user, asset)
	return b.Free, b.Locked
}

// totalSupply sums free+locked over every account holding the asset.
func (m *memBalances) totalSupply(asset string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for k, b := range m.bals {
		if k.asset == asset {
			total = total.Add(b.Free).Add(b.Locked)
		}
	}
	return total
}

// nonNegative reports whether every balance satisfies free >= 0 && locked >= 0.
func (m *memBalances) nonNegative() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bals {
		if b.Free.Sign() < 0 || b.Locked.Sign() < 0 {
			return false
		}
	}
	return true
}

func (m *memBalances) Lock(_ context.Context, user uuid.UUID, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.get(user, asset)
	if b.Free.LessThan(amount) {
		return fmt.Errorf("user %s asset %s requires %s: %w", user, asset, amount, database.ErrInsufficientFunds)
	}
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

func (m *memBalances) Unlock(_ context.Context, user uuid.UUID, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.get(user, asset)
	if b.Locked.LessThan(amount) {
		return fmt.Errorf("unlock of %s %s for user %s exceeds locked balance: %w",
			amount, asset, user, database.ErrInvariantViolation)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Free = b.Free.Add(amount)
	return nil
}

func (m *memBalances) Settle(_ context.Context, p database.SettleParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	notional := p.Qty.Mul(p.Price)
	sellerBase := m.get(p.Seller, p.Base)
	buyerQuote := m.get(p.Buyer, p.Quote)
	if sellerBase.Locked.LessThan(p.Qty) || buyerQuote.Locked.LessThan(notional) {
		return fmt.Errorf("settlement would break locked balances: %w", database.ErrInvariantViolation)
	}

	sellerBase.Locked = sellerBase.Locked.Sub(p.Qty)
	buyerBase := m.get(p.Buyer, p.Base)
	buyerBase.Free = buyerBase.Free.Add(p.Qty.Sub(p.BuyerFee))
	buyerQuote.Locked = buyerQuote.Locked.Sub(notional)
	sellerQuote := m.get(p.Seller, p.Quote)
	sellerQuote.Free = sellerQuote.Free.Add(notional.Sub(p.SellerFee))

	feeBase := m.get(p.FeeAccount, p.Base)
	feeBase.Free = feeBase.Free.Add(p.BuyerFee)
	feeQuote := m.get(p.FeeAccount, p.Quote)
	feeQuote.Free = feeQuote.Free.Add(p.SellerFee)
	return nil
}

// failingBalances wraps memBalances and fails Settle on demand, for the
// halt-on-invariant-violation path.
type failingBalances struct {
	*memBalances
	failSettle bool
}

func (f *failingBalances) Settle(ctx context.Context, p database.SettleParams) error {
	if f.failSettle {
		return fmt.Errorf("injected: %w", database.ErrInvariantViolation)
	}
	return f.memBalances.Settle(ctx, p)
}

type memOrders struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*models.Order
	seq    int64 // drives strictly increasing created_at
}

func newMemOrders() *memOrders {
	return &memOrders{orders: make(map[uuid.UUID]*models.Order)}
}

func copyOrder(o *models.Order) *models.Order {
	cp := *o
	return &cp
}

func (m *memOrders) Insert(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.ClientOrderID != "" {
		for _, o := range m.orders {
			if o.UserID == order.UserID && o.ClientOrderID == order.ClientOrderID {
				return fmt.Errorf("user %s client order id %q: %w",
					order.UserID, order.ClientOrderID, database.ErrDuplicateClientOrderID)
			}
		}
	}

	m.seq++
	order.ID = uuid.New()
	order.CreatedAt = time.Unix(0, m.seq*int64(time.Microsecond)).UTC()
	order.UpdatedAt = order.CreatedAt
	if order.Status.Terminal() {
		closed := order.CreatedAt
		order.ClosedAt = &closed
	}
	m.orders[order.ID] = copyOrder(order)
	return nil
}

func (m *memOrders) UpdateFill(_ context.Context, orderID uuid.UUID, newFilled decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status.Terminal() || newFilled.LessThan(o.FilledQty) || newFilled.GreaterThan(o.Quantity) {
		return fmt.Errorf("fill update to %s on order %s hit no updatable row: %w",
			newFilled, orderID, database.ErrInvariantViolation)
	}
	o.FilledQty = newFilled
	o.UpdatedAt = time.Now().UTC()
	if o.FilledQty.Equal(o.Quantity) {
		o.Status = models.StatusFilled
		closed := o.UpdatedAt
		o.ClosedAt = &closed
	} else if o.FilledQty.Sign() > 0 {
		o.Status = models.StatusPartiallyFilled
	}
	return nil
}

func (m *memOrders) MarkCancelled(_ context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.UserID != userID {
		return nil, fmt.Errorf("order %s for user %s: %w", orderID, userID, database.ErrNotFound)
	}
	if o.Status != models.StatusOpen && o.Status != models.StatusPartiallyFilled {
		return copyOrder(o), fmt.Errorf("order %s has status %s: %w", orderID, o.Status, database.ErrNotCancellable)
	}
	pre := copyOrder(o)
	o.Status = models.StatusCancelled
	o.UpdatedAt = time.Now().UTC()
	closed := o.UpdatedAt
	o.ClosedAt = &closed
	return pre, nil
}

func (m *memOrders) MarkRejected(_ context.Context, orderID uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status.Terminal() {
		return fmt.Errorf("order %s: %w", orderID, database.ErrNotCancellable)
	}
	o.Status = models.StatusRejected
	o.RejectReason = reason
	o.UpdatedAt = time.Now().UTC()
	closed := o.UpdatedAt
	o.ClosedAt = &closed
	return nil
}

func (m *memOrders) Get(_ context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.UserID != userID {
		return nil, nil
	}
	return copyOrder(o), nil
}

func (m *memOrders) OpenBySymbol(_ context.Context, symbol string, limit int) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Order, 0)
	for _, o := range m.orders {
		if o.Symbol == symbol && (o.Status == models.StatusOpen || o.Status == models.StatusPartiallyFilled) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		if !a.Price.Equal(b.Price) {
			if a.Side == models.SideBuy {
				return a.Price.GreaterThan(b.Price)
			}
			return a.Price.LessThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTrades struct {
	mu     sync.Mutex
	trades []*models.Trade
}

func newMemTrades() *memTrades { return &memTrades{} }

func (m *memTrades) Insert(_ context.Context, trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade.ID = uuid.New()
	trade.CreatedAt = time.Now().UTC()
	cp := *trade
	m.trades = append(m.trades, &cp)
	return nil
}

func (m *memTrades) all() []*models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Trade(nil), m.trades...)
}

type pubbed struct {
	channel events.Channel
	symbol  string
	data    any
}

type memPublisher struct {
	mu     sync.Mutex
	events []pubbed
}

func newMemPublisher() *memPublisher { return &memPublisher{} }

func (m *memPublisher) Publish(channel events.Channel, symbol string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, pubbed{channel: channel, symbol: symbol, data: data})
}

func (m *memPublisher) byChannel(channel events.Channel) []pubbed {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pubbed, 0)
	for _, e := range m.events {
		if e.channel == channel {
			out = append(out, e)
		}
	}
	return out
}
