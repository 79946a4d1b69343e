package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side of an order, from the perspective of the base asset.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType determines how an order interacts with the book.
type OrderType string

const (
	TypeLimit     OrderType = "limit"
	TypeMarket    OrderType = "market"
	TypeStop      OrderType = "stop"
	TypeStopLimit OrderType = "stop_limit"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status is final. Terminal orders are immutable.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// TimeInForce governs what happens to an unfilled residual.
type TimeInForce string

const (
	TIFGoodTillCancel    TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFFillOrKill        TimeInForce = "FOK"
)

// Order represents a trading order.
type Order struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"` // Unique per user when set
	Symbol        string          `json:"symbol"`                    // e.g. "BTC-USD"
	Type          OrderType       `json:"type"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`                // Zero for market orders
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"` // Only for stop / stop_limit
	Quantity      decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filled_quantity"`
	IcebergQty    decimal.Decimal `json:"iceberg_quantity,omitempty"` // Displayed slice, zero when not iceberg
	Status        OrderStatus     `json:"status"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	RejectReason  string          `json:"reject_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"` // Set iff status is terminal
}

// Remaining returns the quantity not yet filled.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Trade represents a single matched fill. Immutable once created.
type Trade struct {
	ID             uuid.UUID       `json:"id"`
	Symbol         string          `json:"symbol"`
	MakerOrderID   uuid.UUID       `json:"maker_order_id"` // The resting order
	TakerOrderID   uuid.UUID       `json:"taker_order_id"` // The aggressor
	BuyerUserID    uuid.UUID       `json:"buyer_user_id"`
	SellerUserID   uuid.UUID       `json:"seller_user_id"`
	Price          decimal.Decimal `json:"price"` // Maker's price
	Quantity       decimal.Decimal `json:"quantity"`
	BuyerFee       decimal.Decimal `json:"buyer_fee"`  // Charged in the base asset
	SellerFee      decimal.Decimal `json:"seller_fee"` // Charged in the quote asset
	BuyerFeeAsset  string          `json:"buyer_fee_asset"`
	SellerFeeAsset string          `json:"seller_fee_asset"`
	BuyerIsMaker   bool            `json:"buyer_is_maker"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Balance represents a user's balance for a specific asset.
type Balance struct {
	UserID    uuid.UUID       `json:"user_id"`
	Asset     string          `json:"asset"` // e.g. "USD", "BTC"
	Free      decimal.Decimal `json:"free"`
	Locked    decimal.Decimal `json:"locked"` // Funds reserved by resting orders
	UpdatedAt time.Time       `json:"updated_at"`
}

// Total returns free + locked.
func (b *Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// TransactionType distinguishes deposits from withdrawals.
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
)

// TransactionStatus is the lifecycle state of a deposit or withdrawal.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxCancelled TransactionStatus = "cancelled"
)

// Transaction records an external balance movement. Completed transactions are
// the only legal way to change a user's total free+locked outside of matching.
type Transaction struct {
	ID        uuid.UUID         `json:"id"`
	UserID    uuid.UUID         `json:"user_id"`
	Type      TransactionType   `json:"type"`
	Asset     string            `json:"asset"`
	Amount    decimal.Decimal   `json:"amount"`
	Address   string            `json:"address,omitempty"` // Withdrawal destination
	Status    TransactionStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
