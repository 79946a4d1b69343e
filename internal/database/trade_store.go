package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/minivenue/internal/models"
)

// TradeStore is the append-only record of executed fills. Trades are never
// modified after insertion.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore on the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeColumns = `id, symbol, maker_order_id, taker_order_id, buyer_user_id, seller_user_id,
	price, quantity, buyer_fee, seller_fee, buyer_fee_asset, seller_fee_asset, buyer_is_maker,
	created_at`

func scanTrade(row pgx.Row) (*models.Trade, error) {
	t := &models.Trade{}
	err := row.Scan(
		&t.ID, &t.Symbol, &t.MakerOrderID, &t.TakerOrderID, &t.BuyerUserID, &t.SellerUserID,
		&t.Price, &t.Quantity, &t.BuyerFee, &t.SellerFee, &t.BuyerFeeAsset, &t.SellerFeeAsset,
		&t.BuyerIsMaker, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Insert appends a trade and fills in its id and timestamp.
func (s *TradeStore) Insert(ctx context.Context, trade *models.Trade) error {
	query := `INSERT INTO trades
			  (symbol, maker_order_id, taker_order_id, buyer_user_id, seller_user_id,
			   price, quantity, buyer_fee, seller_fee, buyer_fee_asset, seller_fee_asset, buyer_is_maker)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			  RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, query,
		trade.Symbol, trade.MakerOrderID, trade.TakerOrderID, trade.BuyerUserID, trade.SellerUserID,
		trade.Price, trade.Quantity, trade.BuyerFee, trade.SellerFee,
		trade.BuyerFeeAsset, trade.SellerFeeAsset, trade.BuyerIsMaker,
	).Scan(&trade.ID, &trade.CreatedAt)

	if err != nil {
		return fmt.Errorf("error inserting trade %s/%s: %w", trade.MakerOrderID, trade.TakerOrderID, err)
	}
	return nil
}

func (s *TradeStore) queryTrades(ctx context.Context, query string, args ...any) ([]*models.Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying trades: %w", err)
	}
	defer rows.Close()

	trades := make([]*models.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning trade row: %w", err)
		}
		trades = append(trades, trade)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", rows.Err())
	}
	return trades, nil
}

// ByUser retrieves trades where the user was buyer or seller, newest first.
// Pass symbol == "" for all symbols.
func (s *TradeStore) ByUser(ctx context.Context, userID uuid.UUID, symbol string, limit int) ([]*models.Trade, error) {
	if symbol == "" {
		query := `SELECT ` + tradeColumns + ` FROM trades
				  WHERE buyer_user_id = $1 OR seller_user_id = $1
				  ORDER BY created_at DESC LIMIT $2`
		return s.queryTrades(ctx, query, userID, limit)
	}
	query := `SELECT ` + tradeColumns + ` FROM trades
			  WHERE (buyer_user_id = $1 OR seller_user_id = $1) AND symbol = $2
			  ORDER BY created_at DESC LIMIT $3`
	return s.queryTrades(ctx, query, userID, symbol, limit)
}

// BySymbol retrieves the most recent trades on a symbol.
func (s *TradeStore) BySymbol(ctx context.Context, symbol string, limit int) ([]*models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
			  WHERE symbol = $1
			  ORDER BY created_at DESC LIMIT $2`
	return s.queryTrades(ctx, query, symbol, limit)
}

// ByOrder retrieves the fills of one order, scoped to its owner.
func (s *TradeStore) ByOrder(ctx context.Context, orderID, userID uuid.UUID) ([]*models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
			  WHERE (maker_order_id = $1 OR taker_order_id = $1)
				AND (buyer_user_id = $2 OR seller_user_id = $2)
			  ORDER BY created_at ASC`
	return s.queryTrades(ctx, query, orderID, userID)
}
