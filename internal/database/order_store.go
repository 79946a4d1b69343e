package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/user/minivenue/internal/models"
)

// OrderStore persists every order with its lifecycle status and filled
// quantity. Writes come from the matching engine; reads are shared with the
// query surface.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore on the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderColumns = `id, user_id, client_order_id, symbol, type, side, price, stop_price,
	quantity, filled_quantity, iceberg_quantity, status, time_in_force, reject_reason,
	created_at, updated_at, closed_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(
		&o.ID, &o.UserID, &o.ClientOrderID, &o.Symbol, &o.Type, &o.Side, &o.Price, &o.StopPrice,
		&o.Quantity, &o.FilledQty, &o.IcebergQty, &o.Status, &o.TimeInForce, &o.RejectReason,
		&o.CreatedAt, &o.UpdatedAt, &o.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Insert writes a new order and fills in its id and timestamps. Terminal
// statuses (e.g. rejected orders persisted for the user to retrieve) get
// closed_at stamped on insert. A duplicate (user, client_order_id) surfaces
// as ErrDuplicateClientOrderID.
func (s *OrderStore) Insert(ctx context.Context, order *models.Order) error {
	query := `INSERT INTO orders
			  (user_id, client_order_id, symbol, type, side, price, stop_price,
			   quantity, filled_quantity, iceberg_quantity, status, time_in_force, reject_reason,
			   closed_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			          CASE WHEN $11 IN ('filled', 'cancelled', 'rejected', 'expired') THEN NOW() END)
			  RETURNING id, created_at, updated_at, closed_at`

	err := s.pool.QueryRow(ctx, query,
		order.UserID, order.ClientOrderID, order.Symbol, order.Type, order.Side,
		order.Price, order.StopPrice, order.Quantity, order.FilledQty, order.IcebergQty,
		order.Status, order.TimeInForce, order.RejectReason,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt, &order.ClosedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("user %s client order id %q: %w", order.UserID, order.ClientOrderID, ErrDuplicateClientOrderID)
		}
		return fmt.Errorf("error creating order for user %s: %w", order.UserID, err)
	}
	return nil
}

// UpdateFill sets an order's filled quantity and derives its status from the
// stored quantity: filled when complete, partially_filled otherwise.
// closed_at is stamped when the order becomes terminal. Only non-terminal
// orders can be updated.
func (s *OrderStore) UpdateFill(ctx context.Context, orderID uuid.UUID, newFilled decimal.Decimal) error {
	query := `UPDATE orders
			  SET filled_quantity = $2,
				  status = CASE WHEN $2 >= quantity THEN 'filled'
							    WHEN $2 > 0 THEN 'partially_filled'
							    ELSE status END,
				  closed_at = CASE WHEN $2 >= quantity THEN NOW() ELSE closed_at END,
				  updated_at = NOW()
			  WHERE id = $1
				AND status IN ('open', 'partially_filled')
				AND $2 >= filled_quantity AND $2 <= quantity`

	cmdTag, err := s.pool.Exec(ctx, query, orderID, newFilled)
	if err != nil {
		return fmt.Errorf("error updating fill for order %s: %w", orderID, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("fill update to %s on order %s hit no updatable row: %w",
			newFilled, orderID, ErrInvariantViolation)
	}
	return nil
}

// MarkRejected flips a still-open order to rejected with a reason. Used for
// market residuals that found no liquidity; rejections decided before
// acceptance are inserted terminal directly.
func (s *OrderStore) MarkRejected(ctx context.Context, orderID uuid.UUID, reason string) error {
	query := `UPDATE orders
			  SET status = 'rejected', reject_reason = $2, closed_at = NOW(), updated_at = NOW()
			  WHERE id = $1 AND status IN ('open', 'partially_filled')`
	cmdTag, err := s.pool.Exec(ctx, query, orderID, reason)
	if err != nil {
		return fmt.Errorf("error rejecting order %s: %w", orderID, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("order %s: %w", orderID, ErrNotCancellable)
	}
	return nil
}

// MarkCancelled flips an order to cancelled if it belongs to the user and is
// still open or partially filled, and returns its pre-cancel snapshot (the
// caller needs price, side and filled quantity to unlock the remainder).
// Terminal orders return ErrNotCancellable; unknown ids ErrNotFound.
func (s *OrderStore) MarkCancelled(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("cancel: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	getQuery := `SELECT ` + orderColumns + ` FROM orders
				 WHERE id = $1 AND user_id = $2 FOR UPDATE`
	order, err := scanOrder(tx.QueryRow(ctx, getQuery, orderID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s for user %s: %w", orderID, userID, ErrNotFound)
		}
		return nil, fmt.Errorf("error retrieving order %s for cancellation: %w", orderID, err)
	}

	if order.Status != models.StatusOpen && order.Status != models.StatusPartiallyFilled {
		return order, fmt.Errorf("order %s has status %s: %w", orderID, order.Status, ErrNotCancellable)
	}

	updateQuery := `UPDATE orders
					SET status = 'cancelled', closed_at = NOW(), updated_at = NOW()
					WHERE id = $1 AND status IN ('open', 'partially_filled')`
	cmdTag, err := tx.Exec(ctx, updateQuery, orderID)
	if err != nil {
		return nil, fmt.Errorf("error updating order %s status to cancelled: %w", orderID, err)
	}
	if cmdTag.RowsAffected() != 1 {
		// FOR UPDATE should make this impossible; a concurrent writer slipped through.
		return nil, fmt.Errorf("failed to cancel order %s (concurrent modification?)", orderID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("cancel: commit: %w", err)
	}
	return order, nil
}

// Get retrieves a specific order scoped to its owner.
// Returns nil, nil when no such order exists for that user.
func (s *OrderStore) Get(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND user_id = $2`
	order, err := scanOrder(s.pool.QueryRow(ctx, query, orderID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting order %s: %w", orderID, err)
	}
	return order, nil
}

// OpenBySymbol returns resting orders for book hydration: best-priced levels
// first per side, FIFO within a level by acceptance time, ids breaking exact
// timestamp ties.
func (s *OrderStore) OpenBySymbol(ctx context.Context, symbol string, limit int) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
			  WHERE symbol = $1 AND status IN ('open', 'partially_filled')
			  ORDER BY side,
					   CASE WHEN side = 'buy' THEN price END DESC,
					   CASE WHEN side = 'sell' THEN price END ASC,
					   created_at ASC, id ASC
			  LIMIT $2`

	rows, err := s.pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying open orders for %s: %w", symbol, err)
	}
	defer rows.Close()

	orders := make([]*models.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning open order for %s: %w", symbol, err)
		}
		orders = append(orders, order)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("error iterating open orders for %s: %w", symbol, rows.Err())
	}
	return orders, nil
}

// ListForUser retrieves a user's orders, newest first.
func (s *OrderStore) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
			  WHERE user_id = $1
			  ORDER BY created_at DESC
			  LIMIT $2`

	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying orders for user %s: %w", userID, err)
	}
	defer rows.Close()

	orders := make([]*models.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning order row for user %s: %w", userID, err)
		}
		orders = append(orders, order)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("error iterating order rows for user %s: %w", userID, rows.Err())
	}
	return orders, nil
}
