package database

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/user/minivenue/internal/models"
)

// BalanceStore maintains the authoritative free/locked ledger per
// (user, asset). Every mutation runs in a transaction and acquires its row
// locks in lexicographic (user, asset) order so concurrent settlements cannot
// deadlock.
type BalanceStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewBalanceStore creates a BalanceStore on the given pool.
func NewBalanceStore(pool *pgxpool.Pool, log *zap.Logger) *BalanceStore {
	return &BalanceStore{pool: pool, log: log.Named("balances")}
}

// Get retrieves a user's balance for a specific asset.
// Returns nil, nil if the balance record doesn't exist.
func (s *BalanceStore) Get(ctx context.Context, userID uuid.UUID, asset string) (*models.Balance, error) {
	balance := &models.Balance{}
	query := `SELECT user_id, asset, free, locked, updated_at
			  FROM account_balances WHERE user_id = $1 AND asset = $2`

	err := s.pool.QueryRow(ctx, query, userID, asset).
		Scan(&balance.UserID, &balance.Asset, &balance.Free, &balance.Locked, &balance.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting balance for user %s asset %s: %w", userID, asset, err)
	}
	return balance, nil
}

// ListForUser retrieves all balances for a given user, ordered by asset.
func (s *BalanceStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Balance, error) {
	balances := make([]*models.Balance, 0)
	query := `SELECT user_id, asset, free, locked, updated_at
			  FROM account_balances WHERE user_id = $1 ORDER BY asset`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying balances for user %s: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		balance := &models.Balance{}
		if err := rows.Scan(&balance.UserID, &balance.Asset, &balance.Free, &balance.Locked, &balance.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning balance row for user %s: %w", userID, err)
		}
		balances = append(balances, balance)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("error iterating balance rows for user %s: %w", userID, rows.Err())
	}
	return balances, nil
}

// ensureRow makes sure a (user, asset) row exists so conditional updates have
// something to hit. Safe under concurrency via ON CONFLICT DO NOTHING.
func ensureRow(ctx context.Context, tx pgx.Tx, userID uuid.UUID, asset string) error {
	query := `INSERT INTO account_balances (user_id, asset, free, locked)
			  VALUES ($1, $2, 0, 0)
			  ON CONFLICT (user_id, asset) DO NOTHING`
	if _, err := tx.Exec(ctx, query, userID, asset); err != nil {
		return fmt.Errorf("error ensuring balance row for user %s asset %s: %w", userID, asset, err)
	}
	return nil
}

// Lock atomically moves amount from free to locked.
// Fails with ErrInsufficientFunds when free < amount.
func (s *BalanceStore) Lock(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("lock amount must be positive, got %s", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("lock: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureRow(ctx, tx, userID, asset); err != nil {
		return err
	}

	query := `UPDATE account_balances
			  SET free = free - $1, locked = locked + $1, updated_at = NOW()
			  WHERE user_id = $2 AND asset = $3 AND free >= $1`

	cmdTag, err := tx.Exec(ctx, query, amount, userID, asset)
	if err != nil {
		return fmt.Errorf("error locking funds for user %s asset %s: %w", userID, asset, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("user %s asset %s requires %s: %w", userID, asset, amount, ErrInsufficientFunds)
	}

	return tx.Commit(ctx)
}

// Unlock moves amount from locked back to free. Unlocking more than is locked
// is a logic bug somewhere upstream and fails with ErrInvariantViolation; the
// balance is never clamped.
func (s *BalanceStore) Unlock(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("unlock amount must be positive, got %s", amount)
	}

	query := `UPDATE account_balances
			  SET free = free + $1, locked = locked - $1, updated_at = NOW()
			  WHERE user_id = $2 AND asset = $3 AND locked >= $1`

	cmdTag, err := s.pool.Exec(ctx, query, amount, userID, asset)
	if err != nil {
		return fmt.Errorf("error unlocking funds for user %s asset %s: %w", userID, asset, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("unlock of %s %s for user %s exceeds locked balance: %w",
			amount, asset, userID, ErrInvariantViolation)
	}
	return nil
}

// SettleParams describes the atomic balance transition for one fill.
type SettleParams struct {
	Buyer      uuid.UUID
	Seller     uuid.UUID
	Base       string
	Quote      string
	Qty        decimal.Decimal
	Price      decimal.Decimal
	BuyerFee   decimal.Decimal // charged in base
	SellerFee  decimal.Decimal // charged in quote
	FeeAccount uuid.UUID
}

type balanceKey struct {
	user  uuid.UUID
	asset string
}

// Settle applies a matched fill in a single transaction:
//
//	seller locked(base)  -= qty
//	buyer  free(base)    += qty - buyerFee
//	buyer  locked(quote) -= qty * price
//	seller free(quote)   += qty*price - sellerFee
//	fee    free(base)    += buyerFee
//	fee    free(quote)   += sellerFee
//
// Row locks are taken in lexicographic (user, asset) order. If either locked
// balance would go negative the whole settlement fails with
// ErrInvariantViolation and nothing is applied.
func (s *BalanceStore) Settle(ctx context.Context, p SettleParams) error {
	if p.Qty.Sign() <= 0 || p.Price.Sign() <= 0 {
		return fmt.Errorf("settle requires positive qty and price, got qty=%s price=%s", p.Qty, p.Price)
	}
	notional := p.Qty.Mul(p.Price)

	deltas := map[balanceKey]struct{ free, locked decimal.Decimal }{}
	add := func(user uuid.UUID, asset string, free, locked decimal.Decimal) {
		k := balanceKey{user, asset}
		d := deltas[k]
		d.free = d.free.Add(free)
		d.locked = d.locked.Add(locked)
		deltas[k] = d
	}
	add(p.Seller, p.Base, decimal.Zero, p.Qty.Neg())
	add(p.Buyer, p.Base, p.Qty.Sub(p.BuyerFee), decimal.Zero)
	add(p.Buyer, p.Quote, decimal.Zero, notional.Neg())
	add(p.Seller, p.Quote, notional.Sub(p.SellerFee), decimal.Zero)
	add(p.FeeAccount, p.Base, p.BuyerFee, decimal.Zero)
	add(p.FeeAccount, p.Quote, p.SellerFee, decimal.Zero)

	// Deterministic global lock order across all symbol workers.
	keys := make([]balanceKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ui, uj := keys[i].user.String(), keys[j].user.String()
		if ui != uj {
			return ui < uj
		}
		return keys[i].asset < keys[j].asset
	})

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settle: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	current := make(map[balanceKey]*models.Balance, len(keys))
	for _, k := range keys {
		if err := ensureRow(ctx, tx, k.user, k.asset); err != nil {
			return err
		}
		b := &models.Balance{}
		query := `SELECT user_id, asset, free, locked FROM account_balances
				  WHERE user_id = $1 AND asset = $2 FOR UPDATE`
		if err := tx.QueryRow(ctx, query, k.user, k.asset).
			Scan(&b.UserID, &b.Asset, &b.Free, &b.Locked); err != nil {
			return fmt.Errorf("settle: locking row user %s asset %s: %w", k.user, k.asset, err)
		}
		current[k] = b
	}

	for _, k := range keys {
		d := deltas[k]
		newFree := current[k].Free.Add(d.free)
		newLocked := current[k].Locked.Add(d.locked)
		if newFree.Sign() < 0 || newLocked.Sign() < 0 {
			s.log.Error("settlement would break balance invariant",
				zap.String("user", k.user.String()),
				zap.String("asset", k.asset),
				zap.String("free", newFree.String()),
				zap.String("locked", newLocked.String()))
			return fmt.Errorf("settle user %s asset %s free=%s locked=%s: %w",
				k.user, k.asset, newFree, newLocked, ErrInvariantViolation)
		}

		query := `UPDATE account_balances
				  SET free = $1, locked = $2, updated_at = NOW()
				  WHERE user_id = $3 AND asset = $4`
		if _, err := tx.Exec(ctx, query, newFree, newLocked, k.user, k.asset); err != nil {
			return fmt.Errorf("settle: updating user %s asset %s: %w", k.user, k.asset, err)
		}
	}

	return tx.Commit(ctx)
}

// CreditDeposit adds amount to a user's free balance and records a completed
// deposit transaction, atomically.
func (s *BalanceStore) CreditDeposit(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal) (*models.Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %s", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("deposit: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureRow(ctx, tx, userID, asset); err != nil {
		return nil, err
	}
	query := `UPDATE account_balances SET free = free + $1, updated_at = NOW()
			  WHERE user_id = $2 AND asset = $3`
	if _, err := tx.Exec(ctx, query, amount, userID, asset); err != nil {
		return nil, fmt.Errorf("deposit: crediting user %s asset %s: %w", userID, asset, err)
	}

	txn := &models.Transaction{UserID: userID, Type: models.TxDeposit, Asset: asset, Amount: amount, Status: models.TxCompleted}
	insert := `INSERT INTO account_transactions (user_id, type, asset, amount, status)
			   VALUES ($1, $2, $3, $4, $5)
			   RETURNING id, created_at, updated_at`
	if err := tx.QueryRow(ctx, insert, txn.UserID, txn.Type, txn.Asset, txn.Amount, txn.Status).
		Scan(&txn.ID, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
		return nil, fmt.Errorf("deposit: recording transaction for user %s: %w", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("deposit: commit: %w", err)
	}
	return txn, nil
}

// DebitWithdrawal removes amount from a user's free balance and records a
// completed withdrawal. Fails with ErrInsufficientFunds when free < amount.
func (s *BalanceStore) DebitWithdrawal(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal, address string) (*models.Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %s", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("withdrawal: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `UPDATE account_balances SET free = free - $1, updated_at = NOW()
			  WHERE user_id = $2 AND asset = $3 AND free >= $1`
	cmdTag, err := tx.Exec(ctx, query, amount, userID, asset)
	if err != nil {
		return nil, fmt.Errorf("withdrawal: debiting user %s asset %s: %w", userID, asset, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return nil, fmt.Errorf("user %s asset %s withdrawing %s: %w", userID, asset, amount, ErrInsufficientFunds)
	}

	txn := &models.Transaction{UserID: userID, Type: models.TxWithdrawal, Asset: asset, Amount: amount, Address: address, Status: models.TxCompleted}
	insert := `INSERT INTO account_transactions (user_id, type, asset, amount, address, status)
			   VALUES ($1, $2, $3, $4, $5, $6)
			   RETURNING id, created_at, updated_at`
	if err := tx.QueryRow(ctx, insert, txn.UserID, txn.Type, txn.Asset, txn.Amount, txn.Address, txn.Status).
		Scan(&txn.ID, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
		return nil, fmt.Errorf("withdrawal: recording transaction for user %s: %w", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("withdrawal: commit: %w", err)
	}
	return txn, nil
}
