package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/minivenue/internal/models"
)

// TransactionStore reads deposit/withdrawal records. Writes happen inside the
// BalanceStore so the ledger adjustment and its record commit together.
type TransactionStore struct {
	pool *pgxpool.Pool
}

// NewTransactionStore creates a TransactionStore on the given pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

// ListForUser retrieves a user's deposits and withdrawals, newest first.
func (s *TransactionStore) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	query := `SELECT id, user_id, type, asset, amount, COALESCE(address, ''), status, created_at, updated_at
			  FROM account_transactions
			  WHERE user_id = $1
			  ORDER BY created_at DESC
			  LIMIT $2`

	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying transactions for user %s: %w", userID, err)
	}
	defer rows.Close()

	txns := make([]*models.Transaction, 0)
	for rows.Next() {
		txn := &models.Transaction{}
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.Type, &txn.Asset, &txn.Amount,
			&txn.Address, &txn.Status, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning transaction row for user %s: %w", userID, err)
		}
		txns = append(txns, txn)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("error iterating transaction rows for user %s: %w", userID, rows.Err())
	}
	return txns, nil
}
