package database

import (
	"context"
	"errors"
	"fmt"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store-level error kinds. Callers match with errors.Is.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvariantViolation means asset accounting would break (e.g. a locked
	// balance going negative). It is never clamped away; the engine treats it
	// as fatal for the affected symbol.
	ErrInvariantViolation     = errors.New("balance invariant violation")
	ErrNotFound               = errors.New("not found")
	ErrNotCancellable         = errors.New("order not cancellable")
	ErrDuplicateClientOrderID = errors.New("duplicate client order id")
)

// Connect opens a pgx pool with the shopspring decimal codec registered, so
// numeric columns scan directly into decimal.Decimal.
func Connect(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
