package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/onesub/backend/internal/model"
)

// LedgerMutation is one atomic balance change. Amount is signed.
type LedgerMutation struct {
	UserID         uuid.UUID
	Amount         int64
	Kind           model.TransactionKind
	Reason         string
	IdempotencyKey *string
	CheckoutID     *uuid.UUID
	ToolID         *uuid.UUID
	Metadata       *string
	Actor          string
}

// ApplyLedgerMutation performs the check-then-act balance update atomically.
// The balance row lock serializes all mutations for one user, and the
// idempotency lookup happens under that same lock so concurrent redelivery of
// the same key cannot double-insert. The audit row is written in the same
// database transaction.
func (r *Repository) ApplyLedgerMutation(ctx context.Context, m LedgerMutation) (*model.LedgerResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, &model.TransientStoreError{Op: "ledger begin", Err: err}
	}
	defer tx.Rollback()

	// Bounded wait on the per-user lock; contention surfaces as retryable.
	if _, err := tx.ExecContext(ctx, "SET LOCAL lock_timeout = '3s'"); err != nil {
		return nil, fmt.Errorf("failed to set lock timeout: %w", err)
	}

	balanceBefore, err := lockBalance(ctx, tx, m.UserID)
	if err != nil {
		return nil, err
	}

	if m.IdempotencyKey != nil {
		var prior model.Transaction
		err := tx.GetContext(ctx, &prior, `
			SELECT * FROM credit_transactions
			WHERE user_id = $1 AND idempotency_key = $2`,
			m.UserID, *m.IdempotencyKey)
		if err == nil {
			return &model.LedgerResult{
				TransactionID: prior.ID,
				BalanceBefore: prior.BalanceBefore,
				NewBalance:    prior.BalanceAfter,
				Duplicate:     true,
			}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	balanceAfter := balanceBefore + m.Amount
	if balanceAfter < 0 {
		return nil, &model.InsufficientCreditsError{
			UserID:   m.UserID,
			Balance:  balanceBefore,
			Required: -m.Amount,
		}
	}

	var txID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_transactions (
			user_id, amount, kind, reason, idempotency_key,
			checkout_id, tool_id, metadata, balance_before, balance_after
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		m.UserID, m.Amount, m.Kind, m.Reason, m.IdempotencyKey,
		m.CheckoutID, m.ToolID, m.Metadata, balanceBefore, balanceAfter,
	).Scan(&txID)
	if err != nil {
		return nil, wrapLedgerErr("insert transaction", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE balances SET balance = $1, updated_at = NOW() WHERE user_id = $2",
		balanceAfter, m.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (actor, user_id, transaction_id, amount, balance_before, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.Actor, m.UserID, txID, m.Amount, balanceBefore, balanceAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to write audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, &model.TransientStoreError{Op: "ledger commit", Err: err}
	}

	return &model.LedgerResult{
		TransactionID: txID,
		BalanceBefore: balanceBefore,
		NewBalance:    balanceAfter,
	}, nil
}

// lockBalance selects the user's balance row FOR UPDATE, creating it lazily for
// first-time users.
func lockBalance(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID) (int64, error) {
	var balance int64
	err := tx.GetContext(ctx, &balance,
		"SELECT balance FROM balances WHERE user_id = $1 FOR UPDATE", userID)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO balances (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING",
			userID); err != nil {
			return 0, fmt.Errorf("failed to create balance row: %w", err)
		}
		err = tx.GetContext(ctx, &balance,
			"SELECT balance FROM balances WHERE user_id = $1 FOR UPDATE", userID)
	}
	if err != nil {
		return 0, wrapLedgerErr("lock balance", err)
	}
	return balance, nil
}

func wrapLedgerErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 55P03 lock_not_available, 40001 serialization_failure, 40P01 deadlock
		switch pgErr.Code {
		case "55P03", "40001", "40P01":
			return &model.TransientStoreError{Op: op, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// GetBalance reads the materialized projection. Users without a balance row
// have zero credits.
func (r *Repository) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.db.GetContext(ctx, &balance,
		"SELECT balance FROM balances WHERE user_id = $1", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// GetTransactions returns ledger history for a user, newest first.
func (r *Repository) GetTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Transaction, error) {
	var transactions []model.Transaction
	err := r.db.SelectContext(ctx, &transactions, `
		SELECT * FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	return transactions, err
}

// ValidateBalance recomputes the projection from the append-only log. It is an
// offline consistency check, never part of the read hot path.
func (r *Repository) ValidateBalance(ctx context.Context, userID uuid.UUID) (projected int64, computed int64, err error) {
	projected, err = r.GetBalance(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	err = r.db.GetContext(ctx, &computed,
		"SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1", userID)
	return projected, computed, err
}
