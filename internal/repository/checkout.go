package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/model"
)

func (r *Repository) CreateCheckout(ctx context.Context, co *model.Checkout) error {
	query := `
		INSERT INTO checkouts (
			user_id, type, status, credits_amount, tool_id, plan_id, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	return r.db.QueryRowContext(ctx, query,
		co.UserID,
		co.Type,
		co.Status,
		co.CreditsAmount,
		co.ToolID,
		co.PlanID,
		co.Metadata,
	).Scan(&co.ID, &co.CreatedAt)
}

func (r *Repository) GetCheckout(ctx context.Context, id uuid.UUID) (*model.Checkout, error) {
	var co model.Checkout
	err := r.db.GetContext(ctx, &co, "SELECT * FROM checkouts WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrCheckoutNotFound
		}
		return nil, err
	}
	return &co, nil
}

func (r *Repository) UpdateCheckoutSession(ctx context.Context, id uuid.UUID, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE checkouts SET provider_session_id = $2 WHERE id = $1",
		id, sessionID)
	return err
}

// CompleteCheckout flips a pending checkout to completed. It returns false when
// the row was not pending, which callers treat as an idempotent replay.
func (r *Repository) CompleteCheckout(ctx context.Context, id uuid.UUID, subscriptionID *uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE checkouts
		SET status = $2, subscription_id = $3, completed_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, model.CheckoutStatusCompleted, subscriptionID, model.CheckoutStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ExpireStaleCheckouts transitions abandoned pending checkouts past the grace
// window to expired, returning the flipped rows so callers can close the
// payment sessions they reference.
func (r *Repository) ExpireStaleCheckouts(ctx context.Context, olderThan time.Time, limit int) ([]model.Checkout, error) {
	var expired []model.Checkout
	err := r.db.SelectContext(ctx, &expired, `
		UPDATE checkouts SET status = $1
		WHERE id IN (
			SELECT id FROM checkouts
			WHERE status = $2 AND created_at < $3
			LIMIT $4
		)
		RETURNING *`,
		model.CheckoutStatusExpired, model.CheckoutStatusPending, olderThan, limit)
	return expired, err
}

func (r *Repository) CancelCheckout(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE checkouts SET status = $2 WHERE id = $1 AND status = $3",
		id, model.CheckoutStatusCancelled, model.CheckoutStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
