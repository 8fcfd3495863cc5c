package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/model"
)

func (r *Repository) GetSubscription(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.GetContext(ctx, &sub, "SELECT * FROM subscriptions WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// GetSubscriptionForTool returns the newest non-cancelled subscription a user
// holds for a tool. A nil toolID matches platform-level subscriptions.
func (r *Repository) GetSubscriptionForTool(ctx context.Context, userID uuid.UUID, toolID *uuid.UUID) (*model.Subscription, error) {
	var sub model.Subscription
	query := `
		SELECT * FROM subscriptions
		WHERE user_id = $1
		  AND status != 'cancelled'
		  AND (($2::uuid IS NULL AND tool_id IS NULL) OR tool_id = $2)
		ORDER BY created_at DESC
		LIMIT 1`

	err := r.db.GetContext(ctx, &sub, query, userID, toolID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *Repository) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			user_id, tool_id, plan_id, status, billing_period, credits_per_period,
			current_period_start, current_period_end, next_billing_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	return r.db.QueryRowContext(ctx, query,
		sub.UserID,
		sub.ToolID,
		sub.PlanID,
		sub.Status,
		sub.BillingPeriod,
		sub.CreditsPerPeriod,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.NextBillingDate,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
}

func (r *Repository) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	query := `
		UPDATE subscriptions SET
			plan_id = $2,
			status = $3,
			credits_per_period = $4,
			current_period_start = $5,
			current_period_end = $6,
			next_billing_date = $7,
			cancel_at_period_end = $8,
			pending_plan_id = $9,
			pending_plan_effective_at = $10,
			grace_expires_at = $11,
			updated_at = NOW()
		WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.PlanID,
		sub.Status,
		sub.CreditsPerPeriod,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.NextBillingDate,
		sub.CancelAtPeriodEnd,
		sub.PendingPlanID,
		sub.PendingPlanAt,
		sub.GraceExpiresAt,
	)
	return err
}

func (r *Repository) UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, status model.SubscriptionStatus) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE subscriptions SET status = $2, updated_at = NOW() WHERE id = $1",
		id, status)
	return err
}

// GetLapsedSubscriptions returns past_due subscriptions whose grace period has
// elapsed, ready for access revocation.
func (r *Repository) GetLapsedSubscriptions(ctx context.Context, now time.Time, limit int) ([]model.Subscription, error) {
	var subs []model.Subscription
	query := `
		SELECT * FROM subscriptions
		WHERE status = 'past_due' AND grace_expires_at IS NOT NULL AND grace_expires_at < $1
		ORDER BY grace_expires_at
		LIMIT $2`

	err := r.db.SelectContext(ctx, &subs, query, now, limit)
	return subs, err
}
