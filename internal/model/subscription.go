package model

import (
	"time"

	"github.com/google/uuid"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusTrialing  SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

type BillingPeriod string

const (
	BillingPeriodMonthly BillingPeriod = "monthly"
	BillingPeriodYearly  BillingPeriod = "yearly"
)

// Duration returns the wall-clock length of one billing period.
func (p BillingPeriod) Duration() time.Duration {
	if p == BillingPeriodYearly {
		return 365 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// Subscription status transitions are driven exclusively by payment events,
// except cancellation requests, which only set CancelAtPeriodEnd.
type Subscription struct {
	ID                 uuid.UUID          `json:"id" db:"id"`
	UserID             uuid.UUID          `json:"user_id" db:"user_id"`
	ToolID             *uuid.UUID         `json:"tool_id,omitempty" db:"tool_id"` // nil = platform-level
	PlanID             uuid.UUID          `json:"plan_id" db:"plan_id"`
	Status             SubscriptionStatus `json:"status" db:"status"`
	BillingPeriod      BillingPeriod      `json:"billing_period" db:"billing_period"`
	CreditsPerPeriod   int64              `json:"credits_per_period" db:"credits_per_period"`
	CurrentPeriodStart time.Time          `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end" db:"current_period_end"`
	NextBillingDate    time.Time          `json:"next_billing_date" db:"next_billing_date"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	PendingPlanID      *uuid.UUID         `json:"pending_plan_id,omitempty" db:"pending_plan_id"`
	PendingPlanAt      *time.Time         `json:"pending_plan_effective_at,omitempty" db:"pending_plan_effective_at"`
	GraceExpiresAt     *time.Time         `json:"grace_expires_at,omitempty" db:"grace_expires_at"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusTrialing
}

// CanTransitionTo enforces the status machine: cancelled is terminal, paused is
// only reachable from active, past_due flips back and forth with active.
func (s *Subscription) CanTransitionTo(next SubscriptionStatus) bool {
	if s.Status == SubscriptionStatusCancelled {
		return false
	}
	if next == SubscriptionStatusCancelled {
		return true
	}
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing:
		return next == SubscriptionStatusPastDue || next == SubscriptionStatusPaused || next == SubscriptionStatusActive
	case SubscriptionStatusPastDue:
		return next == SubscriptionStatusActive
	case SubscriptionStatusPaused:
		return next == SubscriptionStatusActive
	}
	return false
}
