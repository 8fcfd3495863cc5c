package model

import (
	"time"

	"github.com/google/uuid"
)

type CheckoutType string

const (
	CheckoutTypeCreditPurchase CheckoutType = "credit_purchase"
	CheckoutTypeToolPurchase   CheckoutType = "tool_purchase"
)

type CheckoutStatus string

const (
	CheckoutStatusPending   CheckoutStatus = "pending"
	CheckoutStatusCompleted CheckoutStatus = "completed"
	CheckoutStatusExpired   CheckoutStatus = "expired"
	CheckoutStatusCancelled CheckoutStatus = "cancelled"
)

func (s CheckoutStatus) IsTerminal() bool {
	return s != CheckoutStatusPending
}

// Checkout records purchase intent before the payment processor is contacted.
// Completion is driven by the checkout.completed payment event, never by the
// caller that created it.
type Checkout struct {
	ID                uuid.UUID      `json:"id" db:"id"`
	UserID            uuid.UUID      `json:"user_id" db:"user_id"`
	Type              CheckoutType   `json:"type" db:"type"`
	Status            CheckoutStatus `json:"status" db:"status"`
	CreditsAmount     int64          `json:"credits_amount" db:"credits_amount"`
	ToolID            *uuid.UUID     `json:"tool_id,omitempty" db:"tool_id"`
	PlanID            *uuid.UUID     `json:"plan_id,omitempty" db:"plan_id"`
	SubscriptionID    *uuid.UUID     `json:"subscription_id,omitempty" db:"subscription_id"`
	ProviderSessionID *string        `json:"provider_session_id,omitempty" db:"provider_session_id"`
	Metadata          *string        `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// CheckoutResult reports the realized effects of a completion. AlreadyDone
// marks an idempotent replay of a previously completed checkout.
type CheckoutResult struct {
	CheckoutID     uuid.UUID  `json:"checkout_id"`
	CreditsGranted int64      `json:"credits_granted"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	AlreadyDone    bool       `json:"already_done"`
}
