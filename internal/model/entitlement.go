package model

import (
	"time"

	"github.com/google/uuid"
)

// Entitlement is derived, never persisted authoritatively. It combines the
// user's subscription for a tool with a fresh balance read and merged
// tool/plan metadata. AuthorityExpiresAt is the wall-clock instant until which
// the caller may trust the answer without re-checking.
type Entitlement struct {
	UserID             uuid.UUID          `json:"user_id"`
	ToolID             uuid.UUID          `json:"tool_id"`
	Active             bool               `json:"active"`
	Status             SubscriptionStatus `json:"status"`
	PlanID             *uuid.UUID         `json:"plan_id,omitempty"`
	CreditsRemaining   int64              `json:"credits_remaining"`
	Features           map[string]any     `json:"features"`
	Limits             map[string]any     `json:"limits"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	AuthorityExpiresAt time.Time          `json:"authority_expires_at"`
}

// SubscriptionStatusNone marks "no subscription" in entitlement payloads; it is
// never stored.
const SubscriptionStatusNone SubscriptionStatus = "none"
