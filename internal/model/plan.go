package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Plan is a priced bundle of credits and feature flags. ToolID nil means a
// platform-level plan.
type Plan struct {
	ID               uuid.UUID     `json:"id" db:"id"`
	ToolID           *uuid.UUID    `json:"tool_id,omitempty" db:"tool_id"`
	Name             string        `json:"name" db:"name"`
	BillingPeriod    BillingPeriod `json:"billing_period" db:"billing_period"`
	CreditsPerPeriod int64         `json:"credits_per_period" db:"credits_per_period"`
	PriceCents       int64         `json:"price_cents" db:"price_cents"`
	Features         *string       `json:"features,omitempty" db:"features"` // JSON object
	Limits           *string       `json:"limits,omitempty" db:"limits"`     // JSON object
	IsActive         bool          `json:"is_active" db:"is_active"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
}

// FeatureMap decodes the features blob; nil or malformed blobs decode to empty.
func (p *Plan) FeatureMap() map[string]any { return decodeBlob(p.Features) }

// LimitMap decodes the limits blob; nil or malformed blobs decode to empty.
func (p *Plan) LimitMap() map[string]any { return decodeBlob(p.Limits) }

func decodeBlob(s *string) map[string]any {
	out := map[string]any{}
	if s == nil || *s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(*s), &out)
	return out
}
