package model

import (
	"time"

	"github.com/google/uuid"
)

// Tool is a vendor integration that consumes credits on behalf of its users.
type Tool struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Slug         string    `json:"slug" db:"slug"`
	MagicSecret  string    `json:"-" db:"magic_secret"`
	MagicBaseURL string    `json:"magic_base_url" db:"magic_base_url"`
	Features     *string   `json:"features,omitempty" db:"features"` // JSON object
	Limits       *string   `json:"limits,omitempty" db:"limits"`     // JSON object
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

func (t *Tool) FeatureMap() map[string]any { return decodeBlob(t.Features) }

func (t *Tool) LimitMap() map[string]any { return decodeBlob(t.Limits) }

type User struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	EmailSHA256 string    `json:"email_sha256" db:"email_sha256"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
