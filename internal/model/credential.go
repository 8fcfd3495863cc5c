package model

import (
	"time"

	"github.com/google/uuid"
)

// APIKey stores only a bcrypt hash plus a short plaintext prefix used for
// lookup. One active key per tool; rotation overwrites the hash in place so
// the previous key stops authenticating immediately.
type APIKey struct {
	ID        uuid.UUID `json:"id" db:"id"`
	ToolID    uuid.UUID `json:"tool_id" db:"tool_id"`
	Prefix    string    `json:"prefix" db:"prefix"`
	KeyHash   string    `json:"-" db:"key_hash"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	RotatedAt time.Time `json:"rotated_at" db:"rotated_at"`
}

// TokenPair rows hold SHA-256 digests of opaque tokens. Validity is server
// state: the revoked flag and expiries, never anything decoded from the token.
type TokenPair struct {
	ID               uuid.UUID `json:"id" db:"id"`
	UserID           uuid.UUID `json:"user_id" db:"user_id"`
	ToolID           uuid.UUID `json:"tool_id" db:"tool_id"`
	AccessTokenHash  string    `json:"-" db:"access_token_hash"`
	RefreshTokenHash string    `json:"-" db:"refresh_token_hash"`
	AccessExpiresAt  time.Time `json:"access_expires_at" db:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at" db:"refresh_expires_at"`
	Revoked          bool      `json:"revoked" db:"revoked"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// IssuedTokens carries the plaintext pair back to the caller exactly once.
type IssuedTokens struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// LoginNonce backs single-use magic-login links. Consumption is an atomic
// check-and-mark in the shared store, so replay protection holds across
// process instances.
type LoginNonce struct {
	ToolID    uuid.UUID  `json:"tool_id" db:"tool_id"`
	Nonce     string     `json:"nonce" db:"nonce"`
	UserID    uuid.UUID  `json:"user_id" db:"user_id"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
