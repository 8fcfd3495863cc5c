package model

import (
	"time"

	"github.com/google/uuid"
)

type TransactionKind string

const (
	TransactionKindAdd      TransactionKind = "add"
	TransactionKindSubtract TransactionKind = "subtract"
)

const (
	MaxLedgerAmount         = 1_000_000
	MaxReasonLength         = 500
	MaxIdempotencyKeyLength = 255
)

// Balance is the materialized projection of a user's transaction log.
type Balance struct {
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction is one append-only ledger entry. Amount is signed: positive for
// grants, negative for consumption. BalanceBefore and BalanceAfter snapshot
// the projection around the entry, so the log is auditable row by row.
type Transaction struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	UserID         uuid.UUID       `json:"user_id" db:"user_id"`
	Amount         int64           `json:"amount" db:"amount"`
	Kind           TransactionKind `json:"kind" db:"kind"`
	Reason         string          `json:"reason" db:"reason"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CheckoutID     *uuid.UUID      `json:"checkout_id,omitempty" db:"checkout_id"`
	ToolID         *uuid.UUID      `json:"tool_id,omitempty" db:"tool_id"`
	Metadata       *string         `json:"metadata,omitempty" db:"metadata"`
	BalanceBefore  int64           `json:"balance_before" db:"balance_before"`
	BalanceAfter   int64           `json:"balance_after" db:"balance_after"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// LedgerResult is what a mutation returns. Duplicate means the idempotency key
// matched a prior transaction and its original result is being replayed.
type LedgerResult struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	BalanceBefore int64     `json:"balance_before"`
	NewBalance    int64     `json:"new_balance"`
	Duplicate     bool      `json:"is_duplicate"`
}

// AuditEntry records who moved credits, written in the same database
// transaction as the ledger row it describes.
type AuditEntry struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Actor         string    `json:"actor" db:"actor"`
	UserID        uuid.UUID `json:"user_id" db:"user_id"`
	TransactionID uuid.UUID `json:"transaction_id" db:"transaction_id"`
	Amount        int64     `json:"amount" db:"amount"`
	BalanceBefore int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64     `json:"balance_after" db:"balance_after"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
