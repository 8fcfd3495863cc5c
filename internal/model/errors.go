package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrToolNotFound         = errors.New("tool not found")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrCheckoutNotFound     = errors.New("checkout not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrEventNotFound        = errors.New("event not found")
	ErrInvalidCredential    = errors.New("invalid credential")
	ErrNonceUsed            = errors.New("login nonce already used or expired")
	ErrSignatureInvalid     = errors.New("signature verification failed")
)

// InsufficientCreditsError reports a rejected debit. The mutation that raised
// it left no trace in the ledger.
type InsufficientCreditsError struct {
	UserID   uuid.UUID
	Balance  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, required %d", e.Balance, e.Required)
}

func (e *InsufficientCreditsError) Shortfall() int64 {
	return e.Required - e.Balance
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// TransientStoreError marks storage faults worth retrying: lock timeouts,
// serialization failures, deadlocks.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var t *TransientStoreError
	return errors.As(err, &t)
}
