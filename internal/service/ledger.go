package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/metrics"
	"github.com/onesub/backend/internal/model"
	"github.com/onesub/backend/internal/repository"
	"github.com/rs/zerolog"
)

// LedgerStore is the slice of the repository the ledger needs. Implemented by
// *repository.Repository and by the in-memory fake in tests.
type LedgerStore interface {
	ApplyLedgerMutation(ctx context.Context, m repository.LedgerMutation) (*model.LedgerResult, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	GetTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Transaction, error)
	ValidateBalance(ctx context.Context, userID uuid.UUID) (projected, computed int64, err error)
}

// LedgerParams describes one credit mutation request. Amount is always
// positive; the operation decides the sign.
type LedgerParams struct {
	UserID         uuid.UUID
	Amount         int64
	Reason         string
	IdempotencyKey *string
	CheckoutID     *uuid.UUID
	ToolID         *uuid.UUID
	Metadata       *string
	Actor          string
}

const ledgerRetryAttempts = 3

type LedgerService struct {
	store LedgerStore
	log   zerolog.Logger
}

func NewLedgerService(store LedgerStore, log zerolog.Logger) *LedgerService {
	return &LedgerService{store: store, log: log}
}

// AddCredits appends a credit transaction. A repeated idempotency key returns
// the original result with Duplicate set; callers treat that as success.
func (s *LedgerService) AddCredits(ctx context.Context, p LedgerParams) (*model.LedgerResult, error) {
	return s.mutate(ctx, p, model.TransactionKindAdd)
}

// SubtractCredits appends a debit transaction, failing with
// InsufficientCreditsError when the balance cannot cover it.
func (s *LedgerService) SubtractCredits(ctx context.Context, p LedgerParams) (*model.LedgerResult, error) {
	return s.mutate(ctx, p, model.TransactionKindSubtract)
}

func (s *LedgerService) mutate(ctx context.Context, p LedgerParams, kind model.TransactionKind) (*model.LedgerResult, error) {
	if err := validateLedgerParams(p); err != nil {
		return nil, err
	}

	amount := p.Amount
	if kind == model.TransactionKindSubtract {
		amount = -amount
	}

	mutation := repository.LedgerMutation{
		UserID:         p.UserID,
		Amount:         amount,
		Kind:           kind,
		Reason:         p.Reason,
		IdempotencyKey: p.IdempotencyKey,
		CheckoutID:     p.CheckoutID,
		ToolID:         p.ToolID,
		Metadata:       p.Metadata,
		Actor:          p.Actor,
	}

	var result *model.LedgerResult
	var err error
	for attempt := 1; attempt <= ledgerRetryAttempts; attempt++ {
		result, err = s.store.ApplyLedgerMutation(ctx, mutation)
		if err == nil || !model.IsTransient(err) {
			break
		}
		s.log.Warn().Err(err).Int("attempt", attempt).
			Str("user_id", p.UserID.String()).Msg("ledger contention, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	if err != nil {
		metrics.LedgerMutations.WithLabelValues(string(kind), "error").Inc()
		return nil, err
	}

	outcome := "ok"
	if result.Duplicate {
		outcome = "duplicate"
	}
	metrics.LedgerMutations.WithLabelValues(string(kind), outcome).Inc()

	s.log.Info().
		Str("event", "ledger.audit").
		Str("actor", p.Actor).
		Str("user_id", p.UserID.String()).
		Str("transaction_id", result.TransactionID.String()).
		Int64("amount", amount).
		Int64("balance_before", result.BalanceBefore).
		Int64("balance_after", result.NewBalance).
		Bool("duplicate", result.Duplicate).
		Msg("ledger mutation")

	return result, nil
}

func validateLedgerParams(p LedgerParams) error {
	if p.UserID == uuid.Nil {
		return model.Invalid("user_id", "must be provided")
	}
	if p.Amount <= 0 {
		return model.Invalid("amount", "must be a positive integer")
	}
	if p.Amount > model.MaxLedgerAmount {
		return model.Invalid("amount", fmt.Sprintf("cannot exceed %d", model.MaxLedgerAmount))
	}
	if p.Reason == "" {
		return model.Invalid("reason", "must be provided")
	}
	if len(p.Reason) > model.MaxReasonLength {
		return model.Invalid("reason", fmt.Sprintf("cannot exceed %d characters", model.MaxReasonLength))
	}
	if p.IdempotencyKey != nil {
		if *p.IdempotencyKey == "" {
			return model.Invalid("idempotency_key", "must not be empty when provided")
		}
		if len(*p.IdempotencyKey) > model.MaxIdempotencyKeyLength {
			return model.Invalid("idempotency_key", fmt.Sprintf("cannot exceed %d characters", model.MaxIdempotencyKeyLength))
		}
	}
	return nil
}

func (s *LedgerService) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.store.GetBalance(ctx, userID)
}

func (s *LedgerService) GetTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.GetTransactions(ctx, userID, limit, offset)
}

// ValidateBalance replays the transaction log and compares it against the
// materialized balance. Used by operators, never on the hot path.
func (s *LedgerService) ValidateBalance(ctx context.Context, userID uuid.UUID) error {
	projected, computed, err := s.store.ValidateBalance(ctx, userID)
	if err != nil {
		return err
	}
	if projected != computed {
		return fmt.Errorf("balance drift for user %s: projection %d, log sum %d", userID, projected, computed)
	}
	return nil
}
