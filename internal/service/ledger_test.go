package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(store *memStore) *LedgerService {
	return NewLedgerService(store, zerolog.Nop())
}

func strPtr(s string) *string { return &s }

func TestLedgerAddAndSubtract(t *testing.T) {
	store := newMemStore()
	svc := newLedger(store)
	ctx := context.Background()
	userID := uuid.New()

	res, err := svc.AddCredits(ctx, LedgerParams{UserID: userID, Amount: 100, Reason: "Purchase", Actor: "test"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.BalanceBefore)
	assert.Equal(t, int64(100), res.NewBalance)
	assert.False(t, res.Duplicate)

	res, err = svc.SubtractCredits(ctx, LedgerParams{UserID: userID, Amount: 30, Reason: "API call", Actor: "test"})
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.NewBalance)

	balance, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)
}

func TestLedgerIdempotentConsume(t *testing.T) {
	store := newMemStore()
	svc := newLedger(store)
	ctx := context.Background()
	userID := uuid.New()

	_, err := svc.AddCredits(ctx, LedgerParams{UserID: userID, Amount: 100, Reason: "Grant", Actor: "test"})
	require.NoError(t, err)

	params := LedgerParams{
		UserID:         userID,
		Amount:         15,
		Reason:         "Image generation",
		IdempotencyKey: strPtr("req-abc-123"),
		Actor:          "tool:test",
	}

	first, err := svc.SubtractCredits(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, int64(85), first.NewBalance)
	assert.False(t, first.Duplicate)

	// Network retry with the same key: same transaction, no second debit.
	second, err := svc.SubtractCredits(ctx, params)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, int64(85), second.NewBalance)

	balance, _ := svc.GetBalance(ctx, userID)
	assert.Equal(t, int64(85), balance)

	txs, err := svc.GetTransactions(ctx, userID, 50, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2) // one grant, one debit
}

func TestLedgerInsufficientCreditsLeavesNoTrace(t *testing.T) {
	store := newMemStore()
	svc := newLedger(store)
	ctx := context.Background()
	userID := uuid.New()

	_, err := svc.AddCredits(ctx, LedgerParams{UserID: userID, Amount: 10, Reason: "Grant", Actor: "test"})
	require.NoError(t, err)

	_, err = svc.SubtractCredits(ctx, LedgerParams{UserID: userID, Amount: 25, Reason: "Big job", Actor: "test"})
	var insufficient *model.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(10), insufficient.Balance)
	assert.Equal(t, int64(25), insufficient.Required)
	assert.Equal(t, int64(15), insufficient.Shortfall())

	balance, _ := svc.GetBalance(ctx, userID)
	assert.Equal(t, int64(10), balance)

	txs, _ := svc.GetTransactions(ctx, userID, 50, 0)
	assert.Len(t, txs, 1)
}

func TestLedgerValidation(t *testing.T) {
	svc := newLedger(newMemStore())
	ctx := context.Background()
	userID := uuid.New()

	cases := []struct {
		name   string
		params LedgerParams
	}{
		{"zero amount", LedgerParams{UserID: userID, Amount: 0, Reason: "x"}},
		{"negative amount", LedgerParams{UserID: userID, Amount: -5, Reason: "x"}},
		{"amount over ceiling", LedgerParams{UserID: userID, Amount: model.MaxLedgerAmount + 1, Reason: "x"}},
		{"missing reason", LedgerParams{UserID: userID, Amount: 1}},
		{"reason too long", LedgerParams{UserID: userID, Amount: 1, Reason: strings.Repeat("a", model.MaxReasonLength+1)}},
		{"empty idempotency key", LedgerParams{UserID: userID, Amount: 1, Reason: "x", IdempotencyKey: strPtr("")}},
		{"idempotency key too long", LedgerParams{UserID: userID, Amount: 1, Reason: "x", IdempotencyKey: strPtr(strings.Repeat("k", model.MaxIdempotencyKeyLength+1))}},
		{"missing user", LedgerParams{Amount: 1, Reason: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SubtractCredits(ctx, tc.params)
			var invalid *model.ValidationError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestLedgerConcurrentConsumesConserveBalance(t *testing.T) {
	store := newMemStore()
	svc := newLedger(store)
	ctx := context.Background()
	userID := uuid.New()

	_, err := svc.AddCredits(ctx, LedgerParams{UserID: userID, Amount: 50, Reason: "Grant", Actor: "test"})
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubtractCredits(ctx, LedgerParams{UserID: userID, Amount: 5, Reason: "Job", Actor: "test"})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			var insufficient *model.InsufficientCreditsError
			if !errors.As(err, &insufficient) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// Exactly 10 debits of 5 fit in 50; the rest must be rejected cleanly.
	assert.Equal(t, 10, succeeded)
	balance, _ := svc.GetBalance(ctx, userID)
	assert.Equal(t, int64(0), balance)

	require.NoError(t, svc.ValidateBalance(ctx, userID))
}

func TestLedgerRetriesTransientErrors(t *testing.T) {
	store := newMemStore()
	store.transientFailures = 2
	svc := newLedger(store)
	ctx := context.Background()
	userID := uuid.New()

	res, err := svc.AddCredits(ctx, LedgerParams{UserID: userID, Amount: 10, Reason: "Grant", Actor: "test"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.NewBalance)
}

func TestLedgerGivesUpAfterRetryBudget(t *testing.T) {
	store := newMemStore()
	store.transientFailures = 10
	svc := newLedger(store)

	_, err := svc.AddCredits(context.Background(), LedgerParams{UserID: uuid.New(), Amount: 10, Reason: "Grant", Actor: "test"})
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
}

func TestLedgerValidateBalanceDetectsDrift(t *testing.T) {
	store := newMemStore()
	svc := newLedger(store)
	ctx := context.Background()
	userID := uuid.New()

	_, err := svc.AddCredits(ctx, LedgerParams{UserID: userID, Amount: 40, Reason: "Grant", Actor: "test"})
	require.NoError(t, err)
	require.NoError(t, svc.ValidateBalance(ctx, userID))

	// Corrupt the projection behind the ledger's back.
	store.mu.Lock()
	store.balances[userID] = 9999
	store.mu.Unlock()

	err = svc.ValidateBalance(ctx, userID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drift")
}
