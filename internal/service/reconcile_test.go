package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/config"
	"github.com/onesub/backend/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test_secret"

func newPipeline(store *memStore, rcfg config.ReconcileConfig) (*ReconcileService, *LedgerService, *fakeProvider) {
	log := zerolog.Nop()
	prov := &fakeProvider{}
	ledger := NewLedgerService(store, log)
	subs := NewSubscriptionService(store, ledger, rcfg.PastDueGrace, log)
	checkouts := NewCheckoutService(store, prov, ledger, subs, log)
	reconcile := NewReconcileService(store, checkouts, subs, prov,
		config.WebhookConfig{Secret: testWebhookSecret, Tolerance: 5 * time.Minute},
		rcfg, log)
	return reconcile, ledger, prov
}

func defaultReconcileConfig() config.ReconcileConfig {
	return config.ReconcileConfig{
		MaxAttempts:   3,
		RetryBackoff:  0, // retries are due immediately in tests
		CheckoutGrace: 24 * time.Hour,
		PastDueGrace:  7 * 24 * time.Hour,
		BatchSize:     100,
	}
}

func signedEvent(t *testing.T, id string, eventType model.EventType, data any) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(model.EventEnvelope{ID: id, Type: eventType, Data: raw})
	require.NoError(t, err)
	return body, SignEventPayload(body, testWebhookSecret, time.Now())
}

func TestVerifyEventSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	now := time.Now()
	tolerance := 5 * time.Minute

	t.Run("valid", func(t *testing.T) {
		header := SignEventPayload(payload, "secret", now)
		assert.NoError(t, VerifyEventSignature(payload, header, "secret", tolerance, now))
	})

	t.Run("wrong secret", func(t *testing.T) {
		header := SignEventPayload(payload, "other", now)
		assert.ErrorIs(t, VerifyEventSignature(payload, header, "secret", tolerance, now), model.ErrSignatureInvalid)
	})

	t.Run("tampered body", func(t *testing.T) {
		header := SignEventPayload(payload, "secret", now)
		tampered := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"amount":9999}}`)
		assert.ErrorIs(t, VerifyEventSignature(tampered, header, "secret", tolerance, now), model.ErrSignatureInvalid)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		header := SignEventPayload(payload, "secret", now.Add(-6*time.Minute))
		assert.ErrorIs(t, VerifyEventSignature(payload, header, "secret", tolerance, now), model.ErrSignatureInvalid)
	})

	t.Run("future timestamp", func(t *testing.T) {
		header := SignEventPayload(payload, "secret", now.Add(6*time.Minute))
		assert.ErrorIs(t, VerifyEventSignature(payload, header, "secret", tolerance, now), model.ErrSignatureInvalid)
	})

	t.Run("malformed header", func(t *testing.T) {
		assert.ErrorIs(t, VerifyEventSignature(payload, "garbage", "secret", tolerance, now), model.ErrSignatureInvalid)
		assert.ErrorIs(t, VerifyEventSignature(payload, "t=notanumber,v1=aa", "secret", tolerance, now), model.ErrSignatureInvalid)
		assert.ErrorIs(t, VerifyEventSignature(payload, "", "secret", tolerance, now), model.ErrSignatureInvalid)
	})
}

func TestProcessInboundRejectsBadSignature(t *testing.T) {
	store := newMemStore()
	reconcile, _, _ := newPipeline(store, defaultReconcileConfig())
	ctx := context.Background()

	body := []byte(`{"id":"evt_forged","type":"invoice.paid","data":{}}`)
	err := reconcile.ProcessInbound(ctx, body, SignEventPayload(body, "wrong-secret", time.Now()))
	require.ErrorIs(t, err, model.ErrSignatureInvalid)

	// The rejected delivery lands in the dead-letter queue for review, never
	// the retry queue.
	ev, err := store.GetWebhookEventByProviderID(ctx, "evt_forged")
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusDeadLetter, ev.Status)
}

func TestProcessInboundCheckoutCompletedGrantsOnce(t *testing.T) {
	store := newMemStore()
	reconcile, ledger, _ := newPipeline(store, defaultReconcileConfig())
	ctx := context.Background()
	userID := uuid.New()

	co := &model.Checkout{
		UserID:        userID,
		Type:          model.CheckoutTypeCreditPurchase,
		Status:        model.CheckoutStatusPending,
		CreditsAmount: 500,
	}
	require.NoError(t, store.CreateCheckout(ctx, co))

	body, sig := signedEvent(t, "evt_1", model.EventCheckoutCompleted,
		model.EventData{CheckoutID: &co.ID})

	require.NoError(t, reconcile.ProcessInbound(ctx, body, sig))

	balance, _ := ledger.GetBalance(ctx, userID)
	assert.Equal(t, int64(500), balance)

	stored, _ := store.GetCheckout(ctx, co.ID)
	assert.Equal(t, model.CheckoutStatusCompleted, stored.Status)

	// Redelivery of the same event id: acknowledged, no second grant.
	require.NoError(t, reconcile.ProcessInbound(ctx, body, sig))
	balance, _ = ledger.GetBalance(ctx, userID)
	assert.Equal(t, int64(500), balance)

	txs, _ := ledger.GetTransactions(ctx, userID, 50, 0)
	assert.Len(t, txs, 1)
}

func TestProcessInboundPaymentFailedStartsGrace(t *testing.T) {
	store := newMemStore()
	reconcile, _, _ := newPipeline(store, defaultReconcileConfig())
	ctx := context.Background()

	sub := activeSubscription(t, store, uuid.New(), nil)

	body, sig := signedEvent(t, "evt_pf", model.EventPaymentFailed,
		model.EventData{SubscriptionID: &sub.ID})
	require.NoError(t, reconcile.ProcessInbound(ctx, body, sig))

	after, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusPastDue, after.Status)
	require.NotNil(t, after.GraceExpiresAt)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), *after.GraceExpiresAt, time.Minute)
}

func TestProcessInboundSubscriptionDeleted(t *testing.T) {
	store := newMemStore()
	reconcile, _, _ := newPipeline(store, defaultReconcileConfig())
	ctx := context.Background()

	sub := activeSubscription(t, store, uuid.New(), nil)

	body, sig := signedEvent(t, "evt_del", model.EventSubscriptionDeleted,
		model.EventData{SubscriptionID: &sub.ID})
	require.NoError(t, reconcile.ProcessInbound(ctx, body, sig))

	after, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusCancelled, after.Status)
}

func TestProcessInboundUnknownTypeAcknowledged(t *testing.T) {
	store := newMemStore()
	reconcile, _, _ := newPipeline(store, defaultReconcileConfig())
	ctx := context.Background()

	body, sig := signedEvent(t, "evt_mystery", model.EventType("refund.created"), map[string]string{})
	require.NoError(t, reconcile.ProcessInbound(ctx, body, sig))

	ev, err := store.GetWebhookEventByProviderID(ctx, "evt_mystery")
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusProcessed, ev.Status)
}

func TestEventRetriesExhaustToDeadLetter(t *testing.T) {
	store := newMemStore()
	reconcile, _, _ := newPipeline(store, defaultReconcileConfig())
	ctx := context.Background()

	// References a subscription that does not exist, so dispatch always fails.
	missing := uuid.New()
	body, sig := signedEvent(t, "evt_doomed", model.EventInvoicePaid,
		model.EventData{SubscriptionID: &missing, InvoiceID: "inv_1"})

	// Delivery is acknowledged; the failure is internal.
	require.NoError(t, reconcile.ProcessInbound(ctx, body, sig))

	ev, _ := store.GetWebhookEventByProviderID(ctx, "evt_doomed")
	assert.Equal(t, model.EventStatusRetrying, ev.Status)
	assert.Equal(t, 1, ev.Attempts)

	// First sweep retries and fails again.
	report, err := reconcile.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RetriesProcessed)
	assert.Equal(t, 1, report.RetriesFailed)

	ev, _ = store.GetWebhookEventByProviderID(ctx, "evt_doomed")
	assert.Equal(t, 2, ev.Attempts)

	// Second sweep hits the ceiling and dead-letters the event.
	report, err = reconcile.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)

	ev, _ = store.GetWebhookEventByProviderID(ctx, "evt_doomed")
	assert.Equal(t, model.EventStatusDeadLetter, ev.Status)

	// A dead-lettered event is never retried, even when redelivered.
	require.NoError(t, reconcile.ProcessInbound(ctx, body, sig))
	ev, _ = store.GetWebhookEventByProviderID(ctx, "evt_doomed")
	assert.Equal(t, model.EventStatusDeadLetter, ev.Status)
}

func TestSweepExpiresStaleCheckouts(t *testing.T) {
	store := newMemStore()
	reconcile, _, prov := newPipeline(store, defaultReconcileConfig())
	ctx := context.Background()

	stale := &model.Checkout{UserID: uuid.New(), Type: model.CheckoutTypeCreditPurchase, Status: model.CheckoutStatusPending, CreditsAmount: 100}
	require.NoError(t, store.CreateCheckout(ctx, stale))
	require.NoError(t, store.UpdateCheckoutSession(ctx, stale.ID, "sess_stale"))
	store.mu.Lock()
	store.checkouts[stale.ID].CreatedAt = time.Now().Add(-48 * time.Hour)
	store.mu.Unlock()

	fresh := &model.Checkout{UserID: uuid.New(), Type: model.CheckoutTypeCreditPurchase, Status: model.CheckoutStatusPending, CreditsAmount: 100}
	require.NoError(t, store.CreateCheckout(ctx, fresh))

	report, err := reconcile.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CheckoutsExpired)

	got, _ := store.GetCheckout(ctx, stale.ID)
	assert.Equal(t, model.CheckoutStatusExpired, got.Status)
	got, _ = store.GetCheckout(ctx, fresh.ID)
	assert.Equal(t, model.CheckoutStatusPending, got.Status)

	// The abandoned payment session is closed at the provider too.
	assert.Equal(t, []string{"sess_stale"}, prov.expiredSessions())
}

func TestSweepLapsesOverdueSubscriptions(t *testing.T) {
	store := newMemStore()
	reconcile, _, _ := newPipeline(store, defaultReconcileConfig())
	ctx := context.Background()

	sub := activeSubscription(t, store, uuid.New(), nil)
	expired := time.Now().Add(-time.Hour)
	sub.Status = model.SubscriptionStatusPastDue
	sub.GraceExpiresAt = &expired
	require.NoError(t, store.UpdateSubscription(ctx, sub))

	report, err := reconcile.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SubscriptionsLapsed)

	after, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusCancelled, after.Status)
}

// activeSubscription seeds a plan and an active subscription on it.
func activeSubscription(t *testing.T, store *memStore, userID uuid.UUID, toolID *uuid.UUID) *model.Subscription {
	t.Helper()
	plan := seedPlan(store, toolID, 1000)
	now := time.Now()
	sub := &model.Subscription{
		UserID:             userID,
		ToolID:             toolID,
		PlanID:             plan.ID,
		Status:             model.SubscriptionStatusActive,
		BillingPeriod:      model.BillingPeriodMonthly,
		CreditsPerPeriod:   plan.CreditsPerPeriod,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.Add(30 * 24 * time.Hour),
		NextBillingDate:    now.Add(30 * 24 * time.Hour),
	}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
	return sub
}

var planSeq int

func seedPlan(store *memStore, toolID *uuid.UUID, credits int64) *model.Plan {
	store.mu.Lock()
	defer store.mu.Unlock()
	planSeq++
	plan := &model.Plan{
		ID:               uuid.New(),
		ToolID:           toolID,
		Name:             fmt.Sprintf("Plan %d", planSeq),
		BillingPeriod:    model.BillingPeriodMonthly,
		CreditsPerPeriod: credits,
		PriceCents:       999,
		IsActive:         true,
		CreatedAt:        time.Now(),
	}
	store.plans[plan.ID] = plan
	return plan
}
