package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/model"
	"github.com/onesub/backend/internal/provider"
	"github.com/rs/zerolog"
)

var (
	ErrCheckoutNotCompletable = errors.New("checkout cannot be completed")
	ErrCheckoutNotCancellable = errors.New("checkout cannot be cancelled")
)

// CheckoutStore is the repository slice the checkout lifecycle needs.
type CheckoutStore interface {
	CreateCheckout(ctx context.Context, co *model.Checkout) error
	GetCheckout(ctx context.Context, id uuid.UUID) (*model.Checkout, error)
	UpdateCheckoutSession(ctx context.Context, id uuid.UUID, sessionID string) error
	CompleteCheckout(ctx context.Context, id uuid.UUID, subscriptionID *uuid.UUID) (bool, error)
	CancelCheckout(ctx context.Context, id uuid.UUID) (bool, error)
	GetPlan(ctx context.Context, id uuid.UUID) (*model.Plan, error)
}

// PaymentProvider is the outbound session API of the payment processor.
type PaymentProvider interface {
	CreateSession(ctx context.Context, req provider.SessionRequest) (*provider.Session, error)
	ExpireSession(ctx context.Context, sessionID string) error
}

type CheckoutService struct {
	store  CheckoutStore
	prov   PaymentProvider
	ledger *LedgerService
	subs   *SubscriptionService
	log    zerolog.Logger
}

func NewCheckoutService(store CheckoutStore, prov PaymentProvider, ledger *LedgerService, subs *SubscriptionService, log zerolog.Logger) *CheckoutService {
	return &CheckoutService{store: store, prov: prov, ledger: ledger, subs: subs, log: log}
}

type CreateCheckoutParams struct {
	UserID        uuid.UUID
	Type          model.CheckoutType
	CreditsAmount int64
	PlanID        *uuid.UUID
	ToolID        *uuid.UUID
	PriceCents    int64
	Description   string
}

// CreateCheckout persists intent before contacting the payment processor. If
// the provider call fails or times out the checkout stays pending and the
// expiry sweep cleans it up; nothing can be charged without a local trail.
func (s *CheckoutService) CreateCheckout(ctx context.Context, p CreateCheckoutParams) (*model.Checkout, string, error) {
	if p.UserID == uuid.Nil {
		return nil, "", model.Invalid("user_id", "must be provided")
	}
	switch p.Type {
	case model.CheckoutTypeCreditPurchase:
		if p.CreditsAmount <= 0 {
			return nil, "", model.Invalid("credits_amount", "must be positive")
		}
	case model.CheckoutTypeToolPurchase:
		if p.PlanID == nil {
			return nil, "", model.Invalid("plan_id", "must be provided for tool purchases")
		}
		if _, err := s.store.GetPlan(ctx, *p.PlanID); err != nil {
			return nil, "", err
		}
	default:
		return nil, "", model.Invalid("type", "must be credit_purchase or tool_purchase")
	}

	co := &model.Checkout{
		UserID:        p.UserID,
		Type:          p.Type,
		Status:        model.CheckoutStatusPending,
		CreditsAmount: p.CreditsAmount,
		PlanID:        p.PlanID,
		ToolID:        p.ToolID,
	}
	if err := s.store.CreateCheckout(ctx, co); err != nil {
		return nil, "", fmt.Errorf("failed to persist checkout: %w", err)
	}

	session, err := s.prov.CreateSession(ctx, provider.SessionRequest{
		CheckoutID:  co.ID.String(),
		UserID:      p.UserID.String(),
		AmountCents: p.PriceCents,
		Description: p.Description,
	})
	if err != nil {
		// Checkout stays pending; the expiry sweep will close it.
		s.log.Warn().Err(err).Str("checkout_id", co.ID.String()).Msg("payment session creation failed")
		return co, "", nil
	}

	if err := s.store.UpdateCheckoutSession(ctx, co.ID, session.ID); err != nil {
		return nil, "", fmt.Errorf("failed to record payment session: %w", err)
	}
	co.ProviderSessionID = &session.ID

	return co, session.URL, nil
}

func (s *CheckoutService) GetCheckout(ctx context.Context, id uuid.UUID) (*model.Checkout, error) {
	return s.store.GetCheckout(ctx, id)
}

// Cancel closes a pending checkout before payment. Cancelling an already
// cancelled checkout is a no-op; any other non-pending state is an error. The
// payment session is expired best effort, the local flip is authoritative.
func (s *CheckoutService) Cancel(ctx context.Context, id uuid.UUID) (*model.Checkout, error) {
	co, err := s.store.GetCheckout(ctx, id)
	if err != nil {
		return nil, err
	}
	if co.Status == model.CheckoutStatusCancelled {
		return co, nil
	}

	flipped, err := s.store.CancelCheckout(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel checkout: %w", err)
	}
	if !flipped {
		co, err = s.store.GetCheckout(ctx, id)
		if err != nil {
			return nil, err
		}
		if co.Status == model.CheckoutStatusCancelled {
			return co, nil
		}
		return nil, fmt.Errorf("%w: checkout %s is %s", ErrCheckoutNotCancellable, co.ID, co.Status)
	}

	if co.ProviderSessionID != nil {
		if err := s.prov.ExpireSession(ctx, *co.ProviderSessionID); err != nil {
			s.log.Warn().Err(err).Str("checkout_id", co.ID.String()).Msg("payment session expiry failed")
		}
	}

	co.Status = model.CheckoutStatusCancelled
	return co, nil
}

// Complete realizes the checkout's credit and subscription effects. Idempotent
// on the checkout id: a second completion returns the previously recorded
// amounts without side effects. The ledger grant runs before the status flip
// and carries a checkout-derived idempotency key, so a crash between the two
// cannot double-grant on replay.
func (s *CheckoutService) Complete(ctx context.Context, checkoutID uuid.UUID) (*model.CheckoutResult, error) {
	co, err := s.store.GetCheckout(ctx, checkoutID)
	if err != nil {
		return nil, err
	}

	if co.Status == model.CheckoutStatusCompleted {
		return &model.CheckoutResult{
			CheckoutID:     co.ID,
			CreditsGranted: co.CreditsAmount,
			SubscriptionID: co.SubscriptionID,
			AlreadyDone:    true,
		}, nil
	}
	if co.Status != model.CheckoutStatusPending {
		return nil, fmt.Errorf("%w: checkout %s is %s", ErrCheckoutNotCompletable, co.ID, co.Status)
	}

	var subID *uuid.UUID

	switch co.Type {
	case model.CheckoutTypeCreditPurchase:
		key := fmt.Sprintf("checkout-%s", co.ID)
		_, err := s.ledger.AddCredits(ctx, LedgerParams{
			UserID:         co.UserID,
			Amount:         co.CreditsAmount,
			Reason:         "Credit purchase",
			IdempotencyKey: &key,
			CheckoutID:     &co.ID,
			Actor:          "webhook:checkout-" + co.ID.String(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to grant purchased credits: %w", err)
		}

	case model.CheckoutTypeToolPurchase:
		plan, err := s.store.GetPlan(ctx, *co.PlanID)
		if err != nil {
			return nil, err
		}
		sub, err := s.subs.Activate(ctx, co.UserID, plan, co.ID)
		if err != nil {
			return nil, err
		}
		subID = &sub.ID
	}

	flipped, err := s.store.CompleteCheckout(ctx, co.ID, subID)
	if err != nil {
		return nil, fmt.Errorf("failed to complete checkout: %w", err)
	}
	if !flipped {
		// Lost a race against a concurrent completion; report its result.
		return s.Complete(ctx, checkoutID)
	}

	return &model.CheckoutResult{
		CheckoutID:     co.ID,
		CreditsGranted: co.CreditsAmount,
		SubscriptionID: subID,
	}, nil
}
