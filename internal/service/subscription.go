package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/model"
	"github.com/rs/zerolog"
)

// SubscriptionStore is the repository slice the subscription machine needs.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	GetSubscriptionForTool(ctx context.Context, userID uuid.UUID, toolID *uuid.UUID) (*model.Subscription, error)
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	UpdateSubscription(ctx context.Context, sub *model.Subscription) error
	UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, status model.SubscriptionStatus) error
	GetLapsedSubscriptions(ctx context.Context, now time.Time, limit int) ([]model.Subscription, error)
	GetPlan(ctx context.Context, id uuid.UUID) (*model.Plan, error)
}

// EntitlementInvalidator drops cached entitlement decisions. Every
// subscription-affecting mutation calls it synchronously before returning, so
// revocations are never served from cache.
type EntitlementInvalidator interface {
	Invalidate(userID uuid.UUID, toolID *uuid.UUID)
}

type SubscriptionService struct {
	store        SubscriptionStore
	ledger       *LedgerService
	invalidator  EntitlementInvalidator
	pastDueGrace time.Duration
	log          zerolog.Logger
}

func NewSubscriptionService(store SubscriptionStore, ledger *LedgerService, pastDueGrace time.Duration, log zerolog.Logger) *SubscriptionService {
	return &SubscriptionService{
		store:        store,
		ledger:       ledger,
		pastDueGrace: pastDueGrace,
		log:          log,
	}
}

// SetInvalidator wires the entitlement cache (set after construction to avoid
// a circular dependency).
func (s *SubscriptionService) SetInvalidator(inv EntitlementInvalidator) {
	s.invalidator = inv
}

func (s *SubscriptionService) invalidate(userID uuid.UUID, toolID *uuid.UUID) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(userID, toolID)
	}
}

func (s *SubscriptionService) GetSubscription(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

func (s *SubscriptionService) GetSubscriptionForTool(ctx context.Context, userID uuid.UUID, toolID *uuid.UUID) (*model.Subscription, error) {
	return s.store.GetSubscriptionForTool(ctx, userID, toolID)
}

// Activate creates a subscription on the given plan and grants the first
// period's credits. The idempotency key is derived from the checkout, so a
// redelivered activation event creates neither a second subscription nor a
// second grant.
func (s *SubscriptionService) Activate(ctx context.Context, userID uuid.UUID, plan *model.Plan, checkoutID uuid.UUID) (*model.Subscription, error) {
	if existing, err := s.store.GetSubscriptionForTool(ctx, userID, plan.ToolID); err == nil && existing.IsActive() {
		return existing, nil
	}

	now := time.Now().UTC()
	sub := &model.Subscription{
		UserID:             userID,
		ToolID:             plan.ToolID,
		PlanID:             plan.ID,
		Status:             model.SubscriptionStatusActive,
		BillingPeriod:      plan.BillingPeriod,
		CreditsPerPeriod:   plan.CreditsPerPeriod,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.Add(plan.BillingPeriod.Duration()),
		NextBillingDate:    now.Add(plan.BillingPeriod.Duration()),
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	if plan.CreditsPerPeriod > 0 {
		key := fmt.Sprintf("subscription-activate-%s", checkoutID)
		_, err := s.ledger.AddCredits(ctx, LedgerParams{
			UserID:         userID,
			Amount:         plan.CreditsPerPeriod,
			Reason:         "Subscription activation: " + plan.Name,
			IdempotencyKey: &key,
			CheckoutID:     &checkoutID,
			ToolID:         plan.ToolID,
			Actor:          "webhook:checkout-" + checkoutID.String(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to grant activation credits: %w", err)
		}
	}

	s.invalidate(userID, plan.ToolID)
	return sub, nil
}

// Renew credits a new billing period. A pending plan change is applied only
// when its effective date has passed; otherwise the old plan's credits are
// granted and the change stays pending. The grant key is derived from
// (subscription, invoice), so redelivery is a no-op.
func (s *SubscriptionService) Renew(ctx context.Context, subID uuid.UUID, invoiceID string) (*model.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.SubscriptionStatusCancelled {
		return nil, fmt.Errorf("cannot renew cancelled subscription %s", subID)
	}

	now := time.Now().UTC()

	if sub.PendingPlanID != nil && sub.PendingPlanAt != nil && !sub.PendingPlanAt.After(now) {
		newPlan, err := s.store.GetPlan(ctx, *sub.PendingPlanID)
		if err != nil {
			return nil, fmt.Errorf("pending plan lookup failed: %w", err)
		}
		sub.PlanID = newPlan.ID
		sub.CreditsPerPeriod = newPlan.CreditsPerPeriod
		sub.BillingPeriod = newPlan.BillingPeriod
		sub.PendingPlanID = nil
		sub.PendingPlanAt = nil
	}

	sub.Status = model.SubscriptionStatusActive
	sub.GraceExpiresAt = nil
	sub.CurrentPeriodStart = now
	sub.CurrentPeriodEnd = now.Add(sub.BillingPeriod.Duration())
	sub.NextBillingDate = sub.CurrentPeriodEnd

	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	if sub.CreditsPerPeriod > 0 {
		key := fmt.Sprintf("subscription-renewal-%s-%s", sub.ID, invoiceID)
		_, err := s.ledger.AddCredits(ctx, LedgerParams{
			UserID:         sub.UserID,
			Amount:         sub.CreditsPerPeriod,
			Reason:         "Subscription renewal",
			IdempotencyKey: &key,
			ToolID:         sub.ToolID,
			Actor:          "webhook:invoice-" + invoiceID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to grant renewal credits: %w", err)
		}
	}

	s.invalidate(sub.UserID, sub.ToolID)
	return sub, nil
}

// Transition moves the subscription to the given status if the machine allows
// it. past_due additionally starts the grace clock.
func (s *SubscriptionService) Transition(ctx context.Context, subID uuid.UUID, next model.SubscriptionStatus) error {
	sub, err := s.store.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	if sub.Status == next {
		return nil
	}
	if !sub.CanTransitionTo(next) {
		return fmt.Errorf("illegal subscription transition %s -> %s", sub.Status, next)
	}

	sub.Status = next
	switch next {
	case model.SubscriptionStatusPastDue:
		grace := time.Now().UTC().Add(s.pastDueGrace)
		sub.GraceExpiresAt = &grace
	case model.SubscriptionStatusActive:
		sub.GraceExpiresAt = nil
	}

	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	s.invalidate(sub.UserID, sub.ToolID)
	s.log.Info().
		Str("subscription_id", sub.ID.String()).
		Str("status", string(next)).
		Msg("subscription transition")
	return nil
}

// RequestCancellation only sets the intent flag; the subscription keeps its
// access until period end.
func (s *SubscriptionService) RequestCancellation(ctx context.Context, subID uuid.UUID) error {
	sub, err := s.store.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	if sub.Status == model.SubscriptionStatusCancelled {
		return nil
	}
	sub.CancelAtPeriodEnd = true
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	s.invalidate(sub.UserID, sub.ToolID)
	return nil
}

// SchedulePlanChange records a plan change applied at the next renewal on or
// after effectiveAt.
func (s *SubscriptionService) SchedulePlanChange(ctx context.Context, subID, planID uuid.UUID, effectiveAt time.Time) error {
	sub, err := s.store.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	if sub.Status == model.SubscriptionStatusCancelled {
		return fmt.Errorf("cannot change plan of cancelled subscription %s", subID)
	}
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return err
	}
	sub.PendingPlanID = &planID
	sub.PendingPlanAt = &effectiveAt
	return s.store.UpdateSubscription(ctx, sub)
}

// LapseOverdue cancels past_due subscriptions whose grace period has elapsed.
// Access is revoked here, not when the payment first fails.
func (s *SubscriptionService) LapseOverdue(ctx context.Context, now time.Time, limit int) (int, error) {
	subs, err := s.store.GetLapsedSubscriptions(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	lapsed := 0
	for i := range subs {
		sub := &subs[i]
		if err := s.store.UpdateSubscriptionStatus(ctx, sub.ID, model.SubscriptionStatusCancelled); err != nil {
			s.log.Error().Err(err).Str("subscription_id", sub.ID.String()).Msg("failed to lapse subscription")
			continue
		}
		s.invalidate(sub.UserID, sub.ToolID)
		lapsed++
	}
	return lapsed, nil
}
