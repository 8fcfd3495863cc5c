package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/config"
	"github.com/onesub/backend/internal/metrics"
	"github.com/onesub/backend/internal/model"
	"github.com/rs/zerolog"
)

// EntitlementStore is the repository slice entitlement derivation reads from.
type EntitlementStore interface {
	GetSubscriptionForTool(ctx context.Context, userID uuid.UUID, toolID *uuid.UUID) (*model.Subscription, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	GetTool(ctx context.Context, id uuid.UUID) (*model.Tool, error)
	GetPlan(ctx context.Context, id uuid.UUID) (*model.Plan, error)
	GetUserByEmailHash(ctx context.Context, emailSHA256 string) (*model.User, error)
}

type cacheEntry struct {
	ent       model.Entitlement
	expiresAt time.Time
}

// EntitlementService derives per-user-per-tool access decisions and caches
// them with a TTL. Subscription-affecting mutations invalidate entries
// synchronously; TTL expiry is only a backstop.
type EntitlementService struct {
	store EntitlementStore
	cfg   config.EntitlementConfig
	log   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewEntitlementService(store EntitlementStore, cfg config.EntitlementConfig, log zerolog.Logger) *EntitlementService {
	return &EntitlementService{
		store: store,
		cfg:   cfg,
		log:   log,
		cache: make(map[string]cacheEntry),
	}
}

func cacheKey(toolID, userID uuid.UUID) string {
	return toolID.String() + "|" + userID.String()
}

// GetEntitlements returns the cached decision when fresh, recomputing on miss.
// With freshCredits the credit figure is re-read even on a hit, for callers
// needing stronger freshness than the cache TTL.
func (s *EntitlementService) GetEntitlements(ctx context.Context, userID, toolID uuid.UUID, freshCredits bool) (*model.Entitlement, error) {
	key := cacheKey(toolID, userID)

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		metrics.EntitlementLookups.WithLabelValues("hit").Inc()
		ent := entry.ent
		// The authority instant is relative to now, not to when the entry was
		// computed; a hit must never hand out more authority than a miss would.
		ent.AuthorityExpiresAt = s.clampAuthority(time.Now(), &ent, entry.expiresAt)
		if freshCredits {
			balance, err := s.store.GetBalance(ctx, userID)
			if err != nil {
				return nil, err
			}
			ent.CreditsRemaining = balance
		}
		return &ent, nil
	}

	metrics.EntitlementLookups.WithLabelValues("miss").Inc()
	ent, err := s.compute(ctx, userID, toolID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{ent: *ent, expiresAt: time.Now().Add(s.cfg.CacheTTL)}
	s.mu.Unlock()

	return ent, nil
}

// clampAuthority bounds the trust horizon: never more than the authority
// window from now, never past the cache entry's own expiry, and never past the
// period boundary of an active subscription.
func (s *EntitlementService) clampAuthority(now time.Time, ent *model.Entitlement, notAfter time.Time) time.Time {
	authority := now.Add(s.cfg.AuthorityWindow)
	if notAfter.Before(authority) {
		authority = notAfter
	}
	if ent.Active && ent.CurrentPeriodEnd != nil && ent.CurrentPeriodEnd.Before(authority) {
		authority = *ent.CurrentPeriodEnd
	}
	return authority
}

// ResolveUserByEmailHash maps a SHA-256 email digest to the platform user id,
// for callers that know their user only by email.
func (s *EntitlementService) ResolveUserByEmailHash(ctx context.Context, emailSHA256 string) (uuid.UUID, error) {
	user, err := s.store.GetUserByEmailHash(ctx, emailSHA256)
	if err != nil {
		return uuid.Nil, err
	}
	return user.ID, nil
}

func (s *EntitlementService) compute(ctx context.Context, userID, toolID uuid.UUID) (*model.Entitlement, error) {
	tool, err := s.store.GetTool(ctx, toolID)
	if err != nil {
		return nil, err
	}

	balance, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	ent := &model.Entitlement{
		UserID:           userID,
		ToolID:           toolID,
		Status:           model.SubscriptionStatusNone,
		CreditsRemaining: balance,
		Features:         tool.FeatureMap(),
		Limits:           tool.LimitMap(),
	}

	sub, err := s.store.GetSubscriptionForTool(ctx, userID, &toolID)
	switch {
	case err == nil:
		ent.Status = sub.Status
		ent.Active = sub.IsActive()
		ent.PlanID = &sub.PlanID
		periodEnd := sub.CurrentPeriodEnd
		ent.CurrentPeriodEnd = &periodEnd
		ent.CancelAtPeriodEnd = sub.CancelAtPeriodEnd

		if plan, planErr := s.store.GetPlan(ctx, sub.PlanID); planErr == nil {
			// Plan-level metadata wins on key collision.
			for k, v := range plan.FeatureMap() {
				ent.Features[k] = v
			}
			for k, v := range plan.LimitMap() {
				ent.Limits[k] = v
			}
		}
	case errors.Is(err, model.ErrSubscriptionNotFound):
		// No subscription: status none, credits still reported.
	default:
		return nil, err
	}

	// An answer must never be trusted past the period boundary, where a
	// failed renewal could revoke access.
	now := time.Now()
	ent.AuthorityExpiresAt = s.clampAuthority(now, ent, now.Add(s.cfg.CacheTTL))
	return ent, nil
}

// Invalidate drops the cached decision for one user/tool pair; a nil tool
// drops every entry the user has. Synchronous so revocations take effect
// before the mutating call returns.
func (s *EntitlementService) Invalidate(userID uuid.UUID, toolID *uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if toolID != nil {
		delete(s.cache, cacheKey(*toolID, userID))
		return
	}
	suffix := "|" + userID.String()
	for key := range s.cache {
		if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
			delete(s.cache, key)
		}
	}
}
