package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/model"
	"github.com/onesub/backend/internal/provider"
	"github.com/onesub/backend/internal/repository"
)

// memStore is an in-memory stand-in for *repository.Repository. It implements
// every store interface the services consume, with the same atomicity
// guarantees the SQL layer provides (single mutex instead of row locks).
type memStore struct {
	mu sync.Mutex

	balances     map[uuid.UUID]int64
	transactions []model.Transaction
	checkouts    map[uuid.UUID]*model.Checkout
	subs         map[uuid.UUID]*model.Subscription
	plans        map[uuid.UUID]*model.Plan
	tools        map[uuid.UUID]*model.Tool
	users        map[uuid.UUID]*model.User
	apiKeys      map[uuid.UUID]*model.APIKey // by tool id
	tokenPairs   map[uuid.UUID]*model.TokenPair
	nonces       map[string]*model.LoginNonce // key tool|nonce
	events       map[string]*model.WebhookEvent

	// transientFailures makes the next N ledger mutations fail retryably.
	transientFailures int
}

func newMemStore() *memStore {
	return &memStore{
		balances:   map[uuid.UUID]int64{},
		checkouts:  map[uuid.UUID]*model.Checkout{},
		subs:       map[uuid.UUID]*model.Subscription{},
		plans:      map[uuid.UUID]*model.Plan{},
		tools:      map[uuid.UUID]*model.Tool{},
		users:      map[uuid.UUID]*model.User{},
		apiKeys:    map[uuid.UUID]*model.APIKey{},
		tokenPairs: map[uuid.UUID]*model.TokenPair{},
		nonces:     map[string]*model.LoginNonce{},
		events:     map[string]*model.WebhookEvent{},
	}
}

func (m *memStore) ApplyLedgerMutation(ctx context.Context, mut repository.LedgerMutation) (*model.LedgerResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transientFailures > 0 {
		m.transientFailures--
		return nil, &model.TransientStoreError{Op: "lock balance", Err: context.DeadlineExceeded}
	}

	if mut.IdempotencyKey != nil {
		for i := range m.transactions {
			tx := &m.transactions[i]
			if tx.UserID == mut.UserID && tx.IdempotencyKey != nil && *tx.IdempotencyKey == *mut.IdempotencyKey {
				return &model.LedgerResult{
					TransactionID: tx.ID,
					BalanceBefore: tx.BalanceBefore,
					NewBalance:    tx.BalanceAfter,
					Duplicate:     true,
				}, nil
			}
		}
	}

	before := m.balances[mut.UserID]
	after := before + mut.Amount
	if after < 0 {
		return nil, &model.InsufficientCreditsError{UserID: mut.UserID, Balance: before, Required: -mut.Amount}
	}

	tx := model.Transaction{
		ID:             uuid.New(),
		UserID:         mut.UserID,
		Amount:         mut.Amount,
		Kind:           mut.Kind,
		Reason:         mut.Reason,
		IdempotencyKey: mut.IdempotencyKey,
		CheckoutID:     mut.CheckoutID,
		ToolID:         mut.ToolID,
		Metadata:       mut.Metadata,
		BalanceBefore:  before,
		BalanceAfter:   after,
		CreatedAt:      time.Now(),
	}
	m.transactions = append(m.transactions, tx)
	m.balances[mut.UserID] = after

	return &model.LedgerResult{
		TransactionID: tx.ID,
		BalanceBefore: before,
		NewBalance:    after,
	}, nil
}

func (m *memStore) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *memStore) GetTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Transaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		if m.transactions[i].UserID == userID {
			out = append(out, m.transactions[i])
		}
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ValidateBalance(ctx context.Context, userID uuid.UUID) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for i := range m.transactions {
		if m.transactions[i].UserID == userID {
			sum += m.transactions[i].Amount
		}
	}
	return m.balances[userID], sum, nil
}

func (m *memStore) CreateCheckout(ctx context.Context, co *model.Checkout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	co.ID = uuid.New()
	co.CreatedAt = time.Now()
	stored := *co
	m.checkouts[co.ID] = &stored
	return nil
}

func (m *memStore) GetCheckout(ctx context.Context, id uuid.UUID) (*model.Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	co, ok := m.checkouts[id]
	if !ok {
		return nil, model.ErrCheckoutNotFound
	}
	cp := *co
	return &cp, nil
}

func (m *memStore) UpdateCheckoutSession(ctx context.Context, id uuid.UUID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if co, ok := m.checkouts[id]; ok {
		co.ProviderSessionID = &sessionID
	}
	return nil
}

func (m *memStore) CompleteCheckout(ctx context.Context, id uuid.UUID, subscriptionID *uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	co, ok := m.checkouts[id]
	if !ok || co.Status != model.CheckoutStatusPending {
		return false, nil
	}
	now := time.Now()
	co.Status = model.CheckoutStatusCompleted
	co.SubscriptionID = subscriptionID
	co.CompletedAt = &now
	return true, nil
}

func (m *memStore) CancelCheckout(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	co, ok := m.checkouts[id]
	if !ok || co.Status != model.CheckoutStatusPending {
		return false, nil
	}
	co.Status = model.CheckoutStatusCancelled
	return true, nil
}

func (m *memStore) ExpireStaleCheckouts(ctx context.Context, olderThan time.Time, limit int) ([]model.Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []model.Checkout
	for _, co := range m.checkouts {
		if len(expired) >= limit {
			break
		}
		if co.Status == model.CheckoutStatusPending && co.CreatedAt.Before(olderThan) {
			co.Status = model.CheckoutStatusExpired
			expired = append(expired, *co)
		}
	}
	return expired, nil
}

func (m *memStore) GetSubscription(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, model.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *memStore) GetSubscriptionForTool(ctx context.Context, userID uuid.UUID, toolID *uuid.UUID) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *model.Subscription
	for _, sub := range m.subs {
		if sub.UserID != userID || sub.Status == model.SubscriptionStatusCancelled {
			continue
		}
		if toolID == nil {
			if sub.ToolID != nil {
				continue
			}
		} else if sub.ToolID == nil || *sub.ToolID != *toolID {
			continue
		}
		if newest == nil || sub.CreatedAt.After(newest.CreatedAt) {
			newest = sub
		}
	}
	if newest == nil {
		return nil, model.ErrSubscriptionNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *memStore) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.ID = uuid.New()
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt
	stored := *sub
	m.subs[sub.ID] = &stored
	return nil
}

func (m *memStore) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return model.ErrSubscriptionNotFound
	}
	sub.UpdatedAt = time.Now()
	stored := *sub
	m.subs[sub.ID] = &stored
	return nil
}

func (m *memStore) UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, status model.SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return model.ErrSubscriptionNotFound
	}
	sub.Status = status
	sub.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) GetLapsedSubscriptions(ctx context.Context, now time.Time, limit int) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, sub := range m.subs {
		if len(out) >= limit {
			break
		}
		if sub.Status == model.SubscriptionStatusPastDue && sub.GraceExpiresAt != nil && sub.GraceExpiresAt.Before(now) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (m *memStore) GetPlan(ctx context.Context, id uuid.UUID) (*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return nil, model.ErrPlanNotFound
	}
	cp := *plan
	return &cp, nil
}

func (m *memStore) GetTool(ctx context.Context, id uuid.UUID) (*model.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tool, ok := m.tools[id]
	if !ok {
		return nil, model.ErrToolNotFound
	}
	cp := *tool
	return &cp, nil
}

func (m *memStore) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (m *memStore) GetUserByEmailHash(ctx context.Context, emailSHA256 string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.EmailSHA256 == emailSHA256 {
			cp := *user
			return &cp, nil
		}
	}
	return nil, model.ErrUserNotFound
}

func (m *memStore) InsertWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.events[ev.ProviderID]; ok {
		*ev = *existing
		return false, nil
	}
	ev.ID = uuid.New()
	ev.CreatedAt = time.Now()
	stored := *ev
	m.events[ev.ProviderID] = &stored
	return true, nil
}

func (m *memStore) GetWebhookEventByProviderID(ctx context.Context, providerID string) (*model.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[providerID]
	if !ok {
		return nil, model.ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *memStore) MarkEventProcessed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			now := time.Now()
			ev.Status = model.EventStatusProcessed
			ev.ProcessedAt = &now
			ev.NextRetryAt = nil
			ev.LastError = nil
		}
	}
	return nil
}

func (m *memStore) MarkEventFailed(ctx context.Context, id uuid.UUID, handlerErr string, nextRetry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			ev.Status = model.EventStatusRetrying
			ev.Attempts++
			ev.LastError = &handlerErr
			retry := nextRetry
			ev.NextRetryAt = &retry
		}
	}
	return nil
}

func (m *memStore) MarkEventDeadLettered(ctx context.Context, id uuid.UUID, handlerErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			ev.Status = model.EventStatusDeadLetter
			ev.Attempts++
			ev.LastError = &handlerErr
			ev.NextRetryAt = nil
		}
	}
	return nil
}

func (m *memStore) RecordDeadLetter(ctx context.Context, providerID string, eventType model.EventType, payload, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[providerID]; ok {
		return nil
	}
	m.events[providerID] = &model.WebhookEvent{
		ID:         uuid.New(),
		ProviderID: providerID,
		Type:       eventType,
		Payload:    payload,
		Status:     model.EventStatusDeadLetter,
		LastError:  &reason,
		CreatedAt:  time.Now(),
	}
	return nil
}

func (m *memStore) GetDueRetries(ctx context.Context, now time.Time, limit int) ([]model.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.WebhookEvent
	for _, ev := range m.events {
		if len(out) >= limit {
			break
		}
		if ev.Status == model.EventStatusRetrying && ev.NextRetryAt != nil && !ev.NextRetryAt.After(now) {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (m *memStore) CountDeadLetters(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Status == model.EventStatusDeadLetter {
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*model.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.apiKeys {
		if key.Prefix == prefix {
			cp := *key
			return &cp, nil
		}
	}
	return nil, model.ErrInvalidCredential
}

func (m *memStore) UpsertAPIKey(ctx context.Context, toolID uuid.UUID, prefix, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if key, ok := m.apiKeys[toolID]; ok {
		key.Prefix = prefix
		key.KeyHash = keyHash
		key.RotatedAt = now
		return nil
	}
	m.apiKeys[toolID] = &model.APIKey{
		ID:        uuid.New(),
		ToolID:    toolID,
		Prefix:    prefix,
		KeyHash:   keyHash,
		CreatedAt: now,
		RotatedAt: now,
	}
	return nil
}

func (m *memStore) CreateTokenPair(ctx context.Context, pair *model.TokenPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair.ID = uuid.New()
	pair.CreatedAt = time.Now()
	pair.UpdatedAt = pair.CreatedAt
	stored := *pair
	m.tokenPairs[pair.ID] = &stored
	return nil
}

func (m *memStore) GetTokenPairByAccessHash(ctx context.Context, hash string) (*model.TokenPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pair := range m.tokenPairs {
		if pair.AccessTokenHash == hash {
			cp := *pair
			return &cp, nil
		}
	}
	return nil, model.ErrInvalidCredential
}

func (m *memStore) GetTokenPairByRefreshHash(ctx context.Context, hash string) (*model.TokenPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pair := range m.tokenPairs {
		if pair.RefreshTokenHash == hash {
			cp := *pair
			return &cp, nil
		}
	}
	return nil, model.ErrInvalidCredential
}

func (m *memStore) RotateTokenPair(ctx context.Context, id uuid.UUID, oldRefreshHash, accessHash, refreshHash string, accessExp, refreshExp time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.tokenPairs[id]
	if !ok || pair.Revoked || pair.RefreshTokenHash != oldRefreshHash {
		return false, nil
	}
	pair.AccessTokenHash = accessHash
	pair.RefreshTokenHash = refreshHash
	pair.AccessExpiresAt = accessExp
	pair.RefreshExpiresAt = refreshExp
	pair.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) RevokeTokenPair(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pair, ok := m.tokenPairs[id]; ok {
		pair.Revoked = true
	}
	return nil
}

func (m *memStore) CreateLoginNonce(ctx context.Context, n *model.LoginNonce) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.CreatedAt = time.Now()
	stored := *n
	m.nonces[n.ToolID.String()+"|"+n.Nonce] = &stored
	return nil
}

func (m *memStore) ConsumeLoginNonce(ctx context.Context, toolID uuid.UUID, nonce string, now time.Time) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nonces[toolID.String()+"|"+nonce]
	if !ok || n.UsedAt != nil || !n.ExpiresAt.After(now) {
		return uuid.Nil, model.ErrNonceUsed
	}
	used := now
	n.UsedAt = &used
	return n.UserID, nil
}

func (m *memStore) PurgeExpiredNonces(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for key, n := range m.nonces {
		if n.ExpiresAt.Before(before) {
			delete(m.nonces, key)
			purged++
		}
	}
	return purged, nil
}

// fakeProvider records payment session requests and expirations. Failing makes
// CreateSession error, exercising the pending-checkout fallback.
type fakeProvider struct {
	mu       sync.Mutex
	sessions []provider.SessionRequest
	expired  []string
	failing  bool
}

func (f *fakeProvider) CreateSession(ctx context.Context, req provider.SessionRequest) (*provider.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, context.DeadlineExceeded
	}
	f.sessions = append(f.sessions, req)
	return &provider.Session{ID: "sess_" + req.CheckoutID, URL: "https://pay.example.com/" + req.CheckoutID}, nil
}

func (f *fakeProvider) ExpireSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, sessionID)
	return nil
}

func (f *fakeProvider) expiredSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expired...)
}
