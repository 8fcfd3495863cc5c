package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/config"
	"github.com/onesub/backend/internal/metrics"
	"github.com/onesub/backend/internal/model"
	"github.com/rs/zerolog"
)

// ReconcileStore is the repository slice the pipeline needs: the event table
// doubles as retry queue and dead-letter queue.
type ReconcileStore interface {
	InsertWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (bool, error)
	MarkEventProcessed(ctx context.Context, id uuid.UUID) error
	MarkEventFailed(ctx context.Context, id uuid.UUID, handlerErr string, nextRetry time.Time) error
	MarkEventDeadLettered(ctx context.Context, id uuid.UUID, handlerErr string) error
	RecordDeadLetter(ctx context.Context, providerID string, eventType model.EventType, payload, reason string) error
	GetDueRetries(ctx context.Context, now time.Time, limit int) ([]model.WebhookEvent, error)
	CountDeadLetters(ctx context.Context) (int, error)
	ExpireStaleCheckouts(ctx context.Context, olderThan time.Time, limit int) ([]model.Checkout, error)
	PurgeExpiredNonces(ctx context.Context, before time.Time) (int, error)
}

// SessionExpirer closes payment sessions for checkouts the sweep abandons.
type SessionExpirer interface {
	ExpireSession(ctx context.Context, sessionID string) error
}

type ReconcileService struct {
	store     ReconcileStore
	checkouts *CheckoutService
	subs      *SubscriptionService
	sessions  SessionExpirer
	cfg       config.WebhookConfig
	rcfg      config.ReconcileConfig
	log       zerolog.Logger
}

func NewReconcileService(store ReconcileStore, checkouts *CheckoutService, subs *SubscriptionService, sessions SessionExpirer, cfg config.WebhookConfig, rcfg config.ReconcileConfig, log zerolog.Logger) *ReconcileService {
	return &ReconcileService{
		store:     store,
		checkouts: checkouts,
		subs:      subs,
		sessions:  sessions,
		cfg:       cfg,
		rcfg:      rcfg,
		log:       log,
	}
}

// ProcessInbound verifies and processes one webhook delivery. Signature
// failure is the only outcome the sender sees as an error; handler failures
// are queued for retry and the delivery is still acknowledged so the sender
// never redelivers an event we already hold.
func (s *ReconcileService) ProcessInbound(ctx context.Context, body []byte, sigHeader string) error {
	if err := VerifyEventSignature(body, sigHeader, s.cfg.Secret, s.cfg.Tolerance, time.Now()); err != nil {
		var envelope model.EventEnvelope
		_ = json.Unmarshal(body, &envelope)
		s.log.Error().
			Str("event", "webhook.signature_failure").
			Str("provider_event_id", envelope.ID).
			Msg("webhook signature verification failed")
		if envelope.ID != "" {
			_ = s.store.RecordDeadLetter(ctx, envelope.ID, envelope.Type, string(body), "signature verification failed")
		}
		metrics.WebhookEvents.WithLabelValues(string(envelope.Type), "signature_failure").Inc()
		return err
	}

	var envelope model.EventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return model.Invalid("body", "malformed event envelope")
	}
	if envelope.ID == "" || envelope.Type == "" {
		return model.Invalid("body", "event id and type are required")
	}

	ev := &model.WebhookEvent{
		ProviderID: envelope.ID,
		Type:       envelope.Type,
		Payload:    string(body),
		Status:     model.EventStatusReceived,
	}
	inserted, err := s.store.InsertWebhookEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	if !inserted && ev.Status != model.EventStatusReceived && ev.Status != model.EventStatusRetrying {
		// Redelivery of a processed or dead-lettered event: acknowledge, do nothing.
		metrics.WebhookEvents.WithLabelValues(string(envelope.Type), "duplicate").Inc()
		return nil
	}

	s.attempt(ctx, ev)
	return nil
}

// attempt runs the handler for one stored event and records the outcome.
// Handler errors never propagate: the event either schedules a retry or moves
// to the dead-letter queue.
func (s *ReconcileService) attempt(ctx context.Context, ev *model.WebhookEvent) bool {
	err := s.dispatch(ctx, ev)
	if err == nil {
		if markErr := s.store.MarkEventProcessed(ctx, ev.ID); markErr != nil {
			s.log.Error().Err(markErr).Str("provider_event_id", ev.ProviderID).Msg("failed to mark event processed")
		}
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "processed").Inc()
		return true
	}

	attempts := ev.Attempts + 1
	if attempts >= s.rcfg.MaxAttempts {
		if markErr := s.store.MarkEventDeadLettered(ctx, ev.ID, err.Error()); markErr != nil {
			s.log.Error().Err(markErr).Str("provider_event_id", ev.ProviderID).Msg("failed to dead-letter event")
		}
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "dead_letter").Inc()
		s.log.Error().
			Str("event", "webhook.dead_letter").
			Str("provider_event_id", ev.ProviderID).
			Str("type", string(ev.Type)).
			Int("attempts", attempts).
			Err(err).
			Msg("event exhausted retries, operator attention required")
		return false
	}

	// Backoff doubles per attempt.
	delay := s.rcfg.RetryBackoff * time.Duration(1<<ev.Attempts)
	if markErr := s.store.MarkEventFailed(ctx, ev.ID, err.Error(), time.Now().Add(delay)); markErr != nil {
		s.log.Error().Err(markErr).Str("provider_event_id", ev.ProviderID).Msg("failed to schedule retry")
	}
	metrics.WebhookEvents.WithLabelValues(string(ev.Type), "retry_scheduled").Inc()
	s.log.Warn().
		Str("provider_event_id", ev.ProviderID).
		Str("type", string(ev.Type)).
		Int("attempts", attempts).
		Err(err).
		Msg("event handler failed, retry scheduled")
	return false
}

func (s *ReconcileService) dispatch(ctx context.Context, ev *model.WebhookEvent) error {
	var envelope model.EventEnvelope
	if err := json.Unmarshal([]byte(ev.Payload), &envelope); err != nil {
		return fmt.Errorf("stored payload unparsable: %w", err)
	}
	var data model.EventData
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return fmt.Errorf("event data unparsable: %w", err)
		}
	}

	switch ev.Type {
	case model.EventCheckoutCompleted:
		if data.CheckoutID == nil {
			return fmt.Errorf("checkout.completed without checkout_id")
		}
		_, err := s.checkouts.Complete(ctx, *data.CheckoutID)
		return err

	case model.EventInvoicePaid:
		if data.SubscriptionID == nil || data.InvoiceID == "" {
			return fmt.Errorf("invoice.paid without subscription_id or invoice_id")
		}
		_, err := s.subs.Renew(ctx, *data.SubscriptionID, data.InvoiceID)
		return err

	case model.EventSubscriptionDeleted:
		if data.SubscriptionID == nil {
			return fmt.Errorf("subscription.deleted without subscription_id")
		}
		return s.subs.Transition(ctx, *data.SubscriptionID, model.SubscriptionStatusCancelled)

	case model.EventSubscriptionPaused:
		if data.SubscriptionID == nil {
			return fmt.Errorf("subscription.paused without subscription_id")
		}
		return s.subs.Transition(ctx, *data.SubscriptionID, model.SubscriptionStatusPaused)

	case model.EventSubscriptionResumed:
		if data.SubscriptionID == nil {
			return fmt.Errorf("subscription.resumed without subscription_id")
		}
		return s.subs.Transition(ctx, *data.SubscriptionID, model.SubscriptionStatusActive)

	case model.EventPaymentFailed:
		if data.SubscriptionID == nil {
			return fmt.Errorf("payment.failed without subscription_id")
		}
		// No ledger mutation; access survives until the grace period lapses.
		return s.subs.Transition(ctx, *data.SubscriptionID, model.SubscriptionStatusPastDue)

	default:
		// Unknown types are acknowledged and recorded; nothing to do.
		s.log.Info().Str("type", string(ev.Type)).Msg("ignoring unhandled event type")
		return nil
	}
}

// Sweep drains the retry queue and applies time-based expiries. Individually
// idempotent: running it more often than its cadence cannot double-process
// thanks to the idempotency-key discipline in the handlers.
func (s *ReconcileService) Sweep(ctx context.Context, batchSize int) (*model.SweepReport, error) {
	if batchSize <= 0 {
		batchSize = s.rcfg.BatchSize
	}
	now := time.Now().UTC()
	report := &model.SweepReport{}

	events, err := s.store.GetDueRetries(ctx, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load retry queue: %w", err)
	}
	for i := range events {
		ev := &events[i]
		report.RetriesProcessed++
		if s.attempt(ctx, ev) {
			report.RetriesSucceeded++
		} else if ev.Attempts+1 >= s.rcfg.MaxAttempts {
			report.DeadLettered++
		} else {
			report.RetriesFailed++
		}
	}

	expired, err := s.store.ExpireStaleCheckouts(ctx, now.Add(-s.rcfg.CheckoutGrace), batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("checkout expiry sweep failed")
	}
	for i := range expired {
		co := &expired[i]
		if co.ProviderSessionID == nil {
			continue
		}
		// Best effort: the local expiry stands even if the provider call fails.
		if err := s.sessions.ExpireSession(ctx, *co.ProviderSessionID); err != nil {
			s.log.Warn().Err(err).Str("checkout_id", co.ID.String()).Msg("payment session expiry failed")
		}
	}
	report.CheckoutsExpired = len(expired)

	lapsed, err := s.subs.LapseOverdue(ctx, now, batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("subscription grace sweep failed")
	}
	report.SubscriptionsLapsed = lapsed

	if _, err := s.store.PurgeExpiredNonces(ctx, now); err != nil {
		s.log.Error().Err(err).Msg("nonce purge failed")
	}

	if depth, err := s.store.CountDeadLetters(ctx); err == nil {
		metrics.DeadLetterDepth.Set(float64(depth))
	}

	return report, nil
}
