package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/model"
)

// InsertWebhookEvent records an inbound event. A duplicate provider event id
// returns the existing row and inserted=false, so redelivery is detected before
// any handler runs.
func (r *Repository) InsertWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (inserted bool, err error) {
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (provider_event_id, type, payload, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_event_id) DO NOTHING
		RETURNING id, created_at`,
		ev.ProviderID, ev.Type, ev.Payload, ev.Status,
	).Scan(&ev.ID, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.GetWebhookEventByProviderID(ctx, ev.ProviderID)
		if getErr != nil {
			return false, getErr
		}
		*ev = *existing
		return false, nil
	}
	return err == nil, err
}

func (r *Repository) GetWebhookEventByProviderID(ctx context.Context, providerID string) (*model.WebhookEvent, error) {
	var ev model.WebhookEvent
	err := r.db.GetContext(ctx, &ev,
		"SELECT * FROM webhook_events WHERE provider_event_id = $1", providerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrEventNotFound
		}
		return nil, err
	}
	return &ev, nil
}

func (r *Repository) MarkEventProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $2, processed_at = NOW(), next_retry_at = NULL, last_error = NULL
		WHERE id = $1`,
		id, model.EventStatusProcessed)
	return err
}

func (r *Repository) MarkEventFailed(ctx context.Context, id uuid.UUID, handlerErr string, nextRetry time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $2, attempts = attempts + 1, last_error = $3, next_retry_at = $4
		WHERE id = $1`,
		id, model.EventStatusRetrying, handlerErr, nextRetry)
	return err
}

func (r *Repository) MarkEventDeadLettered(ctx context.Context, id uuid.UUID, handlerErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $2, attempts = attempts + 1, last_error = $3, next_retry_at = NULL
		WHERE id = $1`,
		id, model.EventStatusDeadLetter, handlerErr)
	return err
}

// RecordDeadLetter stores an event that failed signature verification for human
// review. These never enter the retry queue.
func (r *Repository) RecordDeadLetter(ctx context.Context, providerID string, eventType model.EventType, payload, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider_event_id, type, payload, status, last_error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_event_id) DO NOTHING`,
		providerID, eventType, payload, model.EventStatusDeadLetter, reason)
	return err
}

// GetDueRetries returns retrying events whose backoff has elapsed. Overlapping
// sweeps are harmless: handlers are idempotent at the ledger layer.
func (r *Repository) GetDueRetries(ctx context.Context, now time.Time, limit int) ([]model.WebhookEvent, error) {
	var events []model.WebhookEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT * FROM webhook_events
		WHERE status = 'retrying' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`,
		now, limit)
	return events, err
}

func (r *Repository) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM webhook_events WHERE status = 'dead_letter'")
	return n, err
}
