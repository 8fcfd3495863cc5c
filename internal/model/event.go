package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout.completed"
	EventInvoicePaid         EventType = "invoice.paid"
	EventSubscriptionDeleted EventType = "subscription.deleted"
	EventSubscriptionPaused  EventType = "subscription.paused"
	EventSubscriptionResumed EventType = "subscription.resumed"
	EventPaymentFailed       EventType = "payment.failed"
)

type EventStatus string

const (
	EventStatusReceived   EventStatus = "received"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusRetrying   EventStatus = "retrying"
	EventStatusDeadLetter EventStatus = "dead_letter"
)

// WebhookEvent stores every inbound payment event with deduplication and retry
// metadata. The retry queue and the dead-letter queue are both views over this
// table.
type WebhookEvent struct {
	ID          uuid.UUID   `json:"id" db:"id"`
	ProviderID  string      `json:"provider_event_id" db:"provider_event_id"`
	Type        EventType   `json:"type" db:"type"`
	Payload     string      `json:"payload" db:"payload"`
	Status      EventStatus `json:"status" db:"status"`
	Attempts    int         `json:"attempts" db:"attempts"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty" db:"next_retry_at"`
	LastError   *string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty" db:"processed_at"`
}

// EventEnvelope is the inbound wire format: {id, type, data}.
type EventEnvelope struct {
	ID   string          `json:"id"`
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EventData is the union of payload fields across event types. Unknown fields
// are preserved in the stored raw payload, not here.
type EventData struct {
	CheckoutID     *uuid.UUID `json:"checkout_id,omitempty"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	InvoiceID      string     `json:"invoice_id,omitempty"`
	UserID         *uuid.UUID `json:"user_id,omitempty"`
	ProviderRef    string     `json:"provider_ref,omitempty"`
}

// SweepReport is returned by the scheduled reconciliation trigger.
type SweepReport struct {
	RetriesProcessed    int `json:"retries_processed"`
	RetriesSucceeded    int `json:"retries_succeeded"`
	RetriesFailed       int `json:"retries_failed"`
	DeadLettered        int `json:"dead_lettered"`
	CheckoutsExpired    int `json:"checkouts_expired"`
	SubscriptionsLapsed int `json:"subscriptions_lapsed"`
}
