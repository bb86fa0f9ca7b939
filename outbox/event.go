// Package outbox implements the transactional outbox: events inserted
// atomically with their ledger write, leased with row locks, and retried
// with bounded backoff. The outbox row is the only owner of retry state.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel is the Postgres notification channel signalling new events. The
// notification payload is the event type; it is a hint, not a work item.
const Channel = "order_events"

const (
	AggregateTypeOrderLedger = "OrderLedger"
	EventTypeOrderAuthorized = "OrderAuthorized"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// Event is one outbox row. NextRetryAt nil means due immediately.
type Event struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	Status        Status
	RetryCount    int
	NextRetryAt   *time.Time
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// OrderAuthorizedPayload is the snapshot carried by an OrderAuthorized
// event. The saga executor reloads the aggregate before acting, so the
// payload identifies the work rather than duplicating the item lines.
type OrderAuthorizedPayload struct {
	AggregateID            uuid.UUID `json:"aggregate_id"`
	UserID                 string    `json:"user_id"`
	Email                  string    `json:"email"`
	TotalAmountCents       int64     `json:"total_amount_cents"`
	Currency               string    `json:"currency"`
	PaymentAuthorizationID string    `json:"payment_authorization_id"`
}

// NewOrderAuthorizedEvent builds a PENDING OrderAuthorized event for the
// given snapshot.
func NewOrderAuthorizedEvent(payload OrderAuthorizedPayload) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}

	return &Event{
		ID:            uuid.New(),
		AggregateType: AggregateTypeOrderLedger,
		AggregateID:   payload.AggregateID,
		EventType:     EventTypeOrderAuthorized,
		Payload:       body,
		Status:        StatusPending,
	}, nil
}

// DecodePayload unmarshals the event's OrderAuthorized snapshot.
func (e *Event) DecodePayload() (OrderAuthorizedPayload, error) {
	var payload OrderAuthorizedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return OrderAuthorizedPayload{}, fmt.Errorf("failed to decode outbox payload: %w", err)
	}
	return payload, nil
}
